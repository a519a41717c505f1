// Package errdefs defines the error taxonomy shared by every DWS
// component. Each kind is a zeebo/errs class so callers can classify
// errors without string matching and the CLI can map them to exit
// codes.
package errdefs

import (
	"github.com/zeebo/errs"
)

// Error classes, one per taxonomy kind.
var (
	Unauthenticated = errs.Class("unauthenticated")
	Unauthorized    = errs.Class("unauthorized")
	NotFound        = errs.Class("not found")
	Validation      = errs.Class("validation")
	Conflict        = errs.Class("conflict")
	Provider        = errs.Class("provider error")
	Timeout         = errs.Class("timeout")
	Encryption      = errs.Class("encryption")
	Integrity       = errs.Class("integrity")
	Transient       = errs.Class("transient")
	RateLimited     = errs.Class("rate limited")
)

// Kind names an error's taxonomy class, or "internal" when the error
// does not belong to any class.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case Unauthenticated.Has(err):
		return "unauthenticated"
	case Unauthorized.Has(err):
		return "unauthorized"
	case NotFound.Has(err):
		return "not_found"
	case Validation.Has(err):
		return "validation"
	case Conflict.Has(err):
		return "conflict"
	case Provider.Has(err):
		return "provider_error"
	case Timeout.Has(err):
		return "timeout"
	case Encryption.Has(err):
		return "encryption"
	case Integrity.Has(err):
		return "integrity"
	case Transient.Has(err):
		return "transient"
	case RateLimited.Has(err):
		return "rate_limited"
	default:
		return "internal"
	}
}

// ExitCode maps an error to the admin CLI exit code contract:
// 0 success, 1 generic failure, 2 unauthorized, 3 validation,
// 4 not found, 5 conflict.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case Unauthenticated.Has(err), Unauthorized.Has(err):
		return 2
	case Validation.Has(err):
		return 3
	case NotFound.Has(err):
		return 4
	case Conflict.Has(err):
		return 5
	default:
		return 1
	}
}
