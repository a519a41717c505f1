// Package confidentialdb provisions and manages hardware-isolated
// database instances on cloud providers.
//
// The manager drives a strict lifecycle state machine (pending ->
// provisioning -> initializing -> running, with idle, stopping,
// stopped, error and the terminal terminated state). Provisioning is
// asynchronous: the caller gets the record back immediately with a
// one-time cleartext password in the connection string; only the
// SHA-256 hash of the password is ever stored. Background sweeps park
// inactive databases in idle (or auto-terminate them) and accrue cost
// per started hour of the tier price.
package confidentialdb
