// Package scheduler owns the fixed-period transport loop of one module.
//
// Ownership boundary:
// - per-jack inbound and outbound queues
// - sequence tracking and gap substitution for received frames
// - beacon and data frame production against the cycle budget
// - the request mailbox and read-only snapshots for other goroutines
//
// Everything a cycle touches is owned by the goroutine calling RunCycle.
package scheduler
