// Package registry owns peer discovery and patch state for one module.
//
// Ownership boundary:
// - peer lifecycle from beacons (announced, active, stale, evicted)
// - local patches (sink jack -> source jack) and their suspension
// - multicast group membership, reference counted per group
// - re-joining groups after the backend reports lost memberships
//
// A Registry is owned by the scheduler loop that drives it. It is not safe
// for concurrent use; other goroutines go through the scheduler mailbox.
package registry
