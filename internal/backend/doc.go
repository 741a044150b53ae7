// Package backend owns the datagram capability the protocol core runs on.
//
// Ownership boundary:
// - the Backend contract (send, receive, group membership, poll)
// - transient vs fatal send errors
// - link state and membership epochs
// - retry pacing shared by backend variants
//
// Variants live in subpackages: loopback (in-process, deterministic),
// host (OS sockets) and baremetal (Ethernet peripheral, no allocation).
package backend
