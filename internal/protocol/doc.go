// Package protocol owns the wire contract shared by every module.
//
// Ownership boundary:
// - module/jack identifiers and the common frame header
// - frame/ data frame codec and sequence tracking
// - beacon/ discovery datagrams
// - group/ multicast address derivation
package protocol
