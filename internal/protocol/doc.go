// Package protocol owns the resource-manager wire contract.
//
// Ownership boundary:
// - command ids and request/response pairing
// - fixed-size payload shapes (the tagged union keyed by command id)
// - whole-frame Encode/Decode on top of frame/ header primitives
package protocol
