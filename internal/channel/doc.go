// Package channel owns the contract between a session and the one-way
// message transport connecting the two domains.
//
// Ownership boundary:
// - Registrar/Endpoint interfaces and their error taxonomy
// - peer reachability events
//
// Concrete transports live in subpackages: memchan (in-process),
// wschan (websocket), natschan (NATS).
package channel
