// Package session owns the request/response correlation engine shared by
// both domains.
//
// Ownership boundary:
// - sequence allocation and the pending-call registry
// - the receive pipeline (listener goroutine -> batch worker -> dispatch)
// - the synchronous Call facade
// - peer-ready registration, channel-dead supervision and shutdown drain
//
// Invariants:
//   - A pending call is completed by exactly one party: whoever removes it
//     from the registry (response dispatch, the caller's timeout path, or the
//     shutdown drain). Everyone else observes nothing and leaves it alone.
//   - No lock is held across channel I/O or while waiting on a completion.
//   - Frames are dispatched in the order the channel delivered them; responses
//     are matched to callers by sequence number only.
//   - One malformed frame never stops the pipeline; MaxRecvErrors consecutive
//     receive failures declare the channel dead.
package session
