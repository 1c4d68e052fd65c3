// Package ledger is a small client for a condenser-API blockchain node.
//
// Reads go over JSON-RPC (see Client). Writes are submitted to a broadcast
// service that signs on behalf of an account holding an access token (see
// HTTPBroadcaster); no keys are handled in-process.
//
// Platform failures are decoded once, at this boundary, into an ErrorKind so
// that callers can switch on the kind of failure instead of matching error
// text.
package ledger
