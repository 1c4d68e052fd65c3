// Turns incidents into ledger writes: a row in the day's designated report
// post, then optionally a reply on the offending post and a flag
// (down-vote) from the flag account.
//
// Each kind of write is serialized by its own action.Resource and retried
// per its action.Policy. Responses run in their own goroutines, and their
// failures are logged, never returned to the block processor.
package respond
