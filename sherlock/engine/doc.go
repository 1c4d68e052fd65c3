// Block processing and vote classification.
//
// The Engine turns the operations of one block into incidents: votes cast
// inside the configured window before a post's payout deadline, worth at
// least the configured minimum, and (separately) valuable self-votes.
// Incidents are handed to an IncidentHandler; the engine itself never
// writes to the ledger.
package engine
