package ledger

import (
	"context"
	"fmt"
)

const DefaultHistoryPage = 500

// VoteHistoryFunc is called for each vote in reverse chronological order.
// Returning false stops the walk.
type VoteHistoryFunc func(entry HistoryEntry, vote *VoteOp) (bool, error)

// ReverseVoteHistory walks an account's operation history from newest to
// oldest, calling fn for every vote operation. Pages are fetched lazily, so
// a walk that stops early only costs the pages it actually read.
func ReverseVoteHistory(ctx context.Context, r Reader, account string, pageSize int, fn VoteHistoryFunc) error {
	if pageSize <= 0 {
		pageSize = DefaultHistoryPage
	}
	from := int64(-1)
	limit := pageSize
	for {
		entries, err := r.AccountHistory(ctx, account, from, limit)
		if err != nil {
			return fmt.Errorf("fetching history of %s from %d: %w", account, from, err)
		}
		if len(entries) == 0 {
			return nil
		}
		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			if from >= 0 && e.Index > from {
				continue
			}
			if e.Op.Type != OpVote {
				continue
			}
			vote, err := e.Op.Vote()
			if err != nil {
				return err
			}
			more, err := fn(e, vote)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
		lowest := entries[0].Index
		if lowest <= 0 {
			return nil
		}
		from = lowest - 1
		// nodes reject a limit larger than the start index
		limit = pageSize
		if int64(limit) > from {
			limit = int(from)
		}
	}
}
