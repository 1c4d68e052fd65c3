package main

import (
	"fmt"
	"time"

	"github.com/sherlock-bot/sherlock/sherlock/engine"

	"github.com/xlab/treeprint"
)

func verdictTree(height int64, verdicts []*engine.Verdict) string {
	tree := treeprint.NewWithRoot(fmt.Sprintf("block %d (%d votes)", height, len(verdicts)))
	for _, v := range verdicts {
		branch := tree.AddBranch(fmt.Sprintf("@%s -> @%s/%s (weight %d)", v.Vote.Voter, v.Vote.Author, v.Vote.Permlink, v.Vote.Weight))
		branch.AddNode(fmt.Sprintf("time: %s", v.VoteTime.UTC().Format(time.RFC3339)))
		if v.Skipped != "" {
			branch.AddNode(fmt.Sprintf("skipped: %s", v.Skipped))
			continue
		}
		if v.Post != nil {
			branch.AddNode(fmt.Sprintf("hours to payout: %.2f (window %s)", v.HoursToCashout, v.Window))
		}
		branch.AddNode(fmt.Sprintf("last minute: %t", v.Abused))
		branch.AddNode(fmt.Sprintf("self vote: %t", v.SelfVote))
		if v.Valued {
			branch.AddNode(fmt.Sprintf("value: %s", v.Value.StringFixed(4)))
		}
		if len(v.Incidents) > 0 {
			incidents := branch.AddBranch("incidents")
			for _, inc := range v.Incidents {
				incidents.AddNode(fmt.Sprintf("%s (%s)", inc.Kind, inc.DedupeKey()))
			}
		}
	}
	return tree.String()
}
