package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sherlock-bot/sherlock/ledger"

	"github.com/shopspring/decimal"
)

type IncidentKind string

const (
	IncidentAbuse    IncidentKind = "abuse"
	IncidentSelfVote IncidentKind = "self-vote"
)

// Incident is one suspicious vote, ready for a response.
type Incident struct {
	Kind     IncidentKind
	Voter    string
	Post     *ledger.Post
	Value    decimal.Decimal
	VoteTime time.Time
	Height   int64
	// hours between the vote and the post's payout
	HoursToCashout float64
	Window         Window
	// incidents recorded for this voter so far, this one included; zero
	// when the counter is unavailable
	Offenses int
}

// DedupeKey identifies an incident for de-duplication within a day.
func (inc *Incident) DedupeKey() string {
	return fmt.Sprintf("%s/%s/%s/%s", inc.Kind, inc.Voter, inc.Post.Author, inc.Post.Permlink)
}

// IncidentHandler receives each incident once. Implementations must not
// block the caller for longer than it takes to hand the incident off.
type IncidentHandler interface {
	HandleIncident(ctx context.Context, inc *Incident)
}

// IncidentHandlerFunc adapts a function to IncidentHandler.
type IncidentHandlerFunc func(ctx context.Context, inc *Incident)

func (f IncidentHandlerFunc) HandleIncident(ctx context.Context, inc *Incident) {
	f(ctx, inc)
}
