package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sherlock-bot/sherlock/ledger"
	"github.com/sherlock-bot/sherlock/sherlock/cachestore"
	"github.com/sherlock-bot/sherlock/sherlock/countstore"
	"github.com/sherlock-bot/sherlock/sherlock/setstore"
	"github.com/sherlock-bot/sherlock/sherlock/valuation"

	"github.com/shopspring/decimal"
)

// IncidentRecorder collects incidents, for tests.
type IncidentRecorder struct {
	mu        sync.Mutex
	Incidents []*Incident
}

func (r *IncidentRecorder) HandleIncident(ctx context.Context, inc *Incident) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Incidents = append(r.Incidents, inc)
}

func (r *IncidentRecorder) All() []*Incident {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Incident(nil), r.Incidents...)
}

// EngineTestFixture wires an engine to a mock ledger. With the mock's
// default reward state, one rshare is worth 0.001: 1000 rshares = 1.000.
func EngineTestFixture() (*Engine, *ledger.MockLedger, *IncidentRecorder) {
	ml := ledger.NewMockLedger()
	sets := setstore.NewMemSetStore()
	sets.Replace(setstore.SetWhitelist, []string{"trusted"})
	sets.Replace(setstore.SetSuspicious, []string{"shady"})
	rec := &IncidentRecorder{}
	suspicious := Window{Low: 1, High: 24}
	eng := &Engine{
		Logger:    slog.Default(),
		Ledger:    ml,
		Valuation: valuation.NewCache(ml, cachestore.NewMemCacheStore(10, time.Hour), slog.Default()),
		Sets:      sets,
		Counters:  countstore.NewMemCountStore(),
		Incidents: rec,
		Config: Config{
			Window:           Window{Low: 1, High: 3},
			SuspiciousWindow: &suspicious,
			MinimumVoteValue: decimal.RequireFromString("0.5"),
			SelfVoteMinimum:  decimal.NewNullDecimal(decimal.RequireFromString("2")),
		},
	}
	return eng, ml, rec
}
