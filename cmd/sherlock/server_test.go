package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sherlock-bot/sherlock/ledger"
	"github.com/sherlock-bot/sherlock/sherlock/config"
	"github.com/sherlock-bot/sherlock/sherlock/consumer"
	"github.com/sherlock-bot/sherlock/sherlock/engine"
	"github.com/sherlock-bot/sherlock/sherlock/setstore"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspectBlock(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	eng, ml, rec := engine.EngineTestFixture()
	blockTime := time.Date(2018, 1, 8, 10, 0, 0, 0, time.UTC)
	ml.InsertPost(ledger.Post{
		Author:      "alice",
		Permlink:    "late",
		CashoutTime: ledger.Time{Time: blockTime.Add(2 * time.Hour)},
		ActiveVotes: []ledger.ActiveVote{{Voter: "whale", RShares: ledger.Shares("2000")}},
	})

	var ops []ledger.Operation
	for _, voter := range []string{"whale", "trusted"} {
		op, err := ledger.NewOperation(ledger.OpVote, ledger.VoteOp{Voter: voter, Author: "alice", Permlink: "late", Weight: 10000})
		require.NoError(t, err)
		ops = append(ops, op)
	}
	ml.InsertBlock(10, blockTime, ops...)

	s := &Server{logger: slog.Default(), engine: eng}
	var buf bytes.Buffer
	require.NoError(t, s.InspectBlock(ctx, 10, &buf))

	out := buf.String()
	assert.Contains(out, "block 10 (2 votes)")
	assert.Contains(out, "@whale -> @alice/late")
	assert.Contains(out, "hours to payout: 2.00 (window 1-3)")
	assert.Contains(out, "value: 2.0000")
	assert.Contains(out, "abuse (abuse/whale/alice/late)")
	assert.Contains(out, "skipped: whitelisted")

	// nothing is dispatched
	assert.Empty(rec.All())
}

func TestHealthCheck(t *testing.T) {
	assert := assert.New(t)

	s := &Server{
		logger:   slog.Default(),
		consumer: consumer.NewConsumer(slog.Default(), ledger.NewMockLedger(), nil),
	}
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/_health", nil)
	resp := httptest.NewRecorder()
	assert.NoError(s.HandleHealthCheck(e.NewContext(req, resp)))
	assert.Equal(http.StatusOK, resp.Code)

	var status GenericStatus
	assert.NoError(json.Unmarshal(resp.Body.Bytes(), &status))
	assert.Equal("ok", status.Status)
	assert.Equal("sherlock", status.Daemon)
}

func TestLoadSets(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cfg := &config.Config{
		Whitelist:       []string{"trusted"},
		SuspiciousUsers: []string{"shady"},
	}
	sets, err := loadSets(cfg)
	require.NoError(t, err)
	ok, _ := sets.InSet(ctx, setstore.SetWhitelist, "trusted")
	assert.True(ok)

	p := filepath.Join(t.TempDir(), "sets.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"whitelist": ["friend"], "flag-targets": ["whale"]}`), 0o644))
	cfg.SetsFile = p
	sets, err = loadSets(cfg)
	require.NoError(t, err)

	// file sets replace the config lists of the same name
	ok, _ = sets.InSet(ctx, setstore.SetWhitelist, "trusted")
	assert.False(ok)
	ok, _ = sets.InSet(ctx, setstore.SetWhitelist, "friend")
	assert.True(ok)
	ok, _ = sets.InSet(ctx, setstore.SetFlagTargets, "whale")
	assert.True(ok)
	ok, _ = sets.InSet(ctx, setstore.SetSuspicious, "shady")
	assert.True(ok)

	cfg.SetsFile = filepath.Join(t.TempDir(), "missing.json")
	_, err = loadSets(cfg)
	assert.Error(err)
}
