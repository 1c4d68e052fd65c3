package report

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sherlock-bot/sherlock/ledger"

	"github.com/flosch/pongo2/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyPermlink(t *testing.T) {
	assert := assert.New(t)

	ts := time.Date(2018, 1, 8, 23, 30, 0, 0, time.FixedZone("X", -5*3600))
	assert.Equal("last-minute-upvote-list-2018-01-09", NewKey(KindMain, ts).Permlink())
	assert.Equal("self-vote-list-2018-01-09", NewKey(KindSelfVote, ts).Permlink())
	assert.Equal("flag-report-2018-01-09", NewKey(KindFlag, ts).Permlink())
	assert.Equal("flag/2018-01-09", NewKey(KindFlag, ts).String())
}

func TestTemplates(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	dir := t.TempDir()
	replyPath := filepath.Join(dir, "reply.md")
	require.NoError(os.WriteFile(replyPath, []byte("hey @{{ username }}, {{ amount }}"), 0o644))
	rowPath := filepath.Join(dir, "row.md")
	require.NoError(os.WriteFile(rowPath, []byte("* {{ username }}"), 0o644))

	tpl, err := LoadTemplates(TemplateFiles{Reply: replyPath, Row: rowPath, MainTitle: "Daily {{ date }}"})
	require.NoError(err)

	assert.True(tpl.HasReply(KindMain))
	assert.False(tpl.HasReply(KindSelfVote))

	out, err := tpl.RenderReply(KindMain, pongo2.Context{"username": "whale", "amount": "1.2345"})
	assert.NoError(err)
	assert.Equal("hey @whale, 1.2345", out)

	row, err := tpl.RenderRow(pongo2.Context{"username": "whale"})
	assert.NoError(err)
	assert.Equal("* whale\n", row)

	title, err := tpl.RenderTitle(KindMain, pongo2.Context{"date": "2018-01-08"})
	assert.NoError(err)
	assert.Equal("Daily 2018-01-08", title)

	_, err = tpl.RenderReply(KindSelfVote, pongo2.Context{})
	assert.Error(err)

	_, err = LoadTemplates(TemplateFiles{Reply: filepath.Join(dir, "missing.md")})
	assert.Error(err)
	_, err = LoadTemplates(TemplateFiles{MainTitle: "{% if %}"})
	assert.Error(err)
}

func TestDefaultFlagReport(t *testing.T) {
	assert := assert.New(t)

	tpl := DefaultTemplates()
	out, err := tpl.RenderPost(KindFlag, pongo2.Context{
		"account": "sherlock",
		"date":    "2018-01-08",
		"records": []map[string]string{{"Author": "bob", "Posts": "1", "Comments": "2", "Removed": "3.500"}},
		"total":   "3.500",
	})
	assert.NoError(err)
	assert.Contains(out, "| @bob | 1 | 2 | 3.500 |")
	assert.Contains(out, "Total removed: 3.500")
}

// laggingBroadcaster accepts everything but never makes it visible.
type laggingBroadcaster struct {
	mu  sync.Mutex
	ops []ledger.Operation
	err error
}

func (b *laggingBroadcaster) Broadcast(ctx context.Context, ops ...ledger.Operation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, ops...)
	return b.err
}

func TestRegistryGetOrCreate(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	ml := ledger.NewMockLedger()
	reg := NewRegistry(slog.Default(), "sherlock", ml, ml, DefaultTemplates(), []string{"steem", "abuse"})
	reg.Vars["timeframe"] = "1-3"
	key := Key{Kind: KindMain, Date: "2018-01-08"}

	post, created, err := reg.GetOrCreate(ctx, key)
	require.NoError(err)
	assert.True(created)
	assert.Equal("last-minute-upvote-list-2018-01-08", post.Permlink)
	assert.Equal("Last minute upvotes: 2018-01-08", post.Title)
	assert.Contains(post.Body, "within 1-3 hours")
	assert.Equal(1, ml.BroadcastCount())

	stored, ok := ml.Post("sherlock", post.Permlink)
	require.True(ok)
	assert.Equal("steem", stored.ParentPermlink)

	// already exists: no second create
	require.NoError(ledger.EditPost(ctx, ml, post, post.Body+"row\n"))
	again, created, err := reg.GetOrCreate(ctx, key)
	require.NoError(err)
	assert.False(created)
	assert.True(strings.HasSuffix(again.Body, "row\n"))
	assert.Equal(2, ml.BroadcastCount())
}

func TestRegistryNeverRecreates(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	ml := ledger.NewMockLedger()
	lag := &laggingBroadcaster{}
	reg := NewRegistry(slog.Default(), "sherlock", ml, lag, DefaultTemplates(), nil)
	key := Key{Kind: KindSelfVote, Date: "2018-01-08"}
	assert.False(reg.Known(key))

	_, created, err := reg.GetOrCreate(ctx, key)
	assert.NoError(err)
	assert.True(created)
	assert.True(reg.Known(key))

	_, _, err = reg.GetOrCreate(ctx, key)
	assert.Error(err)
	assert.Equal(ledger.KindTransient, ledger.KindOf(err))
	assert.Len(lag.ops, 1)

	// a duplicate create also counts as created
	dup := &laggingBroadcaster{err: ledger.DecodeError(500, "Duplicate transaction")}
	reg2 := NewRegistry(slog.Default(), "sherlock", ml, dup, DefaultTemplates(), nil)
	_, created, err = reg2.GetOrCreate(ctx, key)
	assert.NoError(err)
	assert.True(created)
	_, _, err = reg2.GetOrCreate(ctx, key)
	assert.Equal(ledger.KindTransient, ledger.KindOf(err))

	// other failures leave the key unclaimed
	bad := &laggingBroadcaster{err: ledger.DecodeError(500, "missing posting authority")}
	reg3 := NewRegistry(slog.Default(), "sherlock", ml, bad, DefaultTemplates(), nil)
	_, _, err = reg3.GetOrCreate(ctx, key)
	assert.Error(err)
	assert.False(reg3.Known(key))
	_, _, err = reg3.GetOrCreate(ctx, key)
	assert.NotEqual(ledger.KindTransient, ledger.KindOf(err))
	assert.Len(bad.ops, 2)
}

func TestRegistryPublish(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	ml := ledger.NewMockLedger()
	reg := NewRegistry(slog.Default(), "sherlock", ml, ml, DefaultTemplates(), nil)
	key := Key{Kind: KindFlag, Date: "2018-01-08"}
	tpl := reg.Templates

	extra := pongo2.Context{"records": []map[string]string{}, "total": "0.000"}
	body, err := tpl.RenderPost(KindFlag, reg.renderContext(key, extra))
	require.NoError(err)

	// first publish creates with the same body; no edit needed
	require.NoError(reg.Publish(ctx, key, body, extra))
	assert.Equal(1, ml.BroadcastCount())

	require.NoError(reg.Publish(ctx, key, "fresh report", extra))
	assert.Equal(2, ml.BroadcastCount())
	p, ok := ml.Post("sherlock", key.Permlink())
	require.True(ok)
	assert.Equal("fresh report", p.Body)
}
