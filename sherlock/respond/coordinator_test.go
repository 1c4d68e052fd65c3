package respond

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sherlock-bot/sherlock/ledger"
	"github.com/sherlock-bot/sherlock/sherlock/action"
	"github.com/sherlock-bot/sherlock/sherlock/countstore"
	"github.com/sherlock-bot/sherlock/sherlock/engine"
	"github.com/sherlock-bot/sherlock/sherlock/report"
	"github.com/sherlock-bot/sherlock/sherlock/setstore"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2018, 1, 8, 12, 0, 0, 0, time.UTC)

func testCoordinator(cfg Config) (*Coordinator, *ledger.MockLedger, *setstore.MemSetStore) {
	ml := ledger.NewMockLedger()
	sets := setstore.NewMemSetStore()
	tpl := report.DefaultTemplates()
	reg := report.NewRegistry(slog.Default(), "sherlock", ml, ml, tpl, []string{"steem"})
	c := NewCoordinator(slog.Default(), reg, tpl, ml, ml, countstore.NewMemCountStore(), sets, cfg)
	c.Runner.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	c.Now = func() time.Time { return testNow }
	return c, ml, sets
}

func testIncident(ml *ledger.MockLedger, voter, author, permlink string) *engine.Incident {
	post := ledger.Post{
		Author:      author,
		Permlink:    permlink,
		CashoutTime: ledger.Time{Time: testNow.Add(2 * time.Hour)},
	}
	ml.InsertPost(post)
	return &engine.Incident{
		Kind:           engine.IncidentAbuse,
		Voter:          voter,
		Post:           &post,
		Value:          decimal.RequireFromString("1.23456"),
		VoteTime:       testNow,
		Height:         100,
		HoursToCashout: 2,
		Window:         engine.Window{Low: 1, High: 3},
	}
}

func reportBody(t *testing.T, ml *ledger.MockLedger, kind report.Kind) string {
	p, ok := ml.Post("sherlock", report.NewKey(kind, testNow).Permlink())
	require.True(t, ok)
	return p.Body
}

func TestConcurrentIncidentsAllListed(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	c, ml, _ := testCoordinator(Config{BotAccount: "sherlock"})
	gofakeit.Seed(7)
	const n = 25
	voters := make([]string, n)
	for i := 0; i < n; i++ {
		voters[i] = fmt.Sprintf("%s%d", strings.ToLower(gofakeit.Username()), i)
		c.HandleIncident(ctx, testIncident(ml, voters[i], "alice", fmt.Sprintf("post-%d", i)))
	}
	c.Wait()

	body := reportBody(t, ml, report.KindMain)
	for _, v := range voters {
		assert.Contains(body, "| @"+v+" |")
	}
	assert.Equal(n, strings.Count(body, "| 1.2346 | 2.00 |"))

	// one reply per incident, on the offending post
	replies := 0
	for _, op := range ml.Broadcasts {
		if op.Type != ledger.OpComment {
			continue
		}
		cmt, err := op.Comment()
		require.NoError(t, err)
		if cmt.ParentAuthor == "alice" {
			replies++
			assert.Contains(cmt.Body, "last-minute-upvote-list-2018-01-08")
		}
	}
	assert.Equal(n, replies)
}

func TestSelfVoteListedSeparately(t *testing.T) {
	assert := assert.New(t)

	c, ml, _ := testCoordinator(Config{BotAccount: "sherlock"})
	inc := testIncident(ml, "bob", "bob", "mine")
	inc.Kind = engine.IncidentSelfVote
	c.HandleIncident(context.Background(), inc)
	c.Wait()

	assert.Contains(reportBody(t, ml, report.KindSelfVote), "@bob")
	_, ok := ml.Post("sherlock", report.NewKey(report.KindMain, testNow).Permlink())
	assert.False(ok)
	// no self-vote reply template configured: only the create and the edit
	assert.Equal(2, ml.BroadcastCount())
}

func TestReportEditRetriesRateLimit(t *testing.T) {
	assert := assert.New(t)

	c, ml, _ := testCoordinator(Config{BotAccount: "sherlock"})
	var mu sync.Mutex
	failures := 3
	ml.BroadcastHook = func(ops []ledger.Operation) error {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return ledger.DecodeError(500, "You may only comment once every 20 seconds.")
		}
		return nil
	}

	post, err := c.EditReport(context.Background(), testIncident(ml, "whale", "alice", "late"))
	assert.NoError(err)
	assert.Equal("last-minute-upvote-list-2018-01-08", post.Permlink)
	assert.Contains(reportBody(t, ml, report.KindMain), "@whale")
}

func TestReportEditGivesUp(t *testing.T) {
	assert := assert.New(t)

	c, ml, _ := testCoordinator(Config{BotAccount: "sherlock"})
	c.CreatePolicy = action.Policy{MaxRetries: 2}
	c.ReportPolicy = action.Policy{MaxRetries: 2}
	calls := 0
	ml.BroadcastHook = func(ops []ledger.Operation) error {
		calls++
		return ledger.DecodeError(500, "missing required posting authority")
	}

	_, err := c.EditReport(context.Background(), testIncident(ml, "whale", "alice", "late"))
	assert.Error(err)
	assert.Equal(3, calls)
}

func TestReportCreatesRespectPostInterval(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	c, ml, _ := testCoordinator(Config{BotAccount: "sherlock"})
	var mu sync.Mutex
	clock := testNow
	c.Runner.Sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(d)
		return nil
	}
	c.Runner.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}

	// the platform allows one new root post per five minutes
	var lastRoot time.Time
	creates, rejected := 0, 0
	ml.BroadcastHook = func(ops []ledger.Operation) error {
		for _, op := range ops {
			if op.Type != ledger.OpComment {
				continue
			}
			cmt, err := op.Comment()
			if err != nil {
				return err
			}
			if _, exists := ml.Post(cmt.Author, cmt.Permlink); exists || cmt.ParentAuthor != "" {
				continue
			}
			mu.Lock()
			now := clock
			mu.Unlock()
			if !lastRoot.IsZero() && now.Sub(lastRoot) < 5*time.Minute {
				rejected++
				return ledger.DecodeError(500, "You may only post once every 5 minutes.")
			}
			lastRoot = now
			creates++
		}
		return nil
	}

	_, err := c.EditReport(ctx, testIncident(ml, "whale", "alice", "late"))
	require.NoError(t, err)

	self := testIncident(ml, "bob", "bob", "mine")
	self.Kind = engine.IncidentSelfVote
	post, err := c.EditReport(ctx, self)
	require.NoError(t, err)
	assert.Equal("self-vote-list-2018-01-08", post.Permlink)

	assert.Contains(reportBody(t, ml, report.KindMain), "@whale")
	assert.Contains(reportBody(t, ml, report.KindSelfVote), "@bob")
	assert.Equal(2, creates)
	assert.Zero(rejected)
}

func TestReportCreateSkippedWhenPostExists(t *testing.T) {
	assert := assert.New(t)

	c, ml, _ := testCoordinator(Config{BotAccount: "sherlock"})
	var sleeps []time.Duration
	c.Runner.Sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	ml.InsertPost(ledger.Post{
		Author:   "sherlock",
		Permlink: report.NewKey(report.KindMain, testNow).Permlink(),
		Body:     "existing\n",
	})

	_, err := c.EditReport(context.Background(), testIncident(ml, "whale", "alice", "late"))
	assert.NoError(err)
	assert.True(strings.HasPrefix(reportBody(t, ml, report.KindMain), "existing\n"))
	// only the edit broadcast, and no post-create cooldown
	assert.Equal(1, ml.BroadcastCount())
	assert.Equal([]time.Duration{c.ReportPolicy.Cooldown}, sleeps)
}

func flagsOn(ml *ledger.MockLedger, author, permlink string) []ledger.ActiveVote {
	p, ok := ml.Post(author, permlink)
	if !ok {
		return nil
	}
	var out []ledger.ActiveVote
	for _, v := range p.ActiveVotes {
		if v.Voter == "sherlock-flag" {
			out = append(out, v)
		}
	}
	return out
}

func TestFlagging(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	c, ml, _ := testCoordinator(Config{BotAccount: "sherlock", FlagAccount: "sherlock-flag", FlagWeight: -10000})
	c.HandleIncident(ctx, testIncident(ml, "whale", "alice", "late"))
	c.Wait()

	flags := flagsOn(ml, "alice", "late")
	require.Len(t, flags, 1)
	assert.Equal(-10000, flags[0].Percent)
}

func TestFlagTargetsAndQuota(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	c, ml, sets := testCoordinator(Config{
		BotAccount:          "sherlock",
		FlagAccount:         "sherlock-flag",
		FlagWeight:          -5000,
		RestrictFlagTargets: true,
		FlagDailyQuota:      2,
	})
	sets.Replace(setstore.SetFlagTargets, []string{"whale"})

	out, err := c.Flag(ctx, testIncident(ml, "minnow", "alice", "p0"))
	assert.NoError(err)
	assert.Equal(action.GaveUp, out)
	assert.Empty(flagsOn(ml, "alice", "p0"))

	for i := 1; i <= 4; i++ {
		permlink := fmt.Sprintf("p%d", i)
		out, err := c.Flag(ctx, testIncident(ml, "whale", "alice", permlink))
		assert.NoError(err)
		if i <= 2 {
			assert.Equal(action.Applied, out, permlink)
			assert.Len(flagsOn(ml, "alice", permlink), 1)
		} else {
			assert.Equal(action.GaveUp, out, permlink)
			assert.Empty(flagsOn(ml, "alice", permlink))
		}
	}

	// refused flags do not consume the counter
	used, err := c.Counters.GetCount(ctx, "flag-quota", "sherlock-flag", countstore.PeriodDay)
	assert.NoError(err)
	assert.Equal(2, used)
}

func TestSlackNotifier(t *testing.T) {
	assert := assert.New(t)

	var mu sync.Mutex
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = string(b)
		mu.Unlock()
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c, ml, _ := testCoordinator(Config{BotAccount: "sherlock"})
	c.Notifier = &SlackNotifier{SlackWebhookURL: srv.URL, Client: srv.Client()}
	c.HandleIncident(context.Background(), testIncident(ml, "whale", "alice", "late"))
	c.Wait()

	mu.Lock()
	assert.Contains(got, "@whale")
	assert.Contains(got, "1.2346")
	mu.Unlock()

	limited := &SlackNotifier{SlackWebhookURL: srv.URL, Client: srv.Client(), Limiter: PerHourLimiter(1)}
	assert.NoError(limited.NotifyIncident(context.Background(), testIncident(ml, "whale", "alice", "a"), "u"))
	assert.ErrorIs(limited.NotifyIncident(context.Background(), testIncident(ml, "whale", "alice", "b"), "u"), ErrNotifyLimited)

	repeat := testIncident(ml, "whale", "alice", "c")
	repeat.Offenses = 3
	assert.NoError(c.Notifier.NotifyIncident(context.Background(), repeat, "u"))
	mu.Lock()
	assert.Contains(got, "repeat offender: 3 incidents so far")
	mu.Unlock()

	bad := &SlackNotifier{SlackWebhookURL: srv.URL + "/nope", Client: &http.Client{Timeout: time.Second}}
	srv.Close()
	assert.Error(bad.NotifyIncident(context.Background(), testIncident(ml, "whale", "alice", "x"), "u"))
}
