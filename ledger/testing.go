package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockLedger is an in-memory ledger for tests. It implements both Reader and
// Broadcaster; comment broadcasts create or edit posts, so read-modify-write
// sequences behave like they do against a node.
type MockLedger struct {
	mu sync.Mutex

	Height  int64
	Blocks  map[int64][]AppliedOperation
	Headers map[int64]*BlockHeader
	Posts   map[string]*Post
	Price   Price
	Fund    RewardFund
	History map[string][]HistoryEntry

	// BroadcastHook, if set, is consulted before applying each broadcast; a
	// non-nil error is returned to the caller and nothing is applied.
	BroadcastHook func(ops []Operation) error

	Broadcasts  []Operation
	PostFetches int
	StateCalls  int
}

var _ Reader = (*MockLedger)(nil)
var _ Broadcaster = (*MockLedger)(nil)

func NewMockLedger() *MockLedger {
	return &MockLedger{
		Blocks:  make(map[int64][]AppliedOperation),
		Headers: make(map[int64]*BlockHeader),
		Posts:   make(map[string]*Post),
		History: make(map[string][]HistoryEntry),
		Price:   Price{Base: "1.000 SBD", Quote: "1.000 STEEM"},
		Fund: RewardFund{
			Name:          "post",
			RewardBalance: "1000.000 STEEM",
			RecentClaims:  "1000000",
		},
	}
}

func postKey(author, permlink string) string {
	return author + "/" + permlink
}

func copyPost(p *Post) *Post {
	out := *p
	out.ActiveVotes = append([]ActiveVote(nil), p.ActiveVotes...)
	return &out
}

// InsertPost stores a copy of p.
func (m *MockLedger) InsertPost(p Post) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Posts[postKey(p.Author, p.Permlink)] = copyPost(&p)
}

// InsertBlock stores the operations and header for a height, using ts as
// both the header and operation timestamp.
func (m *MockLedger) InsertBlock(height int64, ts time.Time, ops ...Operation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	applied := make([]AppliedOperation, 0, len(ops))
	for _, op := range ops {
		applied = append(applied, AppliedOperation{Block: height, Timestamp: Time{ts}, Op: op})
	}
	m.Blocks[height] = applied
	m.Headers[height] = &BlockHeader{Timestamp: Time{ts}}
}

func (m *MockLedger) Post(author, permlink string) (*Post, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Posts[postKey(author, permlink)]
	if !ok {
		return nil, false
	}
	return copyPost(p), true
}

func (m *MockLedger) BroadcastCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Broadcasts)
}

func (m *MockLedger) PostFetchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PostFetches
}

func (m *MockLedger) IrreversibleHeight(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Height, nil
}

func (m *MockLedger) BlockOperations(ctx context.Context, height int64) ([]AppliedOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AppliedOperation(nil), m.Blocks[height]...), nil
}

func (m *MockLedger) BlockHeader(ctx context.Context, height int64) (*BlockHeader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.Headers[height]
	if !ok {
		return nil, &Error{Kind: KindTransient, Message: fmt.Sprintf("no header for block %d", height)}
	}
	out := *h
	return &out, nil
}

func (m *MockLedger) MedianPrice(ctx context.Context) (*Price, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StateCalls++
	out := m.Price
	return &out, nil
}

func (m *MockLedger) RewardFund(ctx context.Context, name string) (*RewardFund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.Fund
	return &out, nil
}

func (m *MockLedger) GetPost(ctx context.Context, author, permlink string) (*Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PostFetches++
	p, ok := m.Posts[postKey(author, permlink)]
	if !ok {
		return nil, &Error{Kind: KindNotFound, Message: fmt.Sprintf("@%s/%s", author, permlink)}
	}
	return copyPost(p), nil
}

func (m *MockLedger) AccountHistory(ctx context.Context, account string, from int64, limit int) ([]HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.History[account]
	sort.Slice(all, func(i, j int) bool { return all[i].Index < all[j].Index })
	if len(all) == 0 {
		return nil, nil
	}
	if from < 0 {
		from = all[len(all)-1].Index
	}
	low := from - int64(limit)
	out := []HistoryEntry{}
	for _, e := range all {
		if e.Index >= low && e.Index <= from {
			out = append(out, e)
		}
	}
	return out, nil
}

// AppendHistory adds an operation to an account's history with the next index.
func (m *MockLedger) AppendHistory(account string, ts time.Time, op Operation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := int64(len(m.History[account]))
	m.History[account] = append(m.History[account], HistoryEntry{Index: idx, Timestamp: ts, Op: op})
}

func (m *MockLedger) Broadcast(ctx context.Context, ops ...Operation) error {
	m.mu.Lock()
	hook := m.BroadcastHook
	m.mu.Unlock()
	if hook != nil {
		if err := hook(ops); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range ops {
		m.Broadcasts = append(m.Broadcasts, op)
		switch op.Type {
		case OpComment:
			c, err := op.Comment()
			if err != nil {
				return err
			}
			k := postKey(c.Author, c.Permlink)
			if p, ok := m.Posts[k]; ok {
				p.Body = c.Body
				p.Title = c.Title
				continue
			}
			m.Posts[k] = &Post{
				Author:         c.Author,
				Permlink:       c.Permlink,
				ParentAuthor:   c.ParentAuthor,
				ParentPermlink: c.ParentPermlink,
				Title:          c.Title,
				Body:           c.Body,
				JSONMetadata:   c.JSONMetadata,
				Created:        Time{time.Now().UTC()},
				CashoutTime:    Time{time.Now().UTC().Add(7 * 24 * time.Hour)},
			}
		case OpVote:
			v, err := op.Vote()
			if err != nil {
				return err
			}
			if p, ok := m.Posts[postKey(v.Author, v.Permlink)]; ok {
				p.ActiveVotes = append(p.ActiveVotes, ActiveVote{Voter: v.Voter, Percent: v.Weight})
			}
		}
	}
	return nil
}
