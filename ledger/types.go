package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

const (
	OpVote    = "vote"
	OpComment = "comment"
)

// Time is a ledger timestamp. Nodes emit them without a zone suffix; they
// are always UTC.
type Time struct {
	time.Time
}

func ParseTime(s string) (time.Time, error) {
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing ledger timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func (t *Time) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := ParseTime(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format("2006-01-02T15:04:05"))
}

// Shares holds a raw rshares value. Nodes emit these either as a JSON number
// or as a quoted integer string, so the raw text is kept and parsed by the
// caller.
type Shares string

func (s *Shares) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*s = Shares(str)
		return nil
	}
	*s = Shares(b)
	return nil
}

// Operation is a tagged variant, serialized as a two element array:
// ["vote", {...}]
type Operation struct {
	Type  string
	Value json.RawMessage
}

func NewOperation(typ string, payload any) (Operation, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Operation{}, err
	}
	return Operation{Type: typ, Value: raw}, nil
}

func (op *Operation) UnmarshalJSON(b []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return fmt.Errorf("operation is not a tuple: %w", err)
	}
	if len(parts) != 2 {
		return fmt.Errorf("operation tuple has %d elements", len(parts))
	}
	if err := json.Unmarshal(parts[0], &op.Type); err != nil {
		return fmt.Errorf("operation type: %w", err)
	}
	op.Value = parts[1]
	return nil
}

func (op Operation) MarshalJSON() ([]byte, error) {
	val := op.Value
	if val == nil {
		val = json.RawMessage("{}")
	}
	return json.Marshal([]any{op.Type, val})
}

// Vote decodes the payload of a "vote" operation.
func (op Operation) Vote() (*VoteOp, error) {
	if op.Type != OpVote {
		return nil, fmt.Errorf("not a vote operation: %s", op.Type)
	}
	var v VoteOp
	if err := json.Unmarshal(op.Value, &v); err != nil {
		return nil, fmt.Errorf("decoding vote operation: %w", err)
	}
	return &v, nil
}

// Comment decodes the payload of a "comment" operation.
func (op Operation) Comment() (*CommentOp, error) {
	if op.Type != OpComment {
		return nil, fmt.Errorf("not a comment operation: %s", op.Type)
	}
	var c CommentOp
	if err := json.Unmarshal(op.Value, &c); err != nil {
		return nil, fmt.Errorf("decoding comment operation: %w", err)
	}
	return &c, nil
}

type VoteOp struct {
	Voter    string `json:"voter"`
	Author   string `json:"author"`
	Permlink string `json:"permlink"`
	Weight   int    `json:"weight"`
}

type CommentOp struct {
	ParentAuthor   string `json:"parent_author"`
	ParentPermlink string `json:"parent_permlink"`
	Author         string `json:"author"`
	Permlink       string `json:"permlink"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	JSONMetadata   string `json:"json_metadata"`
}

// AppliedOperation is one entry of get_ops_in_block.
type AppliedOperation struct {
	TrxID     string    `json:"trx_id"`
	Block     int64     `json:"block"`
	Timestamp Time      `json:"timestamp"`
	Op        Operation `json:"op"`
}

type BlockHeader struct {
	Previous  string `json:"previous"`
	Timestamp Time   `json:"timestamp"`
	Witness   string `json:"witness"`
}

type DynamicGlobalProperties struct {
	HeadBlockNumber          int64 `json:"head_block_number"`
	LastIrreversibleBlockNum int64 `json:"last_irreversible_block_num"`
	Time                     Time  `json:"time"`
}

type ActiveVote struct {
	Voter   string `json:"voter"`
	RShares Shares `json:"rshares"`
	Percent int    `json:"percent"`
	Time    Time   `json:"time"`
}

type Post struct {
	Author         string       `json:"author"`
	Permlink       string       `json:"permlink"`
	ParentAuthor   string       `json:"parent_author"`
	ParentPermlink string       `json:"parent_permlink"`
	Category       string       `json:"category"`
	Title          string       `json:"title"`
	Body           string       `json:"body"`
	JSONMetadata   string       `json:"json_metadata"`
	Created        Time         `json:"created"`
	CashoutTime    Time         `json:"cashout_time"`
	ActiveVotes    []ActiveVote `json:"active_votes"`
}

// Identifier is the canonical "@author/permlink" form.
func (p *Post) Identifier() string {
	return fmt.Sprintf("@%s/%s", p.Author, p.Permlink)
}

func (p *Post) URL() string {
	return fmt.Sprintf("https://steemit.com/%s", p.Identifier())
}

// IsTopLevel reports whether the post is a root post rather than a comment.
func (p *Post) IsTopLevel() bool {
	return p.ParentAuthor == ""
}

// FindVote returns the active vote cast by voter, if any.
func (p *Post) FindVote(voter string) (ActiveVote, bool) {
	for _, v := range p.ActiveVotes {
		if v.Voter == voter {
			return v, true
		}
	}
	return ActiveVote{}, false
}

type Price struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

type RewardFund struct {
	Name          string `json:"name"`
	RewardBalance string `json:"reward_balance"`
	RecentClaims  Shares `json:"recent_claims"`
}

// HistoryEntry is one element of get_account_history, serialized on the wire
// as [index, {...}].
type HistoryEntry struct {
	Index     int64
	Block     int64
	TrxID     string
	Timestamp time.Time
	Op        Operation
}

func (h *HistoryEntry) UnmarshalJSON(b []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return err
	}
	if len(parts) != 2 {
		return fmt.Errorf("history entry tuple has %d elements", len(parts))
	}
	if err := json.Unmarshal(parts[0], &h.Index); err != nil {
		return err
	}
	var body AppliedOperation
	if err := json.Unmarshal(parts[1], &body); err != nil {
		return err
	}
	h.Block = body.Block
	h.TrxID = body.TrxID
	h.Timestamp = body.Timestamp.Time
	h.Op = body.Op
	return nil
}

func (h HistoryEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{h.Index, AppliedOperation{
		TrxID:     h.TrxID,
		Block:     h.Block,
		Timestamp: Time{h.Timestamp},
		Op:        h.Op,
	}})
}

// Permlinks may only contain lowercase letters, digits and dashes.
func NormalizePermlink(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > 255 {
		out = out[:255]
	}
	return out
}
