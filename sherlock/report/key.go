// Designated posts: one post per report kind per UTC day, authored by the
// bot account, whose bodies are rendered from templates.
package report

import (
	"fmt"
	"time"
)

type Kind string

const (
	KindMain     Kind = "main"
	KindSelfVote Kind = "self-vote"
	KindFlag     Kind = "flag"
)

var permlinkPrefixes = map[Kind]string{
	KindMain:     "last-minute-upvote-list-",
	KindSelfVote: "self-vote-list-",
	KindFlag:     "flag-report-",
}

// Key identifies a designated post.
type Key struct {
	Kind Kind
	// UTC calendar date, "2006-01-02"
	Date string
}

func NewKey(kind Kind, t time.Time) Key {
	return Key{Kind: kind, Date: t.UTC().Format(time.DateOnly)}
}

func (k Key) Permlink() string {
	prefix, ok := permlinkPrefixes[k.Kind]
	if !ok {
		prefix = string(k.Kind) + "-"
	}
	return prefix + k.Date
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Kind, k.Date)
}
