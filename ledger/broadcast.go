package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/carlmjohnson/versioninfo"
)

// Broadcaster submits operations on behalf of one account.
type Broadcaster interface {
	Broadcast(ctx context.Context, ops ...Operation) error
}

// HTTPBroadcaster posts operations to a SteemConnect-style broadcast API
// ("POST /api/broadcast"), authenticating with an account access token.
//
// Requests are sent once. Client must not retry on its own: every failed
// broadcast goes back to the action retry policy, which knows about the
// platform's cooldowns.
type HTTPBroadcaster struct {
	Client      *http.Client
	Host        string
	AccessToken string
	UserAgent   *string
}

var _ Broadcaster = (*HTTPBroadcaster)(nil)

const DefaultBroadcastTimeout = 20 * time.Second

type broadcastRequest struct {
	Operations []Operation `json:"operations"`
}

type broadcastError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (b *HTTPBroadcaster) Broadcast(ctx context.Context, ops ...Operation) error {
	body, err := json.Marshal(broadcastRequest{Operations: ops})
	if err != nil {
		return err
	}
	uri := strings.TrimSuffix(b.Host, "/") + "/api/broadcast"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", b.AccessToken)
	if b.UserAgent != nil {
		req.Header.Set("User-Agent", *b.UserAgent)
	} else {
		req.Header.Set("User-Agent", "sherlock/"+versioninfo.Short())
	}

	client := b.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultBroadcastTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return &Error{Kind: KindUnknown, Message: "broadcast", Wrapped: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: KindUnknown, Message: "broadcast", Wrapped: err}
	}

	var be broadcastError
	_ = json.Unmarshal(raw, &be)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || be.Error != "" {
		msg := be.ErrorDescription
		if msg == "" {
			msg = be.Error
		}
		if msg == "" {
			msg = truncate(raw, 256)
		}
		return DecodeError(resp.StatusCode, msg)
	}
	return nil
}

type postMetadata struct {
	Tags []string `json:"tags"`
	App  string   `json:"app"`
}

// MetadataJSON renders the json_metadata of posts the monitor publishes.
func MetadataJSON(tags []string) string {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(postMetadata{Tags: tags, App: "sherlock/" + versioninfo.Short()})
	if err != nil {
		return "{}"
	}
	return string(b)
}

// CreatePost publishes a new top-level post. The first tag is the category.
func CreatePost(ctx context.Context, b Broadcaster, author, permlink, title, body string, tags []string) error {
	category := "sherlock"
	if len(tags) > 0 {
		category = tags[0]
	}
	op, err := NewOperation(OpComment, CommentOp{
		ParentAuthor:   "",
		ParentPermlink: category,
		Author:         author,
		Permlink:       permlink,
		Title:          title,
		Body:           body,
		JSONMetadata:   MetadataJSON(tags),
	})
	if err != nil {
		return err
	}
	return b.Broadcast(ctx, op)
}

// EditPost replaces the body of an existing post, keeping every other field.
func EditPost(ctx context.Context, b Broadcaster, post *Post, body string) error {
	meta := post.JSONMetadata
	if meta == "" {
		meta = "{}"
	}
	op, err := NewOperation(OpComment, CommentOp{
		ParentAuthor:   post.ParentAuthor,
		ParentPermlink: post.ParentPermlink,
		Author:         post.Author,
		Permlink:       post.Permlink,
		Title:          post.Title,
		Body:           body,
		JSONMetadata:   meta,
	})
	if err != nil {
		return err
	}
	return b.Broadcast(ctx, op)
}

// ReplyPermlink derives a reply permlink the way common ledger clients do:
// "re-<author>-<permlink>-<utc timestamp>".
func ReplyPermlink(parent *Post, now time.Time) string {
	ts := now.UTC().Format("20060102t150405") + fmt.Sprintf("%03dz", now.Nanosecond()/int(time.Millisecond))
	return NormalizePermlink(fmt.Sprintf("re-%s-%s-%s", parent.Author, parent.Permlink, ts))
}

// Reply comments on parent as author.
func Reply(ctx context.Context, b Broadcaster, parent *Post, author, body string, now time.Time) error {
	op, err := NewOperation(OpComment, CommentOp{
		ParentAuthor:   parent.Author,
		ParentPermlink: parent.Permlink,
		Author:         author,
		Permlink:       ReplyPermlink(parent, now),
		Title:          "",
		Body:           body,
		JSONMetadata:   MetadataJSON(nil),
	})
	if err != nil {
		return err
	}
	return b.Broadcast(ctx, op)
}

// Vote casts a vote; weight is in basis points, -10000..10000.
func Vote(ctx context.Context, b Broadcaster, voter, author, permlink string, weight int) error {
	if weight < -10000 || weight > 10000 {
		return fmt.Errorf("vote weight out of range: %d", weight)
	}
	op, err := NewOperation(OpVote, VoteOp{
		Voter:    voter,
		Author:   author,
		Permlink: permlink,
		Weight:   weight,
	})
	if err != nil {
		return err
	}
	return b.Broadcast(ctx, op)
}
