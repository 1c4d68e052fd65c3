package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sherlock-bot/sherlock/ledger"

	"github.com/flosch/pongo2/v6"
	"github.com/puzpuzpuz/xsync/v3"
)

type PostGetter interface {
	GetPost(ctx context.Context, author, permlink string) (*ledger.Post, error)
}

// Registry gets or creates designated posts. Callers serialize access per
// key (the report-edit resource); the registry itself is safe for
// concurrent use.
type Registry struct {
	Logger      *slog.Logger
	Author      string
	Ledger      PostGetter
	Broadcaster ledger.Broadcaster
	Templates   *Templates
	Tags        []string
	// Vars are added to the context of every post and title render.
	Vars pongo2.Context

	// keys this process has created or seen on the ledger
	known *xsync.MapOf[Key, bool]
}

func NewRegistry(logger *slog.Logger, author string, reader PostGetter, b ledger.Broadcaster, tpl *Templates, tags []string) *Registry {
	return &Registry{
		Logger:      logger,
		Author:      author,
		Ledger:      reader,
		Broadcaster: b,
		Templates:   tpl,
		Tags:        tags,
		Vars:        pongo2.Context{},
		known:       xsync.NewMapOf[Key, bool](),
	}
}

func (r *Registry) renderContext(key Key, extra pongo2.Context) pongo2.Context {
	data := pongo2.Context{
		"date":    key.Date,
		"account": r.Author,
	}
	data.Update(r.Vars)
	data.Update(extra)
	return data
}

// Known reports whether key has been created or seen by this registry.
func (r *Registry) Known(key Key) bool {
	_, ok := r.known.Load(key)
	return ok
}

// GetOrCreate returns the current designated post for key, creating it with
// the rendered initial body if it has never existed.
//
// A key this registry has already created is never created again, even if
// the node doesn't return it yet: re-creating would overwrite the body
// with the initial template. That case is a transient error instead.
func (r *Registry) GetOrCreate(ctx context.Context, key Key) (*ledger.Post, bool, error) {
	return r.getOrCreate(ctx, key, nil)
}

// GetOrCreateWith is GetOrCreate with extra render variables for a new post.
func (r *Registry) GetOrCreateWith(ctx context.Context, key Key, extra pongo2.Context) (*ledger.Post, bool, error) {
	return r.getOrCreate(ctx, key, extra)
}

func (r *Registry) getOrCreate(ctx context.Context, key Key, extra pongo2.Context) (*ledger.Post, bool, error) {
	permlink := key.Permlink()
	post, err := r.Ledger.GetPost(ctx, r.Author, permlink)
	if err == nil {
		r.known.Store(key, true)
		return post, false, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return nil, false, fmt.Errorf("fetching designated post %s: %w", key, err)
	}
	if _, ok := r.known.Load(key); ok {
		return nil, false, &ledger.Error{Kind: ledger.KindTransient, Message: fmt.Sprintf("designated post %s not yet visible", key)}
	}

	data := r.renderContext(key, extra)
	title, err := r.Templates.RenderTitle(key.Kind, data)
	if err != nil {
		return nil, false, err
	}
	body, err := r.Templates.RenderPost(key.Kind, data)
	if err != nil {
		return nil, false, err
	}
	err = ledger.CreatePost(ctx, r.Broadcaster, r.Author, permlink, title, body, r.Tags)
	if err != nil && ledger.KindOf(err) != ledger.KindDuplicate {
		return nil, false, fmt.Errorf("creating designated post %s: %w", key, err)
	}
	r.known.Store(key, true)
	if err != nil {
		// a duplicate means an identical create already landed
		r.Logger.Info("designated post creation was a duplicate", "key", key.String())
	} else {
		r.Logger.Info("created designated post", "key", key.String(), "permlink", permlink)
	}

	category := "sherlock"
	if len(r.Tags) > 0 {
		category = r.Tags[0]
	}
	return &ledger.Post{
		Author:         r.Author,
		Permlink:       permlink,
		ParentPermlink: category,
		Category:       category,
		Title:          title,
		Body:           body,
		JSONMetadata:   ledger.MetadataJSON(r.Tags),
	}, true, nil
}

// Publish sets the body of the designated post for key, creating it if
// needed.
func (r *Registry) Publish(ctx context.Context, key Key, body string, extra pongo2.Context) error {
	post, created, err := r.getOrCreate(ctx, key, extra)
	if err != nil {
		return err
	}
	if created && post.Body == body {
		return nil
	}
	return ledger.EditPost(ctx, r.Broadcaster, post, body)
}
