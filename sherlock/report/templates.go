package report

import (
	"fmt"
	"strings"

	"github.com/flosch/pongo2/v6"
)

const (
	defaultRow = "| @{{ username }} | [{{ description }}]({{ url }}) | {{ amount }} | {{ time_remaining }} |\n"

	defaultMainPost = `Votes cast within {{ timeframe }} hours of payout and worth at least {{ minimum_vote_value }}, found on {{ date }}.

| Voter | Post | Value | Hours to payout |
|---|---|---|---|
`
	defaultSelfVotePost = `Self-votes worth more than {{ self_vote_minimum }}, found on {{ date }}.

| Voter | Post | Value | Hours to payout |
|---|---|---|---|
`
	defaultFlagReport = `Flags cast by @{{ account }} in the 24 hours before {{ date }}.

| Author | Posts | Comments | Removed |
|---|---|---|---|
{% for r in records %}| @{{ r.Author }} | {{ r.Posts }} | {{ r.Comments }} | {{ r.Removed }} |
{% endfor %}
Total removed: {{ total }}
`
	defaultReply = "@{{ username }} voted on this post {{ time_remaining }} hours before payout, worth {{ amount }}. Listed in {{ report_url }}."

	defaultMainTitle     = "Last minute upvotes: {{ date }}"
	defaultSelfVoteTitle = "Self-votes: {{ date }}"
	defaultFlagTitle     = "Flag report: {{ date }}"
)

func init() {
	// post bodies are markdown, not HTML
	pongo2.SetAutoescape(false)
}

// TemplateFiles holds template file paths. An empty path selects a built-in
// default, except for replies, which are only sent when configured.
type TemplateFiles struct {
	Row           string
	MainPost      string
	SelfVotePost  string
	FlagReport    string
	Reply         string
	SelfVoteReply string

	// titles are inline templates, not paths
	MainTitle     string
	SelfVoteTitle string
	FlagTitle     string
}

type Templates struct {
	Row     *pongo2.Template
	Posts   map[Kind]*pongo2.Template
	Titles  map[Kind]*pongo2.Template
	Replies map[Kind]*pongo2.Template
}

func loadTemplate(path, fallback string) (*pongo2.Template, error) {
	if path == "" {
		if fallback == "" {
			return nil, nil
		}
		return pongo2.FromString(fallback)
	}
	tpl, err := pongo2.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading template %s: %w", path, err)
	}
	return tpl, nil
}

func inlineTemplate(src, fallback string) (*pongo2.Template, error) {
	if src == "" {
		src = fallback
	}
	return pongo2.FromString(src)
}

func LoadTemplates(files TemplateFiles) (*Templates, error) {
	t := &Templates{
		Posts:   make(map[Kind]*pongo2.Template),
		Titles:  make(map[Kind]*pongo2.Template),
		Replies: make(map[Kind]*pongo2.Template),
	}
	var err error
	if t.Row, err = loadTemplate(files.Row, defaultRow); err != nil {
		return nil, err
	}
	for kind, pair := range map[Kind][2]string{
		KindMain:     {files.MainPost, defaultMainPost},
		KindSelfVote: {files.SelfVotePost, defaultSelfVotePost},
		KindFlag:     {files.FlagReport, defaultFlagReport},
	} {
		if t.Posts[kind], err = loadTemplate(pair[0], pair[1]); err != nil {
			return nil, err
		}
	}
	for kind, pair := range map[Kind][2]string{
		KindMain:     {files.MainTitle, defaultMainTitle},
		KindSelfVote: {files.SelfVoteTitle, defaultSelfVoteTitle},
		KindFlag:     {files.FlagTitle, defaultFlagTitle},
	} {
		if t.Titles[kind], err = inlineTemplate(pair[0], pair[1]); err != nil {
			return nil, fmt.Errorf("%s title: %w", kind, err)
		}
	}
	for kind, path := range map[Kind]string{
		KindMain:     files.Reply,
		KindSelfVote: files.SelfVoteReply,
	} {
		tpl, err := loadTemplate(path, "")
		if err != nil {
			return nil, err
		}
		if tpl != nil {
			t.Replies[kind] = tpl
		}
	}
	return t, nil
}

// DefaultTemplates uses every built-in template, plus the default reply for
// abuse incidents.
func DefaultTemplates() *Templates {
	t, err := LoadTemplates(TemplateFiles{})
	if err != nil {
		panic(err)
	}
	t.Replies[KindMain] = pongo2.Must(pongo2.FromString(defaultReply))
	return t
}

func execute(tpl *pongo2.Template, data pongo2.Context) (string, error) {
	if tpl == nil {
		return "", fmt.Errorf("template not configured")
	}
	return tpl.Execute(data)
}

// RenderRow renders one report line, always newline terminated.
func (t *Templates) RenderRow(data pongo2.Context) (string, error) {
	out, err := execute(t.Row, data)
	if err != nil {
		return "", fmt.Errorf("rendering row: %w", err)
	}
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	return out, nil
}

func (t *Templates) RenderPost(kind Kind, data pongo2.Context) (string, error) {
	out, err := execute(t.Posts[kind], data)
	if err != nil {
		return "", fmt.Errorf("rendering %s post: %w", kind, err)
	}
	return out, nil
}

func (t *Templates) RenderTitle(kind Kind, data pongo2.Context) (string, error) {
	out, err := execute(t.Titles[kind], data)
	if err != nil {
		return "", fmt.Errorf("rendering %s title: %w", kind, err)
	}
	return strings.TrimSpace(out), nil
}

// HasReply reports whether replies are configured for a kind.
func (t *Templates) HasReply(kind Kind) bool {
	return t.Replies[kind] != nil
}

func (t *Templates) RenderReply(kind Kind, data pongo2.Context) (string, error) {
	out, err := execute(t.Replies[kind], data)
	if err != nil {
		return "", fmt.Errorf("rendering %s reply: %w", kind, err)
	}
	return out, nil
}
