package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sherlock-bot/sherlock/sherlock/engine"
	"github.com/sherlock-bot/sherlock/sherlock/report"
	"github.com/sherlock-bot/sherlock/sherlock/respond"

	"github.com/shopspring/decimal"
)

const (
	DefaultNode          = "https://api.steemit.com"
	DefaultBroadcastHost = "https://steemconnect.com"
	DefaultThreads       = 2
)

var DefaultTags = []string{"sherlock", "steemit", "abuse"}

// FlagOptions configures downvoting of offending voters. Flagging is
// disabled when the block is absent from the config file.
type FlagOptions struct {
	// vote weight in basis points, between -10000 and -1
	Weight int `json:"weight"`
	// when non-empty, only these voters are flagged
	Targets    []string `json:"targets"`
	DailyQuota int      `json:"daily_quota"`
}

// Config is the JSON config file of the monitor.
type Config struct {
	Nodes         []string `json:"nodes"`
	BroadcastHost string   `json:"broadcast_host"`

	BotAccount      string `json:"bot_account"`
	BotAccessToken  string `json:"bot_access_token"`
	FlagAccount     string `json:"flag_account"`
	FlagAccessToken string `json:"flag_access_token"`

	StartBlock int64 `json:"start_block"`
	Threads    int   `json:"threads"`

	Timeframe           string   `json:"timeframe"`
	SuspiciousUsers     []string `json:"suspicious_users"`
	SuspiciousTimeframe string   `json:"suspicious_timeframe"`
	Whitelist           []string `json:"whitelist"`
	// optional JSON file of set name to members; its sets replace the lists
	// above
	SetsFile string `json:"sets_file"`

	MinimumVoteValue decimal.Decimal     `json:"minimum_vote_value"`
	SelfVoteMinimum  decimal.NullDecimal `json:"self_vote_minimum"`

	CommentTemplate         string   `json:"comment_template"`
	SelfVoteCommentTemplate string   `json:"self_vote_comment_template"`
	MainPostTemplate        string   `json:"main_post_template"`
	MainPostTitle           string   `json:"main_post_title"`
	MainPostTags            []string `json:"main_post_tags"`
	SelfVotePostTemplate    string   `json:"self_vote_post_template"`
	SelfVotePostTitle       string   `json:"self_vote_post_title"`
	FlagReportTemplate      string   `json:"flag_report_template"`
	FlagReportTitle         string   `json:"flag_report_title"`
	RowTemplate             string   `json:"row_template"`

	FlagOptions *FlagOptions `json:"flag_options"`

	SlackWebhookURL string `json:"slack_webhook_url"`
	// slack messages allowed in any trailing hour; zero means no limit
	SlackHourlyLimit int64 `json:"slack_hourly_limit"`
	// requests per second against the RPC node; zero disables the limit
	RPCRateLimit float64 `json:"rpc_rate_limit"`
}

// Load reads and decodes a config file, then fills defaults. The result is
// not validated.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()

	var cfg Config
	dec := json.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

func (c *Config) ApplyDefaults() {
	if len(c.Nodes) == 0 {
		c.Nodes = []string{DefaultNode}
	}
	if c.BroadcastHost == "" {
		c.BroadcastHost = DefaultBroadcastHost
	}
	if c.Threads <= 0 {
		c.Threads = DefaultThreads
	}
	if len(c.MainPostTags) == 0 {
		c.MainPostTags = DefaultTags
	}
	if c.RPCRateLimit < 0 {
		c.RPCRateLimit = 0
	}
	c.BotAccount = strings.TrimPrefix(strings.TrimSpace(c.BotAccount), "@")
	c.FlagAccount = strings.TrimPrefix(strings.TrimSpace(c.FlagAccount), "@")
}

func (c *Config) Node() string {
	return strings.TrimSuffix(c.Nodes[0], "/")
}

// Validate checks the fields needed to run. With write set, the credentials
// for posting (and flagging, if enabled) are also required.
func (c *Config) Validate(write bool) error {
	var errs []error
	if c.BotAccount == "" {
		errs = append(errs, errors.New("bot_account is required"))
	}
	if _, err := engine.ParseWindow(c.Timeframe); err != nil {
		errs = append(errs, err)
	}
	if c.SuspiciousTimeframe != "" {
		if _, err := engine.ParseWindow(c.SuspiciousTimeframe); err != nil {
			errs = append(errs, fmt.Errorf("suspicious_timeframe: %w", err))
		}
	}
	if c.MinimumVoteValue.IsNegative() {
		errs = append(errs, errors.New("minimum_vote_value must not be negative"))
	}
	if c.SelfVoteMinimum.Valid && c.SelfVoteMinimum.Decimal.IsNegative() {
		errs = append(errs, errors.New("self_vote_minimum must not be negative"))
	}
	if c.SlackHourlyLimit < 0 {
		errs = append(errs, errors.New("slack_hourly_limit must not be negative"))
	}
	if c.StartBlock < 0 {
		errs = append(errs, errors.New("start_block must not be negative"))
	}
	if fo := c.FlagOptions; fo != nil {
		if fo.Weight < -10000 || fo.Weight >= 0 {
			errs = append(errs, fmt.Errorf("flag_options.weight must be between -10000 and -1, got %d", fo.Weight))
		}
		if fo.DailyQuota < 0 {
			errs = append(errs, errors.New("flag_options.daily_quota must not be negative"))
		}
		if c.FlagAccount == "" {
			errs = append(errs, errors.New("flag_options requires flag_account"))
		}
	}
	if write {
		if c.BotAccessToken == "" {
			errs = append(errs, errors.New("bot_access_token is required"))
		}
		if c.FlagOptions != nil && c.FlagAccessToken == "" {
			errs = append(errs, errors.New("flag_options requires flag_access_token"))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) Window() engine.Window {
	w, _ := engine.ParseWindow(c.Timeframe)
	return w
}

// EngineConfig converts the classification settings. Validate must have
// passed.
func (c *Config) EngineConfig() engine.Config {
	ec := engine.Config{
		Window:           c.Window(),
		MinimumVoteValue: c.MinimumVoteValue,
		SelfVoteMinimum:  c.SelfVoteMinimum,
	}
	if c.SuspiciousTimeframe != "" {
		w, _ := engine.ParseWindow(c.SuspiciousTimeframe)
		ec.SuspiciousWindow = &w
	}
	return ec
}

func (c *Config) RespondConfig() respond.Config {
	rc := respond.Config{
		BotAccount:  c.BotAccount,
		FlagAccount: c.FlagAccount,
	}
	if fo := c.FlagOptions; fo != nil {
		rc.FlagWeight = fo.Weight
		rc.RestrictFlagTargets = len(fo.Targets) > 0
		rc.FlagDailyQuota = fo.DailyQuota
	}
	return rc
}

func (c *Config) FlagTargets() []string {
	if c.FlagOptions == nil {
		return nil
	}
	return c.FlagOptions.Targets
}

func (c *Config) TemplateFiles() report.TemplateFiles {
	return report.TemplateFiles{
		Row:           c.RowTemplate,
		MainPost:      c.MainPostTemplate,
		SelfVotePost:  c.SelfVotePostTemplate,
		FlagReport:    c.FlagReportTemplate,
		Reply:         c.CommentTemplate,
		SelfVoteReply: c.SelfVoteCommentTemplate,
		MainTitle:     c.MainPostTitle,
		SelfVoteTitle: c.SelfVotePostTitle,
		FlagTitle:     c.FlagReportTitle,
	}
}
