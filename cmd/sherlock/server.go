package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/sherlock-bot/sherlock/ledger"
	"github.com/sherlock-bot/sherlock/sherlock/cachestore"
	"github.com/sherlock-bot/sherlock/sherlock/config"
	"github.com/sherlock-bot/sherlock/sherlock/consumer"
	"github.com/sherlock-bot/sherlock/sherlock/countstore"
	"github.com/sherlock-bot/sherlock/sherlock/engine"
	"github.com/sherlock-bot/sherlock/sherlock/flagreport"
	"github.com/sherlock-bot/sherlock/sherlock/report"
	"github.com/sherlock-bot/sherlock/sherlock/respond"
	"github.com/sherlock-bot/sherlock/sherlock/scheduler"
	"github.com/sherlock-bot/sherlock/sherlock/setstore"
	"github.com/sherlock-bot/sherlock/sherlock/valuation"
	"github.com/sherlock-bot/sherlock/util"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	slogecho "github.com/samber/slog-echo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const blockQueueSize = 1000

type Server struct {
	logger      *slog.Logger
	config      *config.Config
	rdb         *redis.Client
	reader      *ledger.Client
	engine      *engine.Engine
	coordinator *respond.Coordinator
	consumer    *consumer.Consumer
	flagJob     *flagreport.Job
}

type ServerOptions struct {
	Logger   *slog.Logger
	RedisURL string
	// resume from the cursor persisted in redis
	Resume bool
}

func NewServer(cfg *config.Config, opts ServerOptions) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	reader := &ledger.Client{
		Client: util.RobustHTTPClient(),
		Host:   cfg.Node(),
	}
	if cfg.RPCRateLimit > 0 {
		reader.Limiter = rate.NewLimiter(rate.Limit(cfg.RPCRateLimit), 1)
	}

	// broadcasts are retried by the action policies, not the transport
	broadcastClient := &http.Client{Timeout: ledger.DefaultBroadcastTimeout}
	bot := &ledger.HTTPBroadcaster{
		Client:      broadcastClient,
		Host:        cfg.BroadcastHost,
		AccessToken: cfg.BotAccessToken,
	}
	var flagger ledger.Broadcaster
	if cfg.FlagOptions != nil {
		flagger = &ledger.HTTPBroadcaster{
			Client:      broadcastClient,
			Host:        cfg.BroadcastHost,
			AccessToken: cfg.FlagAccessToken,
		}
	}

	var rdb *redis.Client
	var cache cachestore.CacheStore
	var counters countstore.CountStore
	if opts.RedisURL != "" {
		ropts, err := redis.ParseURL(opts.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis URL: %v", err)
		}
		rdb = redis.NewClient(ropts)
		// check redis connection
		_, err = rdb.Ping(context.TODO()).Result()
		if err != nil {
			return nil, fmt.Errorf("redis ping failed: %v", err)
		}
		cache = cachestore.NewRedisCacheStore(rdb, valuation.DefaultTTL)
		counters = countstore.NewRedisCountStore(rdb)
		logger.Info("using redis for caches and counters")
	} else {
		cache = cachestore.NewMemCacheStore(16, valuation.DefaultTTL)
		counters = countstore.NewMemCountStore()
	}

	sets, err := loadSets(cfg)
	if err != nil {
		return nil, err
	}

	tpl, err := report.LoadTemplates(cfg.TemplateFiles())
	if err != nil {
		return nil, fmt.Errorf("loading templates: %w", err)
	}

	val := valuation.NewCache(reader, cache, logger.With("system", "valuation"))

	reg := report.NewRegistry(logger.With("system", "report"), cfg.BotAccount, reader, bot, tpl, cfg.MainPostTags)
	reg.Vars["bot"] = cfg.BotAccount
	reg.Vars["timeframe"] = cfg.Timeframe
	reg.Vars["minimum_vote_value"] = cfg.MinimumVoteValue.String()
	if cfg.SelfVoteMinimum.Valid {
		reg.Vars["self_vote_minimum"] = cfg.SelfVoteMinimum.Decimal.String()
	}

	coord := respond.NewCoordinator(logger.With("system", "respond"), reg, tpl, bot, flagger, counters, sets, cfg.RespondConfig())
	if cfg.SlackWebhookURL != "" {
		slack := &respond.SlackNotifier{
			SlackWebhookURL: cfg.SlackWebhookURL,
			Client:          util.RobustHTTPClient(),
		}
		if cfg.SlackHourlyLimit > 0 {
			slack.Limiter = respond.PerHourLimiter(cfg.SlackHourlyLimit)
		}
		coord.Notifier = slack
	}

	eng := &engine.Engine{
		Logger:    logger.With("system", "engine"),
		Ledger:    reader,
		Valuation: val,
		Sets:      sets,
		Counters:  counters,
		Incidents: coord,
		Config:    cfg.EngineConfig(),
	}

	cons := consumer.NewConsumer(logger.With("system", "consumer"), reader, nil)
	cons.RedisClient = rdb
	cons.StartBlock = cfg.StartBlock
	cons.Resume = opts.Resume

	s := &Server{
		logger:      logger,
		config:      cfg,
		rdb:         rdb,
		reader:      reader,
		engine:      eng,
		coordinator: coord,
		consumer:    cons,
	}
	if cfg.FlagAccount != "" {
		s.flagJob = flagreport.NewJob(logger.With("system", "flagreport"), reader, val, reg, tpl, cfg.FlagAccount)
		// the flag report is a root post of the bot account too
		s.flagJob.Lock = coord.CreateLock
	}
	return s, nil
}

// loadSets fills the named sets from the config lists, then from the sets
// file if one is configured.
func loadSets(cfg *config.Config) (*setstore.MemSetStore, error) {
	sets := setstore.NewMemSetStore()
	sets.Replace(setstore.SetWhitelist, cfg.Whitelist)
	sets.Replace(setstore.SetSuspicious, cfg.SuspiciousUsers)
	sets.Replace(setstore.SetFlagTargets, cfg.FlagTargets())
	if cfg.SetsFile != "" {
		if err := sets.LoadFromFileJSON(cfg.SetsFile); err != nil {
			return nil, fmt.Errorf("loading sets file: %w", err)
		}
	}
	return sets, nil
}

// Run consumes blocks until ctx is cancelled, then drains queued blocks and
// waits for in-flight actions. The admin server is skipped when adminBind is
// empty.
func (s *Server) Run(ctx context.Context, adminBind string) error {
	if err := s.consumer.Init(ctx); err != nil {
		return fmt.Errorf("initializing block cursor: %w", err)
	}

	sched := scheduler.NewScheduler(ctx, s.config.Threads, blockQueueSize, "blocks", s.engine.ProcessBlock)
	s.consumer.Queue = sched

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.consumer.Run(gctx)
	})
	g.Go(func() error {
		return s.consumer.RunPersistCursor(gctx)
	})
	if adminBind != "" {
		g.Go(func() error {
			return s.RunAdmin(gctx, adminBind)
		})
	}
	err := g.Wait()

	sched.Shutdown()
	s.logger.Info("waiting for pending actions")
	s.coordinator.Wait()
	if s.rdb != nil {
		if cerr := s.rdb.Close(); cerr != nil {
			s.logger.Warn("closing redis client", "err", cerr)
		}
	}
	return err
}

// RunFlagReport publishes today's flag report once.
func (s *Server) RunFlagReport(ctx context.Context) error {
	if s.flagJob == nil {
		return errors.New("flag report requires flag_account")
	}
	summary, err := s.flagJob.Run(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("published flag report", "flags", summary.Flags, "authors", len(summary.Records), "total", summary.Total.StringFixed(3))
	return nil
}

// InspectBlock writes the classification of every vote in a block as a tree.
// Nothing is dispatched.
func (s *Server) InspectBlock(ctx context.Context, height int64, w io.Writer) error {
	verdicts, err := s.engine.InspectBlock(ctx, height)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, verdictTree(height, verdicts))
	return err
}

func (s *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

// RunAdmin serves health and metrics until ctx is done.
func (s *Server) RunAdmin(ctx context.Context, bind string) error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(slogecho.New(s.logger.With("system", "admin")))
	e.Use(middleware.Recover())
	e.Use(echoprometheus.NewMiddleware("sherlock_admin"))
	e.HTTPErrorHandler = s.errorHandler

	e.GET("/_health", s.HandleHealthCheck)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	httpd := &http.Server{
		Handler:        e,
		Addr:           bind,
		WriteTimeout:   time.Minute,
		ReadTimeout:    time.Minute,
		MaxHeaderBytes: 1024 * 1024,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("starting admin server", "bind", bind)
		if err := httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpd.Shutdown(sctx); err != nil {
		s.logger.Error("admin server shutdown error", "err", err)
	}
	return nil
}

func (s *Server) HandleHealthCheck(c echo.Context) error {
	if !s.consumer.Healthy() {
		return c.JSON(http.StatusServiceUnavailable, GenericStatus{Status: "error", Daemon: "sherlock", Message: "ledger height polling is failing"})
	}
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "sherlock", Message: fmt.Sprintf("cursor %d", s.consumer.Cursor())})
}

func (s *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := "internal error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		msg = fmt.Sprintf("%s", he.Message)
	}
	if code >= 500 {
		s.logger.Warn("admin request failed", "path", c.Path(), "err", err)
	}
	if err := c.JSON(code, GenericStatus{Status: "error", Daemon: "sherlock", Message: msg}); err != nil {
		s.logger.Warn("writing error response", "err", err)
	}
}
