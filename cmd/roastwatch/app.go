package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/roastwatch/roastwatch/internal/artifact"
	"github.com/roastwatch/roastwatch/internal/config"
	"github.com/roastwatch/roastwatch/internal/fetch"
	"github.com/roastwatch/roastwatch/internal/images"
	"github.com/roastwatch/roastwatch/internal/llm"
	"github.com/roastwatch/roastwatch/internal/model"
	"github.com/roastwatch/roastwatch/internal/netx/client"
	"github.com/roastwatch/roastwatch/internal/netx/ratelimit"
	"github.com/roastwatch/roastwatch/internal/normalize"
	"github.com/roastwatch/roastwatch/internal/pipeline"
	"github.com/roastwatch/roastwatch/internal/retry"
	"github.com/roastwatch/roastwatch/internal/robots"
	"github.com/roastwatch/roastwatch/internal/scheduler"
	"github.com/roastwatch/roastwatch/internal/state"
	"github.com/roastwatch/roastwatch/internal/writepath"
)

// app holds every wired component for one process.
type app struct {
	cfg      *config.Config
	roasters []*model.Roaster
	store    *artifact.Store
	state    *state.Store
	db       *sqlx.DB
	writer   *writepath.Writer
	runner   *pipeline.Runner
	gate     *robots.Gate
}

func buildApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	applyLogLevel(cfg.Log)

	roasters, err := cfg.LoadRoasters()
	if err != nil {
		return nil, err
	}
	if len(roasters) == 0 {
		return nil, errors.New("no roasters configured")
	}

	st, err := state.Open(cfg.Storage.StatePath)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	for _, r := range roasters {
		if err := st.Hydrate(ctx, r); err != nil {
			st.Close()
			return nil, fmt.Errorf("hydrate roaster %d: %w", r.ID, err)
		}
	}

	store, err := artifact.Open(cfg.Storage.ArtifactDir)
	if err != nil {
		st.Close()
		return nil, err
	}

	polite := ratelimit.New(
		time.Duration(cfg.Fetch.PoliteDelayMs)*time.Millisecond,
		time.Duration(cfg.Fetch.PoliteJitterMs)*time.Millisecond,
	)
	httpc := client.New(client.Config{
		UserAgent:      cfg.Fetch.UserAgent,
		ConnectTimeout: cfg.Fetch.ConnectTimeout,
		ReadTimeout:    cfg.Fetch.ReadTimeout,
		TotalDeadline:  cfg.Fetch.TotalDeadline,
		MaxBodyBytes:   cfg.Fetch.MaxBodyBytes,
	}, polite)

	fetchers := map[model.Platform]fetch.Fetcher{}
	for _, p := range []model.Platform{model.PlatformShopify, model.PlatformWoo} {
		f, err := fetch.ForPlatform(p, httpc, cfg.Fetch.MaxPagesPerRun)
		if err != nil {
			st.Close()
			store.Close()
			return nil, err
		}
		fetchers[p] = f
	}

	var fallback fetch.Fetcher
	if cfg.Fallback.BaseURL != "" {
		provider := fetch.NewHTTPExtractProvider(cfg.Fallback.BaseURL, os.Getenv(cfg.Fallback.APIKeyEnv))
		ff := fetch.NewFallbackFetcher(provider)
		ff.SetUsageStore(st)
		fallback = ff
	}

	norm := normalize.New(buildEnricher(cfg))
	for field, floor := range cfg.LLM.FieldConfidenceFloors {
		norm.SetFloor(field, floor)
	}

	var imgproc writepath.ImageProcessor
	if cfg.Image.CDNBaseURL != "" {
		cdn := images.NewHTTPCDN(images.CDNConfig{
			BaseURL: cfg.Image.CDNBaseURL,
			APIKey:  os.Getenv(cfg.Image.APIKeyEnv),
		})
		pl := images.NewPipeline(cdn)
		pl.SetConcurrency(cfg.Image.Concurrency)
		imgproc = pl
	}

	var db *sqlx.DB
	var procs writepath.ProcClient
	if cfg.Storage.PostgresDSN != "" {
		db, err = sqlx.Open("postgres", cfg.Storage.PostgresDSN)
		if err != nil {
			st.Close()
			store.Close()
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		procs = writepath.NewPGClient(db)
	} else {
		st.Close()
		store.Close()
		return nil, errors.New("storage.postgres_dsn is required")
	}

	writer := writepath.NewWriter(procs, imgproc, writepath.NewBackpressure(),
		func(r *model.Roaster, variantID int64, oldPrice, newPrice float64) {
			log.Warn().Str("roaster_name", r.Name).Int64("variant", variantID).
				Float64("old", oldPrice).Float64("new", newPrice).
				Msg("price spike")
		})

	runner := pipeline.NewRunner(fetchers, fallback, store, norm, writer, st)
	runner.SetDeadlines(cfg.Worker.JobDeadlineFull, cfg.Worker.JobDeadlinePriceOnly)
	runner.SetRetryPolicy(retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		Base:        cfg.Retry.BaseDelay,
		JitterPct:   cfg.Retry.JitterPct,
	})

	return &app{
		cfg:      cfg,
		roasters: roasters,
		store:    store,
		state:    st,
		db:       db,
		writer:   writer,
		runner:   runner,
		gate:     robots.New(cfg.Fetch.UserAgent, 0),
	}, nil
}

// buildEnricher wires the LLM fallback, or nil when disabled.
func buildEnricher(cfg *config.Config) normalize.Enricher {
	if !cfg.LLM.EnabledGlobal {
		return nil
	}

	var cache llm.Cache
	if cfg.Storage.RedisAddr != "" {
		cache = llm.NewRedisCache(redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisAddr}))
	} else {
		cache = llm.NewMemoryCache()
	}

	chat := llm.NewHTTPClient(llm.ClientConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  os.Getenv(cfg.LLM.APIKeyEnv),
		Model:   cfg.LLM.Model,
	})
	limiter := llm.NewLimiter(llm.LimiterConfig{
		RequestsPerMin: cfg.LLM.RoasterRequestsPerMin,
		RequestsPerDay: cfg.LLM.RoasterDailyBudget,
		GlobalDaily:    cfg.LLM.DailyBudget,
	})

	e := llm.NewEnricher(chat, cache, limiter)
	e.SetCacheTTL(cfg.LLM.CacheTTL)
	return e
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
	if a.state != nil {
		a.state.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// runDaemon runs scheduler, pool, and metrics endpoint until a signal.
func (a *app) runDaemon(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	queue := scheduler.NewQueue()
	sched := scheduler.New(queue, a.state)
	pool := scheduler.NewPool(queue, a.runner, a.gate, a.state, a.writer.Backpressure(),
		a.cfg.Worker.GlobalConcurrency)
	pool.SetRoasters(a.roasters)

	srv := &http.Server{Addr: a.cfg.Metrics.ListenAddr, Handler: promhttp.Handler()}
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("metrics endpoint up")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics endpoint failed")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go sched.Run(ctx, a.cfg.Worker.TickInterval, func() []*model.Roaster { return a.roasters })

	log.Info().Int("roasters", len(a.roasters)).
		Int("workers", a.cfg.Worker.GlobalConcurrency).
		Msg("scheduler daemon started")
	pool.Start(ctx)
	log.Info().Msg("scheduler daemon stopped")
	return nil
}

// runOnce executes one job synchronously and prints the outcome.
func (a *app) runOnce(ctx context.Context, roasterID int64, jobType string) error {
	var roaster *model.Roaster
	for _, r := range a.roasters {
		if r.ID == roasterID {
			roaster = r
			break
		}
	}
	if roaster == nil {
		return fmt.Errorf("roaster %d is not in the roster", roasterID)
	}

	allowed, err := a.gate.Check(ctx, roaster)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("robots.txt disallows scraping %s", roaster.Hostname)
	}

	var t model.JobType
	switch jobType {
	case "full":
		t = model.JobFullRefresh
	case "price":
		t = model.JobPriceOnly
	default:
		return fmt.Errorf("unknown job type %q, want full or price", jobType)
	}

	job := model.NewJob(roaster.ID, t, time.Now().UTC())
	var outcome model.JobOutcome
	if t == model.JobPriceOnly {
		outcome, err = a.runner.RunPriceOnly(ctx, job, roaster)
	} else {
		outcome, err = a.runner.RunFull(ctx, job, roaster)
	}
	if err != nil {
		return err
	}
	if serr := a.state.RecordSuccess(ctx, roaster.ID, t, time.Now().UTC()); serr != nil {
		log.Warn().Err(serr).Msg("success stamp failed")
	}

	out, _ := json.MarshalIndent(outcome, "", "  ")
	fmt.Println(string(out))
	return nil
}

// printJobs lists the roster with cadences, next slots, and stamps.
func (a *app) printJobs(ctx context.Context) error {
	now := time.Now().UTC()
	fmt.Printf("%-4s %-24s %-10s %-8s %-20s %-20s\n",
		"ID", "ROASTER", "PLATFORM", "ACTIVE", "NEXT FULL", "NEXT PRICE")

	for _, r := range a.roasters {
		nextFull := nextSlot(r.CadenceFor(model.JobFullRefresh), now)
		nextPrice := nextSlot(r.CadenceFor(model.JobPriceOnly), now)
		fmt.Printf("%-4d %-24s %-10s %-8t %-20s %-20s\n",
			r.ID, r.Name, r.Platform, r.Active, nextFull, nextPrice)

		for _, t := range []model.JobType{model.JobFullRefresh, model.JobPriceOnly} {
			last, err := a.state.LastSuccess(ctx, r.ID, t)
			if err != nil {
				return err
			}
			if !last.IsZero() {
				fmt.Printf("     last %-11s %s\n", t, last.Format(time.RFC3339))
			}
		}
	}
	return nil
}

func nextSlot(expr string, now time.Time) string {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return "invalid cadence"
	}
	return sched.Next(now).Format("2006-01-02 15:04")
}

func applyLogLevel(lc config.LogConfig) {
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if !lc.Pretty {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}
