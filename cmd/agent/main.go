package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-moder/report-agent/internal/admin"
	"github.com/p-moder/report-agent/internal/client"
	"github.com/p-moder/report-agent/internal/config"
	"github.com/p-moder/report-agent/internal/cooldown"
	"github.com/p-moder/report-agent/internal/metrics"
	"github.com/p-moder/report-agent/internal/notify"
	"github.com/p-moder/report-agent/internal/orchestrator"
	"github.com/p-moder/report-agent/internal/poller"
	"github.com/p-moder/report-agent/internal/sched"
	"github.com/p-moder/report-agent/internal/session"
	"github.com/p-moder/report-agent/internal/sign"
	"github.com/p-moder/report-agent/internal/store"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("listen_addr", cfg.ListenAddr).
		Str("db_path", cfg.DBPath).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Msg("starting report agent")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Storage
	st, err := store.New(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	if released, err := st.ReleaseStuckTargets(); err != nil {
		logger.Error().Err(err).Msg("stuck target recovery failed")
	} else if released > 0 {
		logger.Warn().Int64("count", released).Msg("released stuck targets back to pending")
	}

	if err := st.SeedSettings(map[string]string{
		store.SettingMinDelay:   strconv.Itoa(cfg.MinDelaySeconds),
		store.SettingMaxDelay:   strconv.Itoa(cfg.MaxDelaySeconds),
		store.SettingCooldown:   strconv.Itoa(cfg.CooldownSeconds),
		store.SettingMaxRetries: strconv.Itoa(cfg.MaxRetries),
		store.SettingBatchWidth: strconv.Itoa(cfg.BatchWidth),
	}); err != nil {
		logger.Fatal().Err(err).Msg("failed to seed settings")
	}

	m := metrics.New()

	// Platform plumbing
	signer := sign.New(cfg.APIBaseURL+"/x/web-interface/nav", nil, logger)
	signer.OnRefresh = m.RecordKeyRefresh
	cl := client.New(client.Options{
		UserAgent:   cfg.UserAgent,
		Timeout:     cfg.RequestTimeout,
		MaxAttempts: cfg.MaxRetries,
		OnRetry:     m.RequestRetries.Inc,
	}, signer, logger)

	refresher, err := session.New(session.Endpoints{
		CookieInfoURL:  cfg.PassportURL + "/x/passport-login/web/cookie/info",
		CorrespondBase: cfg.PassportURL + "/correspond/1",
		RefreshURL:     cfg.PassportURL + "/x/passport-login/web/cookie/refresh",
		ConfirmURL:     cfg.PassportURL + "/x/passport-login/web/confirm/refresh",
	}, st, nil, cfg.UserAgent, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init session refresher")
	}

	validator := session.NewValidator(st, cl, refresher, m, cfg.APIBaseURL+"/x/web-interface/nav", logger)

	// Notifications
	sinks := []notify.Sink{notify.NewLogSink(logger)}
	if cfg.SlackEnabled() {
		sinks = append(sinks, notify.NewSlackSink(cfg.SlackToken, cfg.SlackChannel, logger))
		logger.Info().Str("channel", cfg.SlackChannel).Msg("slack notifications enabled")
	}
	fanout := notify.NewFanout(logger, sinks...)
	defer fanout.Close()

	// Report engine
	defaults := store.Tunables{
		MinDelay:   time.Duration(cfg.MinDelaySeconds) * time.Second,
		MaxDelay:   time.Duration(cfg.MaxDelaySeconds) * time.Second,
		Cooldown:   time.Duration(cfg.CooldownSeconds) * time.Second,
		MaxRetries: cfg.MaxRetries,
		BatchWidth: cfg.BatchWidth,
	}
	engine := orchestrator.New(st, cl, cooldown.New(), fanout, m, cfg.APIBaseURL, defaults, logger)

	// Reply poller
	rules, err := poller.LoadRules(cfg.RulesPath)
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.RulesPath).Msg("reply rules unavailable, poller disabled")
	}
	var replyPoller *poller.Poller
	if rules != nil {
		replyPoller = poller.New(st, cl, rules, m, cfg.MessageURL, logger)
	}

	// Periodic jobs
	jobs := []sched.Job{
		{Name: "report_batch", Interval: cfg.BatchInterval, Run: engine.RunPending},
		{Name: "account_validation", Interval: 30 * time.Minute, Run: validator.Sweep},
	}
	if replyPoller != nil {
		jobs = append(jobs, sched.Job{
			Name:     "reply_poll",
			Interval: cfg.PollInterval,
			Run:      func(ctx context.Context) { replyPoller.RunCycle(ctx) },
		})
	}
	runner := sched.New(jobs, logger)
	runner.Start(ctx)

	var wg sync.WaitGroup

	// Metrics endpoint
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", m.Handler())
	metricsServer := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	// Admin API
	handlers := admin.NewHandlers(st, engine, logger)
	adminServer := admin.NewServer(admin.ServerConfig{
		ListenAddr: cfg.ListenAddr,
		AuthConfig: admin.AuthConfig{
			Mode:      cfg.AuthMode,
			APIKey:    cfg.APIKey,
			JWTSecret: cfg.JWTSecret,
		},
		RateLimit: admin.RateLimitConfig{
			RPS:   cfg.RateLimitRPS,
			Burst: cfg.RateLimitBurst,
		},
		CORSOrigins: cfg.CORSOrigins,
	}, handlers, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := adminServer.Start(); err != nil {
			logger.Error().Err(err).Msg("admin API server error")
		}
	}()

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
	if err := adminServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("admin API server shutdown error")
	}

	done := make(chan struct{})
	go func() {
		runner.Wait()
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("report agent stopped")
}
