package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/crewready/secwatch/internal/alerts"
	"github.com/crewready/secwatch/internal/api"
	"github.com/crewready/secwatch/internal/auth"
	"github.com/crewready/secwatch/internal/collector"
	"github.com/crewready/secwatch/internal/config"
	"github.com/crewready/secwatch/internal/configstore"
	"github.com/crewready/secwatch/internal/monitor"
	"github.com/crewready/secwatch/internal/notify"
	"github.com/crewready/secwatch/internal/receiver"
	"github.com/crewready/secwatch/internal/store"
	"github.com/crewready/secwatch/internal/ws"
	"github.com/crewready/secwatch/pkg/types"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	var level slog.LevelVar
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("secwatch starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	level.Set(cfg.Log.SlogLevel())

	slog.Info("config loaded",
		"http_port", cfg.HTTPPort,
		"auth_mode", cfg.Auth.Mode,
		"store_driver", cfg.Store.Driver,
		"interval", cfg.Monitor.Interval,
		"window", cfg.Monitor.Window,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, cfg, &level); err != nil {
		slog.Error("secwatch stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("secwatch stopped")
}

func run(ctx context.Context, configPath string, cfg *config.Config, level *slog.LevelVar) error {
	clk := clockwork.NewRealClock()

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.EffectiveDSN())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	sealer, err := configstore.NewSealer(cfg.Secrets.Key())
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	if sealer == nil {
		slog.Warn("secrets key not configured, sensitive config entries are stored unencrypted")
	}
	cfgStore := configstore.New(st, configstore.WithSealer(sealer), configstore.WithClock(clk))

	thresholds := cfg.SeedThresholds()
	if thresholds == nil {
		thresholds = configstore.DefaultThresholds()
	}
	if err := cfgStore.Seed(ctx, thresholds, cfg.SeedRecipients()); err != nil {
		return fmt.Errorf("seed config: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	events := receiver.New(st, clk, reg)

	deps := collector.Deps{Gatherer: reg, Events: st, Clock: clk}
	var sources []collector.Source
	for _, s := range cfg.EffectiveSources() {
		src, err := collector.NewSource(s, deps)
		if err != nil {
			return err
		}
		slog.Info("collector source configured", "metric", s.Metric, "kind", s.Kind)
		sources = append(sources, src)
	}
	window := store.NewWindow(cfg.Monitor.Window, clk)
	coll := collector.New(sources, window, clk, reg)

	hub := ws.New(func(ctx context.Context) ([]types.Alert, error) {
		open := false
		list, _, err := st.ListAlerts(ctx, types.AlertFilter{Resolved: &open}, types.Page{Limit: types.MaxPageLimit})
		return list, err
	})
	manager := alerts.NewManager(st, clk, nil, hub, reg)

	smtpCfg := cfg.Notify.SMTP
	channels := notify.NewChannels(notify.Transports{
		SMTP: notify.SMTPSettings{
			Host:     smtpCfg.Host,
			Port:     smtpCfg.Port,
			From:     smtpCfg.From,
			Username: smtpCfg.Username,
			Password: func(ctx context.Context) string {
				if t, err := cfgStore.Tuning(ctx); err == nil && t.SMTPPassword != "" {
					return t.SMTPPassword
				}
				return smtpCfg.Password()
			},
		},
		WebhookTimeout: cfg.Notify.WebhookTimeout,
	})
	dispatcher := notify.NewDispatcher(cfgStore, manager, channels,
		notify.WithClock(clk),
		notify.WithWorkers(cfg.Notify.Workers),
		notify.WithRegisterer(reg),
	)
	manager.SetNotifier(dispatcher)

	mon := monitor.New(monitor.Deps{
		Config:     cfgStore,
		Collector:  coll,
		Open:       st,
		Lifecycle:  manager,
		Dispatcher: dispatcher,
		Window:     window,
	}, cfg.Monitor.Interval, clk)

	apiHandler := api.New(api.Deps{
		Config:  cfgStore,
		Alerts:  manager,
		Events:  events,
		Samples: window,
		Audit:   st,
		Status:  mon.Status,
		Ping:    st.Ping,
		Now:     clk.Now,
	})
	requireKey := auth.APIKey(cfg.Auth.Mode, cfg.Auth.EffectiveHeader(), cfg.Auth.Key(), "/api/v1/health")

	mux := http.NewServeMux()
	mux.Handle("/api/", api.Logging(requireKey(apiHandler)))
	mux.Handle("/ws/alerts", requireKey(hub))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := mon.Start(context.Background()); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}
	defer mon.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		err := config.Watch(gctx, configPath, func(next *config.Config, changed []string) {
			level.Set(next.Log.SlogLevel())
			if config.RestartRequired(changed) {
				slog.Warn("config changed, restart required to apply", "path", configPath, "sections", changed)
			}
		})
		if err != nil {
			// Hot reload is optional; keep serving with the loaded config.
			slog.Warn("config watch unavailable", "path", configPath, "err", err)
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("HTTP server listening", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("secwatch shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
