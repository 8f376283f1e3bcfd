// Command tangram-monitor runs the production monitoring service: it
// loads the configured model files, seeds their monitors into the
// store, and drives the ingest flush loop and the scheduled alert
// manager until interrupted.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/frankmgb/tangram/internal/config"
	"github.com/frankmgb/tangram/internal/logging"
	"github.com/frankmgb/tangram/internal/model"
	"github.com/frankmgb/tangram/internal/monitor/alert"
	"github.com/frankmgb/tangram/internal/monitor/ingest"
	"github.com/frankmgb/tangram/internal/monitor/store"
)

// monitorNamespace keys deterministic monitor ids, so restarting the
// service upserts the configured monitors instead of duplicating them.
var monitorNamespace = uuid.MustParse("8cc43256-31c5-4a23-9bd9-2f80b8862dfa")

func main() {
	configPath := flag.String("config", "tangram.toml", "path to the config file")
	pretty := flag.Bool("pretty", false, "pretty-print log output")
	flag.Parse()

	logging.Init(logging.Options{Pretty: *pretty})

	if err := run(*configPath); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("monitor service failed")
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Monitor.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	service := ingest.NewService(st)
	modelIDs := map[string]string{} // path -> id

	for _, mm := range cfg.Monitor.Models {
		raw, err := os.ReadFile(mm.Path)
		if err != nil {
			return errors.Wrap(err, "tangram-monitor: read model file")
		}
		v, err := model.Unmarshal(raw)
		if err != nil {
			return err
		}
		cadence, ok := alert.ParseCadence(mm.Cadence)
		if !ok {
			return errors.Errorf("tangram-monitor: unknown cadence %q for model %s", mm.Cadence, mm.Path)
		}
		id := v.ID().String()
		modelIDs[mm.Path] = id
		service.RegisterModel(id, v, cadence)
		log.Info().Str("model", id).Str("path", mm.Path).Str("cadence", mm.Cadence).Msg("model registered")
	}

	if err := seedMonitors(ctx, st, cfg, modelIDs); err != nil {
		return err
	}

	if cfg.Monitor.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: cfg.Monitor.ListenAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
		defer server.Close()
	}

	go flushLoop(ctx, service)

	manager := alert.NewManager(st, service, 2*time.Minute, time.Minute)
	log.Info().Msg("alert manager started")
	return manager.Run(ctx)
}

func seedMonitors(ctx context.Context, st *store.Store, cfg *config.Config, modelIDs map[string]string) error {
	for _, a := range cfg.Monitor.Alerts {
		cadence, ok := alert.ParseCadence(a.Cadence)
		if !ok {
			return errors.Errorf("tangram-monitor: unknown cadence %q for alert %q", a.Cadence, a.Title)
		}
		mode, err := alert.ParseThresholdMode(a.Mode)
		if err != nil {
			return err
		}
		modelID, ok := modelIDs[a.Model]
		if !ok {
			modelID = a.Model // already an id, not a path
		}
		m := alert.Monitor{
			ID:      uuid.NewSHA1(monitorNamespace, []byte(modelID+"/"+a.Title)),
			ModelID: modelID,
			Title:   a.Title,
			Cadence: cadence,
			Threshold: alert.Threshold{
				Metric: a.Metric, Mode: mode, Lower: a.Lower, Upper: a.Upper,
			},
		}
		methods := a.Methods
		if len(methods) == 0 {
			methods = []string{"stdout"}
		}
		if err := st.SaveMonitor(ctx, m, methods); err != nil {
			return err
		}
	}
	return nil
}

func flushLoop(ctx context.Context, service *ingest.Service) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = service.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			if err := service.Flush(ctx); err != nil {
				log.Error().Err(err).Msg("bucket flush failed")
			}
		}
	}
}
