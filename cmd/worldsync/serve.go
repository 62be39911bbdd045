package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/Seonggyu05/infinite-introverts/internal/clock"
	"github.com/Seonggyu05/infinite-introverts/internal/config"
	"github.com/Seonggyu05/infinite-introverts/internal/content"
	"github.com/Seonggyu05/infinite-introverts/internal/epoch"
	"github.com/Seonggyu05/infinite-introverts/internal/geo"
	"github.com/Seonggyu05/infinite-introverts/internal/influx"
	"github.com/Seonggyu05/infinite-introverts/internal/logging"
	"github.com/Seonggyu05/infinite-introverts/internal/presence"
	"github.com/Seonggyu05/infinite-introverts/internal/quota"
	"github.com/Seonggyu05/infinite-introverts/internal/realtime"
	"github.com/Seonggyu05/infinite-introverts/internal/storage"
	"github.com/Seonggyu05/infinite-introverts/pkg/streaming"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newServeCommand(a *app) *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the realtime server and the reset scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), a, address)
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "listen address, overrides server.address")
	return cmd
}

func worldBounds(w config.WorldConfig) (bounds, spawn geo.Bounds) {
	bounds = geo.Bounds{MinX: w.MinX, MaxX: w.MaxX, MinY: w.MinY, MaxY: w.MaxY}
	spawn = geo.Bounds{MinX: -w.SpawnHalf, MaxX: w.SpawnHalf, MinY: -w.SpawnHalf, MaxY: w.SpawnHalf}
	return bounds, spawn
}

func presenceConfig(p config.PresenceConfig) presence.Config {
	return presence.Config{Interval: p.Interval, Grace: p.Grace, MaxEntries: p.MaxEntries}
}

func thresholds(e config.EpochConfig) epoch.Thresholds {
	return epoch.Thresholds{Warn10: e.Warn10, Warn5: e.Warn5, Warn1: e.Warn1}
}

func runServe(ctx context.Context, a *app, addressOverride string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := a.logger

	epochCfg := config.GetEpochConfig()
	store, err := openStorage(config.GetStorageConfig(), epochCfg, logger, a.meter())
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage", "error", err)
		}
	}()

	bounds, spawn := worldBounds(config.GetWorldConfig())
	quotaCfg := config.GetQuotaConfig()
	enforcer := quota.NewEnforcer(
		quota.Config{MaxItems: quotaCfg.MaxItems, Cooldown: quotaCfg.Cooldown},
		content.ThoughtItems{Store: store},
		clock.Real(),
	)

	serverCfg := config.GetServerConfig()
	hub, err := realtime.NewHub(realtime.HubDependencies{
		Store:          store,
		Content:        content.NewService(store, enforcer, bounds),
		Clock:          clock.Real(),
		Logger:         a.slogManager.Component("realtime"),
		DispatchLogger: logging.NewDispatcherLogger(a.zlog.With().Str("component", "dispatcher").Logger()),
		Meter:          a.meter(),
	}, realtime.HubConfig{
		SendBuffer:     serverCfg.SendBuffer,
		AllowedOrigins: serverCfg.AllowedOrigins,
		WriteTimeout:   config.GetSyncConfig().WriteTimeout,
		Presence:       presenceConfig(config.GetPresenceConfig()),
		Bounds:         bounds,
		SpawnZone:      spawn,
	})
	if err != nil {
		return fmt.Errorf("failed to create hub: %w", err)
	}
	defer hub.Close()

	scheduler := epoch.NewScheduler(epoch.SchedulerDependencies{
		Store:  store,
		Logger: a.slogManager.Component("epoch"),
		OnReset: func(r epoch.ResetResult) {
			logger.Info("Scheduled reset performed", "epoch", r.Epoch.ID, "nextResetAt", r.Epoch.NextResetAt)
		},
		OnAdvance: func(e epoch.Epoch) {
			hub.AnnounceEpoch(e)
		},
	}, epochCfg.PollInterval)

	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	run(hub.Run)
	run(scheduler.Run)

	if influxCfg := config.GetInfluxConfig(); influxCfg.Enabled {
		backup := filepath.Join(viper.GetString("logsDir"), "influx_backup.log.gz")
		sink := influx.NewManager(influxCfg, a.zlog.With().Str("component", "influx").Logger(), backup)
		if err := sink.Connect(ctx); err != nil {
			logger.Error("Failed to set up InfluxDB sink", "error", err)
		} else {
			defer sink.Close()
			th := thresholds(epochCfg)
			run(func(ctx context.Context) {
				sink.Report(ctx, influxCfg.Interval, worldSampler(hub, store, th))
			})
		}
	}

	mux := http.NewServeMux()
	mux.Handle(serverCfg.Path, hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	address := serverCfg.Address
	if addressOverride != "" {
		address = addressOverride
	}
	srv := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Realtime server listening", "address", address, "path", serverCfg.Path)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error("Server shutdown failed", "error", serr)
	}
	wg.Wait()
	return err
}

// worldSampler reads the hub and the world row for the metrics sink.
func worldSampler(hub *realtime.Hub, store storage.Store, th epoch.Thresholds) influx.Source {
	return func(ctx context.Context) (influx.Sample, error) {
		e, err := store.CurrentEpoch(ctx)
		if err != nil {
			return influx.Sample{}, err
		}
		now := time.Now()
		return influx.Sample{
			At:       now,
			Online:   len(hub.Online(streaming.ChannelOnline)),
			Clients:  hub.Clients(),
			Channels: hub.Channels(),
			Epoch:    e,
			Phase:    th.Band(e.NextResetAt.Sub(now)),
		}, nil
	}
}
