package main

import (
	"context"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Seonggyu05/infinite-introverts/internal/config"
	"github.com/Seonggyu05/infinite-introverts/internal/epoch"
	"github.com/Seonggyu05/infinite-introverts/internal/quota"
	"github.com/Seonggyu05/infinite-introverts/internal/realtime"
	"github.com/Seonggyu05/infinite-introverts/internal/session"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type walkOptions struct {
	URL      string
	UserID   string
	Nickname string
	Step     float64
	Interval time.Duration
	Duration time.Duration
	Thought  string
}

func newWalkCommand(a *app) *cobra.Command {
	opts := walkOptions{}
	cmd := &cobra.Command{
		Use:   "walk",
		Short: "Join the world as a headless avatar that wanders around",
		Long: `Join the world as a headless client and take a random step every
interval. Links, presence and the reset countdown are logged as they change.

Example:
  worldsync walk --url ws://localhost:8080/realtime --nickname bot --think "hello"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWalk(cmd.Context(), a, opts)
		},
	}
	cmd.Flags().StringVar(&opts.URL, "url", "", "server URL, overrides client.url")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "user ID, overrides client.userId (random when empty)")
	cmd.Flags().StringVar(&opts.Nickname, "nickname", "", "nickname, overrides client.nickname")
	cmd.Flags().Float64Var(&opts.Step, "step", 40, "world units per step")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 50*time.Millisecond, "time between steps")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "stop after this long (0 walks until interrupted)")
	cmd.Flags().StringVar(&opts.Thought, "think", "", "post this thought after joining")
	return cmd
}

func runWalk(ctx context.Context, a *app, opts walkOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}
	logger := a.slogManager.Component("walk")

	clientCfg := config.GetClientConfig()
	if opts.URL != "" {
		clientCfg.URL = opts.URL
	}
	if opts.UserID != "" {
		clientCfg.UserID = opts.UserID
	}
	if opts.Nickname != "" {
		clientCfg.Nickname = opts.Nickname
	}
	if clientCfg.UserID == "" {
		clientCfg.UserID = uuid.NewString()
	}

	syncCfg := config.GetSyncConfig()
	quotaCfg := config.GetQuotaConfig()
	bounds, _ := worldBounds(config.GetWorldConfig())

	conn := realtime.NewConn(realtime.ConnConfig{
		URL:       clientCfg.URL,
		WriteWait: syncCfg.WriteTimeout,
	}, a.slogManager.Component("conn"))

	s := session.New(session.Dependencies{
		Transport: conn,
		Logger:    a.slogManager.Component("session"),
	}, session.Config{
		UserID:            clientCfg.UserID,
		Nickname:          clientCfg.Nickname,
		Bounds:            bounds,
		BroadcastInterval: syncCfg.BroadcastInterval,
		PersistQuiet:      syncCfg.PersistQuiet,
		WriteTimeout:      syncCfg.WriteTimeout,
		LinkRadius:        syncCfg.LinkRadius,
		MaxVisibleLinks:   syncCfg.MaxVisibleLinks,
		Presence:          presenceConfig(config.GetPresenceConfig()),
		Quota:             quota.Config{MaxItems: quotaCfg.MaxItems, Cooldown: quotaCfg.Cooldown},
		Thresholds:        thresholds(config.GetEpochConfig()),
	})
	s.OnPhase(func(tr epoch.Transition) {
		logger.Warn("World reset approaching", "phase", tr.To, "countdown", epoch.Countdown(tr.Remaining))
	})
	s.OnReset(func(e epoch.Epoch) {
		logger.Info("World was reset", "epoch", e.ID, "nextResetAt", e.NextResetAt)
	})

	if err := s.Open(ctx); err != nil {
		_ = s.Close()
		return err
	}
	defer s.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	self, _ := s.Self()
	logger.Info("Joined", "user", clientCfg.UserID, "x", self.X, "y", self.Y, "countdown", s.Countdown())

	if opts.Thought != "" {
		res, err := s.PostThought(ctx, opts.Thought)
		if ce, ok := quota.IsCooldown(err); ok {
			logger.Warn("Thought on cooldown", "retryAfter", ce.RemainingSeconds())
		} else if err != nil {
			logger.Error("Failed to post thought", "error", err)
		} else {
			logger.Info("Posted thought", "id", res.ID, "evicted", len(res.Evicted), "active", res.ActiveItemCount)
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	heading := rng.Float64() * 2 * math.Pi
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for step := 1; ; step++ {
		select {
		case <-ctx.Done():
			<-done
			return nil
		case <-ticker.C:
			heading += (rng.Float64() - 0.5) * math.Pi / 4
			cur, ok := s.Self()
			if !ok {
				continue
			}
			s.Move(cur.X+opts.Step*math.Cos(heading), cur.Y+opts.Step*math.Sin(heading))

			if step%100 == 0 {
				links := s.Links()
				nearest := ""
				if len(links) > 0 {
					nearest = links[0].B
				}
				logger.Info("Wandering",
					"x", cur.X, "y", cur.Y,
					"online", len(s.Online()),
					"links", len(links),
					"nearest", nearest,
					"phase", s.Phase(),
					"countdown", s.Countdown(),
				)
			}
		}
	}
}
