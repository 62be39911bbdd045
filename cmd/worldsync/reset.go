package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Seonggyu05/infinite-introverts/internal/config"
	"github.com/Seonggyu05/infinite-introverts/internal/epoch"
	"github.com/Seonggyu05/infinite-introverts/internal/storage"
	"github.com/spf13/cobra"
)

func newResetCommand(a *app) *cobra.Command {
	var (
		actor    string
		expected int64
	)
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Wipe the world now and start the next epoch",
		Long: `Wipe every profile and all user content and start the next epoch.

A reset issued within the reset guard of the previous one does nothing.
With --expect the reset only happens while that epoch is still current.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStorage(config.GetStorageConfig(), config.GetEpochConfig(), a.logger, a.meter())
			if err != nil {
				return err
			}
			defer store.Close()

			res, err := store.ResetWorld(cmd.Context(), epoch.ResetRequest{
				Trigger:       epoch.TriggerManual,
				ActorID:       actor,
				ExpectedEpoch: expected,
			})
			if err != nil {
				return fmt.Errorf("reset failed: %w", err)
			}
			a.logger.Info("Reset finished", "performed", res.Performed, "epoch", res.Epoch.ID, "reason", res.Reason)
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "cli", "actor recorded in the audit log")
	cmd.Flags().Int64Var(&expected, "expect", 0, "only reset while this epoch is current")
	return cmd
}

// worldStatus is the status command's output.
type worldStatus struct {
	Epoch     epoch.Epoch `json:"epoch"`
	Phase     string      `json:"phase"`
	Countdown string      `json:"countdown"`
	Profiles  int         `json:"profiles"`
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current epoch and countdown",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			epochCfg := config.GetEpochConfig()
			store, err := openStorage(config.GetStorageConfig(), epochCfg, a.logger, a.meter())
			if err != nil {
				return err
			}
			defer store.Close()

			st, err := readStatus(cmd, store, thresholds(epochCfg), time.Now())
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		},
	}
}

func readStatus(cmd *cobra.Command, store storage.Store, th epoch.Thresholds, now time.Time) (worldStatus, error) {
	e, err := store.CurrentEpoch(cmd.Context())
	if err != nil {
		return worldStatus{}, fmt.Errorf("failed to read world state: %w", err)
	}
	profiles, err := store.ListPositions(cmd.Context())
	if err != nil {
		return worldStatus{}, fmt.Errorf("failed to list profiles: %w", err)
	}
	remaining := e.NextResetAt.Sub(now)
	return worldStatus{
		Epoch:     e,
		Phase:     th.Band(remaining).String(),
		Countdown: epoch.Countdown(remaining),
		Profiles:  len(profiles),
	}, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
