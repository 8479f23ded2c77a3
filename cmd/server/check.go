package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cty-ut/real-time-translation/internal/downstream"
)

// runCheck probes both downstream services once and exits non-zero when either is down
func runCheck(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := initLogger(cfg.Logging)
	client := newDownstreamClient(cfg, logger, nil)

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*cfg.Downstream.GetHealthTimeoutDuration())
	defer cancel()

	var whisper, translator downstream.HealthStatus
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		whisper = client.CheckHealth(ctx, "whisper", cfg.Whisper.URL)
		return nil
	})
	g.Go(func() error {
		translator = client.CheckHealth(ctx, "translator", cfg.Translator.URL)
		return nil
	})
	g.Wait()

	out, err := json.MarshalIndent(map[string]downstream.HealthStatus{
		"whisper":    whisper,
		"translator": translator,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if !whisper.Healthy() || !translator.Healthy() {
		return fmt.Errorf("downstream services unhealthy")
	}
	return nil
}
