package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/dfbridge/internal/credentials"
	"github.com/ashureev/dfbridge/internal/settings"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newVerifyCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that every configured bot can obtain a backend token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			registry, err := settings.NewRegistry(viper.New(), cfg.AgentsFile)
			if err != nil {
				return err
			}
			if err := registry.Load(); err != nil {
				return err
			}

			tokens := credentials.NewCache(nil, credentials.Options{TokenURL: cfg.TokenURL})
			out := cmd.OutOrStdout()
			failed := 0
			for _, agent := range registry.Agents() {
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				_, err := tokens.Generate(ctx, agent.ClientEmail, agent.PrivateKey)
				cancel()
				if err != nil {
					failed++
					_, _ = fmt.Fprintf(out, "FAILED  %s: %v\n", agent.Username, err)
					continue
				}
				_, _ = fmt.Fprintf(out, "OK      %s\n", agent.Username)
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d bots failed verification", failed, len(registry.Agents()))
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "per-bot token exchange timeout")
	return cmd
}
