package main

import (
	"log/slog"
	"os"

	"github.com/ashureev/dfbridge/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "dfbridge",
		Short:         "Livechat to Dialogflow bridge",
		Long:          "dfbridge relays livechat rooms to Dialogflow ES and CX agents, hands rooms over to human departments, and runs scheduled backend events.",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newVerifyCmd(),
		newProbeCmd(),
	)
	return rootCmd
}

// loadConfig reads .env, loads the environment configuration and installs
// the JSON logger at the configured level.
func loadConfig() (*config.Config, error) {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	if envErr != nil {
		slog.Info("No .env file found, using environment variables")
	}
	return cfg, nil
}
