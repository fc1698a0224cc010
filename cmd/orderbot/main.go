// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orderbot runs the pave-ordering bot.
//
// Usage:
//
//	orderbot serve [--config orderbot.yaml]
//	orderbot chat [--as +573001234567]
//	orderbot ask --as +573001234567 "quiero dos de arequipe"
//
// The model API key is read from the secret named by model.api_key_secret
// (OPENAI_API_KEY by default). OPENAI_MODEL overrides the model name.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/orderbot/services/orderbot/config"
)

var (
	configPath string
	debugMode  bool
)

var rootCmd = &cobra.Command{
	Use:           "orderbot",
	Short:         "WhatsApp pave-ordering bot",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if debugMode {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("ORDERBOT_CONFIG"),
		"Path to a YAML config file layered over the defaults (env ORDERBOT_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newServeCmd(), newChatCmd(), newAskCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "orderbot: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the layered configuration and applies OPENAI_MODEL.
func loadConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return nil, err
	}
	if m := os.Getenv("OPENAI_MODEL"); m != "" {
		cfg.Model.Name = m
	}
	return cfg, nil
}
