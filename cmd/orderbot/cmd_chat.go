// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/orderbot/services/orderbot"
	"github.com/AleutianAI/orderbot/services/orderbot/ingress"
	"github.com/AleutianAI/orderbot/services/orderbot/telemetry"
)

// defaultChatID is used when no number is given and none can be asked for.
const defaultChatID = "+570000000000"

const maxChatHistory = 100

var chatAs string

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the bot in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			id, err := chatIdentity(chatAs)
			if err != nil {
				return err
			}
			return runChat(ctx, id, NewInputReader(maxChatHistory), os.Stdout)
		},
	}
	cmd.Flags().StringVar(&chatAs, "as", "", "Phone number to chat as")
	return cmd
}

func newAskCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Send one message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ingress.NormalizeMSISDN(chatAs)
			if id == "" {
				id = defaultChatID
			}
			return runAsk(cmd.Context(), id, strings.Join(args, " "), asJSON, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&chatAs, "as", "", "Phone number to send as")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the reply as JSON")
	return cmd
}

// chatIdentity returns the flag value, asks for a number on a terminal, or
// falls back to defaultChatID.
func chatIdentity(flagValue string) (string, error) {
	if id := ingress.NormalizeMSISDN(flagValue); id != "" {
		return id, nil
	}
	if !isInteractive() {
		return defaultChatID, nil
	}
	var phone string
	err := huh.NewInput().
		Title("Número de teléfono").
		Placeholder(defaultChatID).
		Validate(func(s string) error {
			if strings.TrimSpace(s) != "" && len(ingress.NormalizeMSISDN(s)) < 8 {
				return errors.New("número demasiado corto")
			}
			return nil
		}).
		Value(&phone).
		Run()
	if err != nil {
		return "", err
	}
	if id := ingress.NormalizeMSISDN(phone); id != "" {
		return id, nil
	}
	return defaultChatID, nil
}

func runChat(ctx context.Context, conversationID string, in InputReader, out io.Writer) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	svc, err := orderbot.Build(ctx, cfg, orderbot.Options{})
	if err != nil {
		return err
	}
	defer svc.Close()

	fmt.Fprintln(out, renderBanner(telemetry.MaskID(conversationID), cfg.Model.Name))
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := in.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}
		reply, err := svc.Reply(ctx, conversationID, line)
		fmt.Fprintln(out, renderReply(reply))
		if err != nil {
			fmt.Fprintln(out, renderError(err.Error()))
		}
	}
}

func runAsk(ctx context.Context, conversationID, text string, asJSON bool, out io.Writer) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	svc, err := orderbot.Build(ctx, cfg, orderbot.Options{})
	if err != nil {
		return err
	}
	defer svc.Close()

	reply, turnErr := svc.Reply(ctx, conversationID, text)
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reply); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(out, reply.Text())
	}
	return turnErr
}
