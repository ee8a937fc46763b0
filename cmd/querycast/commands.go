package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/btouchard/querycast/internal/auth"
	"github.com/btouchard/querycast/internal/client"
	"github.com/btouchard/querycast/internal/event"
	"github.com/btouchard/querycast/internal/warehouse"
)

func newCheckCmd() *cobra.Command {
	var (
		configPath string
		ping       bool
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "configuration is valid")

			if ping {
				ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
				defer cancel()
				if err := warehouse.Ping(ctx, cfg.Warehouse.Driver, cfg.Warehouse.DSN); err != nil {
					return fmt.Errorf("warehouse unreachable: %w", err)
				}
				fmt.Fprintf(out, "warehouse %s is reachable\n", cfg.Warehouse.Driver)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	cmd.Flags().BoolVar(&ping, "ping", false, "also test the warehouse connection")
	return cmd
}

func newWatchCmd() *cobra.Command {
	var (
		server    string
		token     string
		untilDone bool
		retries   int
	)

	cmd := &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Follow a session's event stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("QUERYCAST_TOKEN")
			}

			w, err := client.NewWatcher(client.Options{
				BaseURL:    server,
				Token:      token,
				SessionID:  args[0],
				MaxRetries: retries,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return w.Watch(ctx, printEvents(cmd.OutOrStdout(), untilDone))
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://127.0.0.1:8430", "querycast base URL")
	cmd.Flags().StringVar(&token, "token", "", "API token (default $QUERYCAST_TOKEN)")
	cmd.Flags().BoolVar(&untilDone, "until-done", false, "exit after the first terminal event")
	cmd.Flags().IntVar(&retries, "retries", 5, "reconnect attempts before giving up")
	return cmd
}

// printEvents writes one line per event, skipping heartbeats.
func printEvents(out io.Writer, untilDone bool) func(event.Event) error {
	return func(e event.Event) error {
		if e.Type == event.KindHeartbeat {
			return nil
		}
		fmt.Fprintln(out, formatEvent(e))
		if untilDone && e.IsTerminal() {
			return client.ErrStop
		}
		return nil
	}
}

func formatEvent(e event.Event) string {
	line := fmt.Sprintf("%s %-12s", e.Timestamp.Local().Format(time.TimeOnly), e.Type)
	if e.TaskID != "" {
		line += " " + e.TaskID
	}
	if e.Status != "" {
		line += " status=" + e.Status
	}
	if e.Step != "" {
		line += " step=" + e.Step
	}
	if e.Message != "" {
		line += " " + e.Message
	}
	if len(e.Payload) > 0 {
		line += " " + string(e.Payload)
	}
	return line
}

func newHashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token [token]",
		Short: "Hash an API token for the config file, generating one when omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				generated, err := auth.GenerateToken()
				if err != nil {
					return err
				}
				token = generated
				fmt.Fprintf(out, "token: %s\n", token)
			}
			if token == "" {
				return errors.New("token must not be empty")
			}

			fmt.Fprintf(out, "token_hash: %s\n", auth.HashToken(token))
			return nil
		},
	}
}
