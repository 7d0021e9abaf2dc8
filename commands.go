package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/gastownhall/sessionlink/internal/config"
	"github.com/gastownhall/sessionlink/internal/conn"
	"github.com/gastownhall/sessionlink/internal/dispatch"
	"github.com/gastownhall/sessionlink/internal/history"
	"github.com/gastownhall/sessionlink/internal/status"
	"github.com/gastownhall/sessionlink/internal/termstream"
	"github.com/gastownhall/sessionlink/internal/transport"
	"github.com/gastownhall/sessionlink/internal/wire"
)

func newDispatcher(cfg config.Config, logger pslog.Logger, merger *history.Merger) *dispatch.Dispatcher {
	return dispatch.New(dispatch.Options{
		Dialer:          transport.NewWebSocketDialer(cfg.Server.URL, cfg.Server.Token),
		Policy:          cfg.Policy(),
		QueueCapacity:   cfg.Delivery.QueueCapacity,
		AckTimeout:      cfg.AckTimeout(),
		MaxRetained:     cfg.Delivery.MaxRetainedFailed,
		MaxPendingBytes: cfg.Terminal.MaxPendingBytes,
		ScreenCols:      cfg.Terminal.ScreenCols,
		ScreenRows:      cfg.Terminal.ScreenRows,
		Merger:          merger,
		Logger:          logger,
	})
}

// watchConfig applies ack timeout changes while a command runs.
func watchConfig(ctx context.Context, logger pslog.Logger, d *dispatch.Dispatcher) {
	path := configPath
	if path == "" {
		var err error
		if path, err = config.DefaultConfigPath(); err != nil {
			return
		}
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := config.Watch(ctx, path, logger, func(cfg config.Config) {
		d.SetAckTimeout(cfg.AckTimeout())
		logger.Info("ack timeout updated; other settings apply on next start", "ack_timeout", cfg.AckTimeout())
	}); err != nil {
		logger.Warn("config watch disabled", "err", err)
	}
}

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [message...]",
		Short: "Send chat messages on the command channel",
		Long:  "Sends the message given as arguments, or one message per line read from stdin, and prints each reply.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := context.WithCancel(cmd.Context())
			defer stop()
			merger := history.New(nil, history.Options{PageSize: cfg.History.PageSize, Logger: logger})
			d := newDispatcher(cfg, logger, merger)
			defer d.Shutdown()
			watchConfig(ctx, logger, d)

			events, cancel := d.Subscribe()
			defer cancel()
			if err := d.Open(wire.Command); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			send := func(text string) error {
				id, err := d.Send(wire.Command, wire.ClaudeCommand(text, cfg.Project.Path, cfg.Session.ID))
				if err != nil {
					return err
				}
				return awaitTurn(ctx, out, d, events, id)
			}

			if len(args) > 0 {
				return send(strings.Join(args, " "))
			}
			scanner := bufio.NewScanner(cmd.InOrStdin())
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if err := send(line); err != nil {
					return err
				}
			}
			return scanner.Err()
		},
	}
}

// awaitTurn waits for the reply to message id and prints it.
func awaitTurn(ctx context.Context, out io.Writer, d *dispatch.Dispatcher, events <-chan dispatch.Event, id string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return errors.New("dispatcher stopped")
			}
			switch ev.Type {
			case dispatch.EventConnection:
				if err := connectionError(ev.Conn); err != nil {
					return err
				}
			case dispatch.EventStatus:
				if ev.Change.ID == id && ev.Change.To == status.Failed {
					return fmt.Errorf("message not delivered: %w", ev.Change.Err)
				}
			case dispatch.EventSession:
				fmt.Fprintf(out, "session %s\n", ev.SessionID)
			case dispatch.EventChatError:
				return fmt.Errorf("remote: %s", ansi.Strip(ev.Message))
			case dispatch.EventTurnComplete:
				msgs := d.Merger().Snapshot()
				for i := len(msgs) - 1; i >= 0; i-- {
					if msgs[i].Role == history.RoleAssistant {
						fmt.Fprintln(out, ansi.Strip(msgs[i].Text))
						break
					}
				}
				d.Acknowledge(id)
				return nil
			}
		}
	}
}

func connectionError(ev conn.Event) error {
	switch ev.Type {
	case conn.EventFatal:
		return fmt.Errorf("connection rejected: %w", ev.Err)
	case conn.EventConnectionLost:
		return fmt.Errorf("connection lost: %w", ev.Err)
	}
	return nil
}

func newShellCmd() *cobra.Command {
	var cwd string
	cmd := &cobra.Command{
		Use:   "shell <command...>",
		Short: "Run a command on the shell channel",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cwd == "" {
				cwd = cfg.Project.Path
			}
			ctx := cmd.Context()
			d := newDispatcher(cfg, logger, nil)
			defer d.Shutdown()
			events, cancel := d.Subscribe()
			defer cancel()
			if err := d.Open(wire.Shell); err != nil {
				return err
			}
			if _, err := d.RunShell(strings.Join(args, " "), cwd); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			col := 0
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case ev, ok := <-events:
					if !ok {
						return errors.New("dispatcher stopped")
					}
					switch ev.Type {
					case dispatch.EventConnection:
						if err := connectionError(ev.Conn); err != nil {
							return err
						}
					case dispatch.EventShellOutput:
						fmt.Fprint(out, termstream.PlainText(ev.Runs))
						col = termstream.Column(col, ev.Runs)
					case dispatch.EventShellError:
						return fmt.Errorf("remote: %s", ansi.Strip(ev.Message))
					case dispatch.EventShellExit:
						if col > 0 {
							fmt.Fprintln(out)
						}
						exitCode = ev.ExitCode
						return nil
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory (default project.path)")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var all bool
	var session string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print a session's message history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if session == "" {
				session = cfg.Session.ID
			}
			if session == "" {
				return errors.New("no session: set session.id or pass --session")
			}
			fetcher := &history.HTTPFetcher{
				BaseURL: cfg.Server.URL,
				Token:   cfg.Server.Token,
				Project: cfg.ProjectName(),
				Session: session,
			}
			merger := history.New(fetcher, history.Options{PageSize: cfg.History.PageSize, Logger: logger})
			ctx := cmd.Context()
			res, err := merger.LoadInitial(ctx)
			if err != nil {
				return err
			}
			for all && res.HasMore {
				if res, err = merger.LoadOlder(ctx); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			msgs := merger.Snapshot()
			if len(msgs) == 0 {
				fmt.Fprintln(out, "no messages")
				return nil
			}
			for _, m := range msgs {
				fmt.Fprintf(out, "[%s] %s\n", m.Role, ansi.Strip(m.Text))
			}
			if merger.HasMore() {
				fmt.Fprintln(out, "(older messages available, use --all)")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "load every page")
	cmd.Flags().StringVar(&session, "session", "", "session id (default session.id)")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the config file",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.WriteDefault(configPath, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}
