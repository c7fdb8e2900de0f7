package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/codewiresh/packetwire/internal/auth"
	"github.com/codewiresh/packetwire/internal/config"
	"github.com/codewiresh/packetwire/internal/fanout"
	"github.com/codewiresh/packetwire/internal/journal"
	"github.com/codewiresh/packetwire/internal/logging"
	"github.com/codewiresh/packetwire/internal/node"
	"github.com/codewiresh/packetwire/internal/packet"
	"github.com/codewiresh/packetwire/internal/peer"
)

// ---------------------------------------------------------------------------
// serveCmd (aliases: start)
// ---------------------------------------------------------------------------

func serveCmd() *cobra.Command {
	var (
		listen    string
		wsListen  string
		echo      bool
		journaled bool
	)

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Run a packet server",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := dataDir()
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating data dir: %w", err)
			}

			cfg, err := config.LoadConfig(dir)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if listen != "" {
				cfg.Node.Listen = &listen
			}
			if wsListen != "" {
				cfg.Node.WSListen = &wsListen
			}
			if cmd.Flags().Changed("journal") {
				cfg.Journal.Enabled = journaled
			}
			if cfg.Node.Listen == nil && cfg.Node.WSListen == nil {
				addr := "127.0.0.1:9200"
				cfg.Node.Listen = &addr
			}

			logger, err := logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr)
			if err != nil {
				return err
			}

			opts := []node.Option{node.WithLogger(logger), node.WithDataDir(dir)}

			if cfg.Node.RequireToken {
				if _, err := auth.LoadOrGenerateToken(dir); err != nil {
					return fmt.Errorf("loading auth token: %w", err)
				}
				logger.Info("auth token ready", "file", filepath.Join(dir, "token"))
			}

			if cfg.Journal.Enabled {
				j, err := journal.Open(cfg.Journal.Path,
					journal.WithLogger(logger),
					journal.WithRetention(cfg.Journal.Retention(), 0),
				)
				if err != nil {
					return fmt.Errorf("opening journal: %w", err)
				}
				defer j.Close()
				opts = append(opts, node.WithJournal(j))
				logger.Info("journal enabled", "path", cfg.Journal.Path)
			}

			srv := node.New(packet.NewRegistry(), cfg, opts...)
			srv.AddConnectionListener(node.ConnectionListenerFunc(func(_ context.Context, sc *node.ServerConn, w *fanout.Wait) error {
				w.DontWait()
				logger.Info("client connected", "conn", sc.ID, "remote", sc.RemoteAddr(), "clients", len(srv.Connections()))
				return nil
			}))
			if echo {
				srv.AddPacketListener(peer.ListenerFunc(func(_ context.Context, msg *peer.Message, w *fanout.Wait) error {
					w.DontWait()
					_, err := msg.Reply(msg.Packet)
					return err
				}))
			}

			ctx, cancel := signalContext()
			defer cancel()

			if err := srv.Start(ctx); err != nil {
				return err
			}
			logger.Info("node started", "name", cfg.Node.Name)
			<-ctx.Done()
			return srv.Close()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "TCP listen address (overrides node.listen)")
	cmd.Flags().StringVar(&wsListen, "ws-listen", "", "WebSocket listen address (overrides node.ws_listen)")
	cmd.Flags().BoolVar(&echo, "echo", true, "Reply to every packet with the same packet")
	cmd.Flags().BoolVar(&journaled, "journal", false, "Record frames in the SQLite journal (overrides journal.enabled)")

	return cmd
}

