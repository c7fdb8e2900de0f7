package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codewiresh/packetwire/internal/auth"
	"github.com/codewiresh/packetwire/internal/config"
)

var (
	serverFlag   string
	tokenFlag    string
	caFlag       string
	insecureFlag bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "pw",
		Short:        "Bidirectional packet connections over TCP and WebSocket",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", "", "Server to connect to (name from servers.toml, host:port, tcp://, unix://, ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "Auth token for a WebSocket server")
	rootCmd.PersistentFlags().StringVar(&caFlag, "ca", "", "PEM CA bundle for tls:// and wss:// servers")
	rootCmd.PersistentFlags().BoolVar(&insecureFlag, "insecure", false, "Skip TLS certificate verification")

	rootCmd.AddCommand(
		serveCmd(),
		sendCmd(),
		listenCmd(),
		journalCmd(),
		tokenCmd(),
		configCmd(),
		serverCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// dataDir returns $PACKETWIRE_DIR, or ~/.packetwire.
func dataDir() string {
	if dir := os.Getenv("PACKETWIRE_DIR"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		fmt.Fprintln(os.Stderr, "[pw] ERROR: $HOME environment variable is not set")
		fmt.Fprintln(os.Stderr, "[pw] WARNING: Using insecure fallback directory /tmp/.packetwire")
		return "/tmp/.packetwire"
	}
	return filepath.Join(home, ".packetwire")
}

// signalContext returns a context cancelled on SIGTERM or SIGINT.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "[pw] shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// resolveTarget turns --server and --token into a dial target and token.
// Without --server it points at the local node's configured listener.
func resolveTarget() (target, token string, err error) {
	dir := dataDir()

	if serverFlag == "" {
		cfg, err := config.LoadConfig(dir)
		if err != nil {
			return "", "", err
		}
		return localTarget(dir, cfg)
	}

	// Check servers.toml for a named entry.
	servers, err := config.LoadServersConfig(dir)
	if err == nil {
		if entry, ok := servers.Servers[serverFlag]; ok {
			token := tokenFlag
			if token == "" {
				token = entry.Token
			}
			return entry.URL, token, nil
		}
	}

	return serverFlag, tokenFlag, nil
}

func localTarget(dir string, cfg *config.Config) (string, string, error) {
	if cfg.Node.Listen != nil {
		return "tcp://" + loopback(*cfg.Node.Listen), tokenFlag, nil
	}
	if cfg.Node.WSListen != nil {
		token := tokenFlag
		if token == "" && cfg.Node.RequireToken {
			token, _ = auth.ReadToken(dir)
		}
		return "ws://" + loopback(*cfg.Node.WSListen) + cfg.Node.WSPath, token, nil
	}
	return "", "", fmt.Errorf("no --server given and the local node has no listener configured")
}

// loopback rewrites a wildcard listen address to one a local client can dial.
func loopback(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
