package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/codewiresh/packetwire/internal/auth"
	"github.com/codewiresh/packetwire/internal/config"
)

// ---------------------------------------------------------------------------
// tokenCmd
// ---------------------------------------------------------------------------

func tokenCmd() *cobra.Command {
	var regenerate bool

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print the local node's auth token",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := dataDir()
			var (
				token string
				err   error
			)
			if regenerate {
				token, err = auth.GenerateToken(dir)
			} else {
				token, err = auth.LoadOrGenerateToken(dir)
			}
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().BoolVar(&regenerate, "regenerate", false, "Replace the token with a new random one")

	return cmd
}

// ---------------------------------------------------------------------------
// configCmd
// ---------------------------------------------------------------------------

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the node configuration",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration as YAML",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.LoadConfig(dataDir())
				if err != nil {
					return err
				}
				out, err := yaml.Marshal(cfg)
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(out)
				return err
			},
		},
		&cobra.Command{
			Use:   "init",
			Short: "Write the default config.toml",
			RunE: func(cmd *cobra.Command, args []string) error {
				dir := dataDir()
				path := filepath.Join(dir, "config.toml")
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists", path)
				}
				cfg := config.Default()
				addr := "127.0.0.1:9200"
				cfg.Node.Listen = &addr
				if err := cfg.Save(dir); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "Wrote %s\n", path)
				return nil
			},
		},
	)

	return cmd
}

// ---------------------------------------------------------------------------
// serverCmd
// ---------------------------------------------------------------------------

func serverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage saved server targets",
	}

	cmd.AddCommand(
		serverAddCmd(),
		serverRemoveCmd(),
		serverListCmd(),
	)

	return cmd
}

func serverAddCmd() *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "add <name> <target>",
		Short: "Save a server target",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, target := args[0], args[1]
			if err := config.ValidateNodeName(name); err != nil {
				return err
			}

			dir := dataDir()
			servers, err := config.LoadServersConfig(dir)
			if err != nil {
				return err
			}
			servers.Servers[name] = config.ServerEntry{URL: target, Token: token}
			if err := servers.Save(dir); err != nil {
				return err
			}

			fmt.Fprintf(os.Stderr, "Server %q added\n", name)
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Auth token for a WebSocket server")

	return cmd
}

func serverRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a saved server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			dir := dataDir()

			servers, err := config.LoadServersConfig(dir)
			if err != nil {
				return err
			}
			if _, ok := servers.Servers[name]; !ok {
				return fmt.Errorf("server %q not found", name)
			}
			delete(servers.Servers, name)
			if err := servers.Save(dir); err != nil {
				return err
			}

			fmt.Fprintf(os.Stderr, "Server %q removed\n", name)
			return nil
		},
	}
}

func serverListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			servers, err := config.LoadServersConfig(dataDir())
			if err != nil {
				return err
			}
			if len(servers.Servers) == 0 {
				fmt.Println("No saved servers")
				return nil
			}

			names := make([]string, 0, len(servers.Servers))
			for name := range servers.Servers {
				names = append(names, name)
			}
			sort.Strings(names)

			fmt.Printf("%-20s %s\n", "NAME", "TARGET")
			for _, name := range names {
				fmt.Printf("%-20s %s\n", name, servers.Servers[name].URL)
			}
			return nil
		},
	}
}
