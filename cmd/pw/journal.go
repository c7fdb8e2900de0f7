package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/codewiresh/packetwire/internal/config"
	"github.com/codewiresh/packetwire/internal/journal"
)

// ---------------------------------------------------------------------------
// journalCmd
// ---------------------------------------------------------------------------

func journalCmd() *cobra.Command {
	var (
		remote    string
		direction string
		since     time.Duration
		limit     int
		output    string
	)

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show frames recorded by the local node",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch direction {
			case "", journal.Inbound, journal.Outbound:
			default:
				return fmt.Errorf("--direction must be %q or %q", journal.Inbound, journal.Outbound)
			}

			cfg, err := config.LoadConfig(dataDir())
			if err != nil {
				return err
			}
			if _, err := os.Stat(cfg.Journal.Path); err != nil {
				return fmt.Errorf("no journal at %s (enable it with journal.enabled or serve --journal)", cfg.Journal.Path)
			}

			j, err := journal.Open(cfg.Journal.Path)
			if err != nil {
				return err
			}
			defer j.Close()

			q := journal.Query{Remote: remote, Direction: direction, Limit: limit}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			entries, err := j.List(context.Background(), q)
			if err != nil {
				return err
			}
			return writeEntries(os.Stdout, output, entries)
		},
	}

	cmd.Flags().StringVar(&remote, "remote", "", "Only frames exchanged with this remote address")
	cmd.Flags().StringVar(&direction, "direction", "", "Only inbound (in) or outbound (out) frames")
	cmd.Flags().DurationVar(&since, "since", 0, "Only frames recorded within this duration")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of frames (0 = all)")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json, yaml")

	return cmd
}

func writeEntries(w io.Writer, format string, entries []journal.Entry) error {
	if entries == nil {
		entries = []journal.Entry{}
	}
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(entries); err != nil {
			return err
		}
		return enc.Close()
	case "table":
		if len(entries) == 0 {
			fmt.Fprintln(w, "No frames recorded")
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "SEQ\tTIME\tDIR\tREMOTE\tFRAME\tREPLY TO\tTYPE\tPAYLOAD")
		for _, e := range entries {
			replyTo := "-"
			if e.ResponseTo >= 0 {
				replyTo = fmt.Sprint(e.ResponseTo)
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%d\t%s\n",
				e.Seq, e.RecordedAt.Local().Format(time.TimeOnly), e.Direction, e.Remote,
				e.FrameID, replyTo, e.TypeID, payloadPreview(e.Payload))
		}
		return tw.Flush()
	}
	return fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
}

// payloadPreview hex-encodes up to 16 bytes of payload.
func payloadPreview(b []byte) string {
	const max = 16
	if len(b) <= max {
		return hex.EncodeToString(b)
	}
	return fmt.Sprintf("%s... (%d bytes)", hex.EncodeToString(b[:max]), len(b))
}
