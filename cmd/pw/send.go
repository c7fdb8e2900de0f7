package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"
	"unicode/utf16"

	"github.com/spf13/cobra"

	"github.com/codewiresh/packetwire/internal/client"
	"github.com/codewiresh/packetwire/internal/connection"
	"github.com/codewiresh/packetwire/internal/fanout"
	"github.com/codewiresh/packetwire/internal/packet"
	"github.com/codewiresh/packetwire/internal/peer"
)

// ---------------------------------------------------------------------------
// sendCmd
// ---------------------------------------------------------------------------

func sendCmd() *cobra.Command {
	var (
		kind    string
		wait    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send [value]",
		Short: "Send a primitive packet, optionally waiting for the reply",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := ""
			if len(args) == 1 {
				raw = args[0]
			}
			p, err := parsePrimitive(kind, raw)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			c, err := dial(ctx, peer.WithTimeout(timeout))
			if err != nil {
				return err
			}
			defer c.Close()

			if !wait {
				id, err := c.Send(p)
				if err != nil {
					return fmt.Errorf("sending: %w", err)
				}
				fmt.Fprintf(os.Stderr, "[pw] sent frame %d\n", id)
				return nil
			}

			reply, err := c.SendWithResponse(ctx, p)
			if err != nil {
				return fmt.Errorf("sending: %w", err)
			}
			if reply == nil {
				return fmt.Errorf("no reply within %s", timeout)
			}
			fmt.Println(describe(reply))
			return nil
		},
	}

	cmd.Flags().StringVarP(&kind, "type", "t", "string", "Value type: null, bool, byte, short, char, int, long, float, double, string")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for a reply and print it")
	cmd.Flags().DurationVar(&timeout, "timeout", peer.DefaultTimeout, "How long to wait for a reply")

	return cmd
}

// ---------------------------------------------------------------------------
// listenCmd
// ---------------------------------------------------------------------------

func listenCmd() *cobra.Command {
	var echo bool

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print every packet received from a server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			printer := peer.ListenerFunc(func(_ context.Context, msg *peer.Message, w *fanout.Wait) error {
				w.DontWait()
				fmt.Println(describe(msg))
				if echo {
					_, err := msg.Reply(msg.Packet)
					return err
				}
				return nil
			})

			c, err := dial(ctx, peer.WithListener(printer), peer.WithOnClose(func(*peer.Conn) { cancel() }))
			if err != nil {
				return err
			}
			defer c.Close()

			fmt.Fprintf(os.Stderr, "[pw] listening on %s (Ctrl+C to stop)\n", c.RemoteAddr())
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().BoolVar(&echo, "echo", false, "Reply to every packet with the same packet")

	return cmd
}

func dial(ctx context.Context, opts ...peer.Option) (*peer.Conn, error) {
	target, token, err := resolveTarget()
	if err != nil {
		return nil, err
	}
	dialOpts := []client.Option{
		client.WithToken(token),
		client.WithConnOptions(opts...),
	}
	if caFlag != "" || insecureFlag {
		tlsCfg, err := connection.ClientTLS(caFlag, insecureFlag)
		if err != nil {
			return nil, err
		}
		dialOpts = append(dialOpts, client.WithTLS(tlsCfg))
	}
	return client.Dial(ctx, target, packet.NewRegistry(), dialOpts...)
}

// parsePrimitive builds a Primitive of the named kind from its text form.
func parsePrimitive(kind, raw string) (*packet.Primitive, error) {
	switch kind {
	case "null":
		return packet.Null(), nil
	case "string":
		return packet.String(raw), nil
	case "bool":
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing bool %q: %w", raw, err)
		}
		return packet.Bool(v), nil
	case "byte", "short", "int", "long":
		bits := map[string]int{"byte": 8, "short": 16, "int": 32, "long": 64}[kind]
		v, err := strconv.ParseInt(raw, 10, bits)
		if err != nil {
			return nil, fmt.Errorf("parsing %s %q: %w", kind, raw, err)
		}
		switch kind {
		case "byte":
			return packet.Byte(int8(v)), nil
		case "short":
			return packet.Short(int16(v)), nil
		case "int":
			return packet.Int(int32(v)), nil
		}
		return packet.Long(v), nil
	case "char":
		units := utf16.Encode([]rune(raw))
		if len(units) != 1 {
			return nil, fmt.Errorf("char must be a single UTF-16 code unit, got %q", raw)
		}
		return packet.Char(units[0]), nil
	case "float":
		v, err := strconv.ParseFloat(raw, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing float %q: %w", raw, err)
		}
		return packet.Float(float32(v)), nil
	case "double":
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing double %q: %w", raw, err)
		}
		return packet.Double(v), nil
	}
	return nil, fmt.Errorf("unknown type %q", kind)
}

// describe renders a received message on one line.
func describe(msg *peer.Message) string {
	prefix := fmt.Sprintf("frame=%d", msg.FrameID)
	if msg.ResponseTo >= 0 {
		prefix += fmt.Sprintf(" response_to=%d", msg.ResponseTo)
	}
	p, ok := msg.Packet.(*packet.Primitive)
	if !ok {
		return fmt.Sprintf("%s %T", prefix, msg.Packet)
	}
	switch p.Kind() {
	case packet.KindNull:
		return prefix + " null"
	case packet.KindString:
		return fmt.Sprintf("%s string %q", prefix, p.Value())
	case packet.KindChar:
		return fmt.Sprintf("%s char %q", prefix, rune(p.Value().(uint16)))
	}
	return fmt.Sprintf("%s %s %v", prefix, p.Kind(), p.Value())
}
