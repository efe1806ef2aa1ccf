package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nimburion/chatstream/pkg/chat"
	"github.com/nimburion/chatstream/pkg/client"
	"github.com/nimburion/chatstream/pkg/config"
	"github.com/nimburion/chatstream/pkg/identity"
	"github.com/nimburion/chatstream/pkg/observability/logger"
	"github.com/nimburion/chatstream/pkg/outbound"
	"github.com/nimburion/chatstream/pkg/presence"
	"github.com/nimburion/chatstream/pkg/realtime/sse"
)

const exitCommand = "/exit"

// syncWriter serializes writes from the room goroutine and the input loop.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format, args...)
}

func dialConfig(cfg *config.Config, log logger.Logger) sse.DialConfig {
	return sse.DialConfig{
		WithCredentials: cfg.Stream.WithCredentials,
		QueueSize:       cfg.Stream.EventQueue,
		Logger:          log,
	}
}

func outboundConfig(cfg *config.Config, log logger.Logger) outbound.Config {
	return outbound.Config{
		BaseURL:       cfg.Endpoints.BaseURL,
		MessagesPath:  cfg.Endpoints.MessagesPath,
		MinLength:     cfg.Outbound.MinLength,
		MaxLength:     cfg.Outbound.MaxLength,
		Timeout:       cfg.Outbound.Timeout,
		RatePerSecond: cfg.Outbound.RatePerSecond,
		Burst:         cfg.Outbound.Burst,
		Logger:        log,
	}
}

// entryPrinter prints the entries of each view that were not printed yet.
type entryPrinter struct {
	out     *syncWriter
	mu      sync.Mutex
	lastKey string
}

func (p *entryPrinter) print(v chat.View) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := 0
	if p.lastKey != "" {
		for i, e := range v.Entries {
			if e.Key == p.lastKey {
				start = i + 1
				break
			}
		}
	}
	for _, e := range v.Entries[start:] {
		if e.Mine {
			p.out.Printf("* %s\n", e.Text)
		} else {
			p.out.Printf("  %s\n", e.Text)
		}
	}
	if n := len(v.Entries); n > 0 {
		p.lastKey = v.Entries[n-1].Key
	}
}

func newJoinCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "join [room]",
		Short: "Join a room and chat from stdin",
		Long:  "Join a room. Each input line is sent as a message; " + exitCommand + " leaves the room.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load(cmd.Flags())
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Identity.Room = args[0]
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runJoin(ctx, cfg, log, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func runJoin(ctx context.Context, cfg *config.Config, log logger.Logger, in io.Reader, stdout, stderr io.Writer) error {
	store, err := identity.NewStore()
	if err != nil {
		return err
	}
	store.Set(identity.Patch{Name: identity.String(cfg.Identity.Name), Room: identity.String(cfg.Identity.Room)})

	if cfg.Observability.MetricsAddr != "" {
		defer startMetricsServer(cfg.Observability.MetricsAddr, log)()
	}
	defer startTracing(ctx, cfg, log)()

	out := &syncWriter{w: stdout}
	errOut := &syncWriter{w: stderr}
	printer := &entryPrinter{out: out}
	exited := make(chan error, 1)

	c, err := client.New(client.Config{
		BaseURL:      cfg.Endpoints.BaseURL,
		RoomsPath:    cfg.Endpoints.RoomsPath,
		MessagesPath: cfg.Endpoints.MessagesPath,
		Capacity:     cfg.Stream.BufferCapacity,
		Dial:         dialConfig(cfg, log),
		Outbound:     outboundConfig(cfg, log),
		Identity:     store,
		Logger:       log,
		OnRoomUpdate: printer.print,
		OnRoomExit:   func(err error) { exited <- err },
		Notifier: outbound.NotifierFunc(func(err error) {
			errOut.Printf("! message not sent: %v\n", err)
		}),
	})
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Join(ctx); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	ident := store.Get()
	errOut.Printf("joining %s as %s (type %s to leave)\n", ident.Room, ident.Name, exitCommand)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-exited:
			return fmt.Errorf("left room: %w", err)
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == exitCommand {
				return nil
			}
			if c.Snapshot().Connecting() {
				errOut.Printf("! still connecting\n")
				continue
			}
			if err := c.Send(ctx, line); err != nil {
				errOut.Printf("! %v\n", err)
			}
		}
	}
}

func newRoomsCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "rooms",
		Short: "Follow the occupied rooms",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runRooms(ctx, cfg, log, cmd.OutOrStdout())
		},
	}
}

func runRooms(ctx context.Context, cfg *config.Config, log logger.Logger, stdout io.Writer) error {
	if cfg.Observability.MetricsAddr != "" {
		defer startMetricsServer(cfg.Observability.MetricsAddr, log)()
	}

	out := &syncWriter{w: stdout}
	w, err := presence.Watch(ctx, presence.Config{
		BaseURL:   cfg.Endpoints.BaseURL,
		RoomsPath: cfg.Endpoints.RoomsPath,
		Dial:      dialConfig(cfg, log),
		Logger:    log,
		OnUpdate:  func(m presence.Map) { out.Printf("%s", formatRooms(m)) },
	})
	if err != nil {
		return err
	}
	defer w.Close()

	select {
	case <-ctx.Done():
		return nil
	case <-w.Done():
		return w.Err()
	}
}

// formatRooms renders m as a table, busiest room first.
func formatRooms(m presence.Map) string {
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ROOM\tUSERS\n")
	for _, r := range m.Sorted() {
		fmt.Fprintf(tw, "%s\t%s\n", r.ID, presence.FormatCount(r.Count))
	}
	_ = tw.Flush()
	fmt.Fprintf(&b, "%d rooms, %s users\n\n", len(m), presence.FormatCount(m.Total()))
	return b.String()
}

func newSendCommand(load configLoader) *cobra.Command {
	var senderID string
	cmd := &cobra.Command{
		Use:   "send <room> <message...>",
		Short: "Send one message to a room",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load(cmd.Flags())
			if err != nil {
				return err
			}
			store, err := identity.NewStore()
			if err != nil {
				return err
			}
			if senderID != "" {
				store.Set(identity.Patch{ID: identity.String(senderID)})
			}
			store.Set(identity.Patch{Name: identity.String(cfg.Identity.Name)})
			ident, err := store.JoinRoom(args[0])
			if err != nil {
				return err
			}

			sender, err := outbound.NewSender(outboundConfig(cfg, log))
			if err != nil {
				return err
			}
			defer startTracing(cmd.Context(), cfg, log)()
			if err := sender.Send(cmd.Context(), ident.Room, ident.ID, ident.Name, strings.Join(args[1:], " ")); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent to %s as %s\n", ident.Room, ident.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&senderID, "sender-id", "", "sender id (generated when empty)")
	return cmd
}
