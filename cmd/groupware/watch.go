package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	messenger "github.com/groupware-io/messenger-sdk-go"
)

var (
	watchFocus       string
	watchCacheDir    string
	watchMetricsAddr string
	watchVisible     bool
)

func init() {
	watchCmd.Flags().StringVar(&watchFocus, "focus", "", "Conversation to open as the room")
	watchCmd.Flags().StringVar(&watchCacheDir, "cache-dir", "", "Badger cache directory (defaults to default.cache_dir)")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	watchCmd.Flags().BoolVar(&watchVisible, "visible", false, "Treat the messenger panel as on screen (suppresses notifications)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the live push channel",
	Long:  "Open the push channel and print connection changes, notifications and, with --focus, the messages of one conversation as they arrive.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}

		dir := watchCacheDir
		if dir == "" {
			dir = s.cfg.Default.CacheDir
		}
		storage, err := s.openStorage(dir)
		if err != nil {
			return err
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		engine, err := s.newEngine(storage, messenger.NewMetrics(reg))
		if err != nil {
			storage.Close()
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if watchMetricsAddr != "" {
			srv := serveMetrics(watchMetricsAddr, reg)
			defer srv.Close()
		}

		out := newWatchPrinter(os.Stdout, s.cfg.Auth.UserID)
		engine.OnNotify(out.notify)
		engine.OnChange(func(c messenger.Change) {
			switch c.Kind {
			case messenger.ChangeConnection:
				out.connection(c.Connected)
			case messenger.ChangeSendFailed:
				out.line(color.Red.Sprintf("send failed in %s (%s)", c.ConversationID, c.ClientID))
			case messenger.ChangeMessages:
				if c.ConversationID == watchFocus {
					// Listeners run on the engine loop; read the log elsewhere.
					go func() {
						msgs, err := engine.Messages(ctx, c.ConversationID)
						if err == nil {
							out.tail(msgs)
						}
					}()
				}
			}
		})

		errCh := make(chan error, 1)
		go func() { errCh <- engine.Run(ctx) }()

		if watchVisible {
			if err := engine.SetPanelVisible(ctx, true); err != nil {
				s.log.Warn("set panel visible", "error", err)
			}
		}
		if watchFocus != "" {
			if err := engine.Focus(ctx, watchFocus); err != nil {
				s.log.Warn("focus conversation", "conversation", watchFocus, "error", err)
			}
		}

		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
		}
	}()
	return srv
}

// watchPrinter serializes output from the engine listeners and the tail
// goroutines.
type watchPrinter struct {
	mu     sync.Mutex
	w      io.Writer
	selfID string
	seen   map[string]bool
}

func newWatchPrinter(w io.Writer, selfID string) *watchPrinter {
	return &watchPrinter{w: w, selfID: selfID, seen: make(map[string]bool)}
}

func (p *watchPrinter) line(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, s)
}

func (p *watchPrinter) connection(connected bool) {
	if connected {
		p.line(color.Green.Sprint("● connected"))
		return
	}
	p.line(color.Yellow.Sprint("○ disconnected"))
}

func (p *watchPrinter) notify(conv messenger.Conversation, msg messenger.Message) {
	p.line(fmt.Sprintf("%s %s: %s",
		color.Cyan.Sprintf("[%s]", conv.Title(p.selfID)), msg.SenderID, msg.Body()))
}

// tail prints the confirmed messages not printed before.
func (p *watchPrinter) tail(msgs []*messenger.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if m.Pending() || p.seen[m.ID] {
			continue
		}
		p.seen[m.ID] = true
		sender := m.SenderID
		if sender == p.selfID {
			sender = "me"
		}
		fmt.Fprintf(p.w, "%s %s: %s\n", formatTime(m.CreatedAt), sender, m.Body())
	}
}
