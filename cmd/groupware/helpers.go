package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"

	messenger "github.com/groupware-io/messenger-sdk-go"
	"github.com/groupware-io/messenger-sdk-go/cache"
)

var errNoToken = errors.New("no token configured; run 'groupware init <token>' first")

// session bundles what a server-facing command needs.
type session struct {
	cfg    *Config
	log    *slog.Logger
	client *messenger.Client
}

// newSession loads the effective config and builds an authenticated client.
func newSession() (*session, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, errNoToken
	}
	log := newLogger(cfg)

	opts := []messenger.ClientOption{messenger.WithLogger(log)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, messenger.WithBaseURL(cfg.Default.BaseURL))
	}
	return &session{
		cfg:    cfg,
		log:    log,
		client: messenger.NewClient(cfg.Auth.Token, opts...),
	}, nil
}

// openStorage opens the badger cache in dir, or an in-memory store when dir
// is empty.
func (s *session) openStorage(dir string) (messenger.Storage, error) {
	if dir == "" {
		return messenger.NewMemoryStorage(), nil
	}
	return cache.Open(dir, s.log)
}

// newEngine builds a sync engine over the session's client.
func (s *session) newEngine(storage messenger.Storage, metrics *messenger.Metrics) (*messenger.Engine, error) {
	if s.cfg.Auth.UserID == "" {
		return nil, errors.New("no user id configured; run 'groupware config set auth.user_id <id>'")
	}
	rt := s.client.Realtime(&messenger.RealtimeConfig{HeartbeatInterval: 30 * time.Second})
	return messenger.NewEngine(s.client, rt, messenger.EngineOptions{
		SelfID:    s.cfg.Auth.UserID,
		Scope:     s.cfg.Default.Scope,
		CompanyID: s.cfg.Default.CompanyID,
		Storage:   storage,
		Metrics:   metrics,
		Logger:    s.log,
	}), nil
}

// ============================================================================
// Output
// ============================================================================

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	return table
}

func renderConversations(w io.Writer, selfID string, convs []messenger.Conversation) {
	table := newTable(w, "ID", "Title", "Unread", "Last message", "At")
	for _, c := range convs {
		last, at := "", ""
		if c.LastMessage != nil {
			last = truncate(c.LastMessage.Body(), 40)
			at = formatTime(c.LastMessage.CreatedAt)
		}
		table.Append([]string{c.ID, c.Title(selfID), fmt.Sprint(c.UnreadCount), last, at})
	}
	table.Render()
}

func renderMessages(w io.Writer, msgs []messenger.Message) {
	table := newTable(w, "At", "Sender", "Message", "Read by")
	for _, m := range msgs {
		table.Append([]string{formatTime(m.CreatedAt), m.SenderID, m.Body(), fmt.Sprint(len(m.ReadBy))})
	}
	table.Render()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// maskToken shows the first and last 4 characters of a credential.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
