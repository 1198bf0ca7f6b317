package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

type captureSender struct {
	mu     sync.Mutex
	titles []string
}

func (c *captureSender) Send(_ context.Context, title, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.titles = append(c.titles, title)
	return nil
}

func (c *captureSender) Name() string { return "capture" }

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.titles)
}

func event(t *testing.T, kind domain.EventKind, payload any) domain.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return domain.Event{Seq: 1, Kind: kind, Data: raw}
}

func TestNotifierFiltersAndDelivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender := &captureSender{}
	n := NewNotifier([]Sender{sender}, []string{"market.resolved", EventInvariantViolation}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go func() { _ = n.Run(ctx) }()

	n.HandleEvents(ctx, []domain.Event{
		event(t, domain.EventOrderPlaced, map[string]any{"order": 1}),
		event(t, domain.EventMarketCancelled, domain.MarketCancelled{Market: 2}),
		event(t, domain.EventMarketResolved, domain.MarketResolved{Market: 3, Winner: 1, Label: "no"}),
	})
	n.Notify(ctx, EventInvariantViolation, "Invariant violation", "buy_outcome")
	n.Notify(ctx, "market.created", "ignored", "")

	require.Eventually(t, func() bool { return sender.count() == 2 }, time.Second, 10*time.Millisecond)
	sender.mu.Lock()
	assert.Equal(t, []string{"Market 3 resolved", "Invariant violation"}, sender.titles)
	sender.mu.Unlock()
}

func TestNotifierWithoutSendersIsDisabled(t *testing.T) {
	n := NewNotifier(nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.False(t, n.Enabled())
	n.Notify(context.Background(), "anything", "t", "m")
	assert.Empty(t, n.queue)
}

func TestDiscordSender(t *testing.T) {
	var body map[string]string
	status := http.StatusNoContent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	d := NewDiscordSender(srv.URL)
	require.NoError(t, d.Send(context.Background(), "Market 1 resolved", "Winner: yes"))
	assert.Equal(t, "**Market 1 resolved**\nWinner: yes", body["content"])

	status = http.StatusBadRequest
	err := d.Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestTelegramSender(t *testing.T) {
	var (
		mu   sync.Mutex
		sent []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"ledger","username":"ledger_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			_ = r.ParseForm()
			mu.Lock()
			sent = append(sent, r.Form.Get("chat_id")+"|"+r.Form.Get("text"))
			mu.Unlock()
			_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	_, err := NewTelegramSender("token", "not-a-number")
	require.Error(t, err)

	tg, err := newTelegramSender("token", "42", srv.URL+"/bot%s/%s")
	require.NoError(t, err)
	require.NoError(t, tg.Send(context.Background(), "Market 3 resolved", "Winner: no"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sent, 1)
	assert.True(t, strings.HasPrefix(sent[0], "42|*Market 3 resolved*"))
}
