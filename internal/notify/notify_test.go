package notify

import (
	"context"
	"errors"
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

	"github.com/alanyoungcy/spotguard/internal/domain"
)

type captureSender struct {
	name   string
	err    error
	mu     sync.Mutex
	titles []string
}

func (c *captureSender) Send(_ context.Context, title, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.titles = append(c.titles, title)
	return c.err
}

func (c *captureSender) Name() string { return c.name }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFilters(t *testing.T) {
	t.Parallel()
	s := &captureSender{name: "cap"}
	n := NewNotifier([]Sender{s}, []string{"forced_removal", " heat_rejected "}, quiet())

	ctx := context.Background()
	require.NoError(t, n.Notify(ctx, domain.Event{Type: domain.EventPositionOpened, Instrument: "BTCUSDT"}))
	require.NoError(t, n.Notify(ctx, domain.Event{Type: domain.EventForcedRemoval, Instrument: "BTCUSDT"}))
	require.NoError(t, n.Notify(ctx, domain.Event{Type: domain.EventHeatRejected}))

	assert.Equal(t, []string{"FORCED REMOVAL BTCUSDT", "Entry rejected: portfolio heat"}, s.titles)
}

func TestNotifierContinuesPastFailingSender(t *testing.T) {
	t.Parallel()
	bad := &captureSender{name: "bad", err: errors.New("boom")}
	good := &captureSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, quiet())

	err := n.NotifyAll(context.Background(), "hello", "world")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
	assert.Len(t, good.titles, 1)
}

func TestFormatEvent(t *testing.T) {
	t.Parallel()
	title, body := FormatEvent(domain.Event{
		Type:       domain.EventPositionClosed,
		Instrument: "ETHUSDT",
		Message:    "position closed",
		Fields:     map[string]any{"net_pnl": 12.5, "reason": "trailing-stop"},
		At:         time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	})
	assert.Equal(t, "Position closed ETHUSDT", title)
	assert.Equal(t, "position closed\nnet_pnl: 12.5\nreason: trailing-stop\nat: 2026-03-02 10:00:00 UTC", body)
}

func TestTelegramSendsToEveryChat(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		chats []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		chats = append(chats, body["chat_id"])
		mu.Unlock()
		if body["chat_id"] == "bad" {
			http.Error(w, "chat not found", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "1", "bad", "2")
	s.baseURL = srv.URL

	err := s.Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat bad")
	assert.Equal(t, []string{"1", "bad", "2"}, chats)
}

func TestDiscordTruncates(t *testing.T) {
	t.Parallel()
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL, "spotguard")
	require.NoError(t, s.Send(context.Background(), "title", strings.Repeat("x", 3000)))
	assert.Equal(t, "spotguard", got["username"])
	assert.Len(t, []rune(got["content"]), discordMaxContent)
}
