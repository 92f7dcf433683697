package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSender struct {
	mu   sync.Mutex
	name string
	got  []string
	err  error
}

func (r *recordingSender) Send(_ context.Context, event, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, event+":"+message)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func (r *recordingSender) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func TestNotifierFilter(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{" Entry", "stop", ""}, discardLogger())

	require.NoError(t, n.Send(context.Background(), "entry", "bought"))
	require.NoError(t, n.Send(context.Background(), "tp1", "filtered"))
	require.NoError(t, n.Send(context.Background(), "stop", "stopped"))

	assert.Equal(t, []string{"entry:bought", "stop:stopped"}, s.messages())
}

func TestNotifierNoFilterAllowsAll(t *testing.T) {
	n := NewNotifier(nil, nil, discardLogger())
	assert.True(t, n.Allowed("anything"))
}

func TestNotifierSenderFailure(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := n.Send(context.Background(), "error", "oops")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Len(t, good.messages(), 1)
}

func TestAsyncDeliversAfterCancel(t *testing.T) {
	s := &recordingSender{name: "rec"}
	a := NewAsync(NewNotifier([]Sender{s}, nil, discardLogger()), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.Notify(ctx, "fatal", "shutting down")
	a.Wait()

	assert.Equal(t, []string{"fatal:shutting down"}, s.messages())
}

func TestAsyncSkipsFilteredEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	a := NewAsync(NewNotifier([]Sender{s}, []string{"entry"}, discardLogger()), 0)

	a.Notify(context.Background(), "tp2", "ignored")
	a.Wait()

	assert.Empty(t, s.messages())
	assert.Equal(t, DefaultTimeout, a.timeout)
}

func TestTelegramSender(t *testing.T) {
	var gotPath string
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &payload)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42", "spot")
	s.baseURL = srv.URL

	require.NoError(t, s.Send(context.Background(), "entry", "BTC/USDT <buy> 1 @ 100"))
	assert.Equal(t, "/botTOKEN/sendMessage", gotPath)
	assert.Equal(t, "42", payload["chat_id"])
	assert.Equal(t, "HTML", payload["parse_mode"])
	assert.Equal(t, "<b>spot</b> <code>entry</code> BTC/USDT &lt;buy&gt; 1 @ 100", payload["text"])
}

func TestTelegramSenderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	s := NewTelegramSender("T", "1", "")
	s.baseURL = srv.URL

	err := s.Send(context.Background(), "stop", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "chat not found")
}

func TestLogSender(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSender(slog.New(slog.NewTextHandler(&buf, nil)))

	require.NoError(t, s.Send(context.Background(), "fatal", "engine died"))
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "engine died")
	assert.Equal(t, "log", s.Name())
}
