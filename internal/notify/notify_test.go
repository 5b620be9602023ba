package notify

import (
	"bytes"
	"context"
	"errors"
	"net/smtp"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/accident-detector/internal/metrics"
	"github.com/dj-oyu/accident-detector/pkg/types"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []types.Event
	err    error
}

func (h *recordingHandler) Name() string { return "recording" }

func (h *recordingHandler) Handle(_ context.Context, ev types.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return h.err
}

type panicHandler struct{}

func (panicHandler) Name() string { return "panic" }

func (panicHandler) Handle(context.Context, types.Event) error { panic("boom") }

type blockingHandler struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (h *blockingHandler) Name() string { return "blocking" }

func (h *blockingHandler) Handle(context.Context, types.Event) error {
	h.once.Do(func() { close(h.started) })
	<-h.release
	return nil
}

func clipStarted(path string) types.Event {
	return types.Event{Kind: types.EventClipStarted, ClipPath: path, Time: time.Now(), FrameNum: 9}
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	rec := &recordingHandler{}
	d := NewDispatcher(8, time.Second, nil, rec)

	require.NoError(t, d.Notify(clipStarted("a.mp4")))
	require.NoError(t, d.Notify(types.Event{Kind: types.EventClipFinished, ClipPath: "a.mp4"}))
	require.NoError(t, d.Close())

	require.Len(t, rec.events, 2)
	assert.Equal(t, types.EventClipStarted, rec.events[0].Kind)
	assert.Equal(t, types.EventClipFinished, rec.events[1].Kind)

	assert.ErrorIs(t, d.Notify(clipStarted("b.mp4")), ErrClosed)
	assert.NoError(t, d.Close(), "close is idempotent")
}

func TestDispatcherIsolatesHandlerFailures(t *testing.T) {
	m := metrics.New()
	failing := &recordingHandler{err: errors.New("smtp down")}
	after := &recordingHandler{}
	d := NewDispatcher(4, time.Second, m, panicHandler{}, failing, after)

	require.NoError(t, d.Notify(clipStarted("a.mp4")))
	require.NoError(t, d.Close())

	assert.Len(t, after.events, 1, "handlers after a panicking one still run")
	assert.Equal(t, uint64(2), m.CallbackErrors.Load())
}

func TestDispatcherQueueFull(t *testing.T) {
	h := &blockingHandler{started: make(chan struct{}), release: make(chan struct{})}
	d := NewDispatcher(1, 0, nil, h)

	require.NoError(t, d.Notify(clipStarted("1.mp4")))
	<-h.started
	require.NoError(t, d.Notify(clipStarted("2.mp4")))
	assert.ErrorIs(t, d.Notify(clipStarted("3.mp4")), ErrQueueFull)

	close(h.release)
	require.NoError(t, d.Close())
}

func TestConsole(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)

	require.NoError(t, c.Handle(context.Background(), clipStarted("out/accidente_detectado_20240101_000000.mp4")))
	require.NoError(t, c.Handle(context.Background(), types.Event{Kind: types.EventClipFinished}))
	assert.Equal(t, "¡ACCIDENTE DETECTADO! Video guardado en: out/accidente_detectado_20240101_000000.mp4\n", buf.String())
}

type sentMail struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	msg  string
}

func TestSMTPNotifier(t *testing.T) {
	var sent []sentMail
	n := NewSMTPNotifier(SMTPConfig{
		Host:        "mail.example.com",
		Port:        587,
		From:        "alerts@example.com",
		To:          []string{"ops@example.com", "oncall@example.com"},
		Username:    "alerts",
		Password:    "from-env",
		MinInterval: time.Hour,
	})
	n.SetSendMail(func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		sent = append(sent, sentMail{addr, a, from, to, string(msg)})
		return nil
	})

	ev := clipStarted("clips/accidente_severe_20240101_000000.mp4")
	ev.Detections = []types.Detection{{Label: "severe", Confidence: 0.87}}

	require.NoError(t, n.Handle(context.Background(), types.Event{Kind: types.EventSnapshot}))
	assert.Empty(t, sent, "only clip starts are mailed")

	require.NoError(t, n.Handle(context.Background(), ev))
	require.Len(t, sent, 1)
	assert.Equal(t, "mail.example.com:587", sent[0].addr)
	assert.NotNil(t, sent[0].auth)
	assert.Equal(t, "alerts@example.com", sent[0].from)
	assert.Contains(t, sent[0].msg, "Subject: Accidente Detectado")
	assert.Contains(t, sent[0].msg, "To: ops@example.com, oncall@example.com")
	assert.Contains(t, sent[0].msg, "Video: clips/accidente_severe_20240101_000000.mp4")
	assert.Contains(t, sent[0].msg, "Detection: severe 0.87")
	assert.NotContains(t, sent[0].msg, "from-env")

	require.NoError(t, n.Handle(context.Background(), ev))
	assert.Len(t, sent, 1, "second mail inside the interval is suppressed")
}

func TestSMTPNotifierSendError(t *testing.T) {
	n := NewSMTPNotifier(SMTPConfig{Host: "localhost", Port: 25, From: "a@b", To: []string{"c@d"}})
	n.SetSendMail(func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	})
	assert.Error(t, n.Handle(context.Background(), clipStarted("x.mp4")))
	assert.Nil(t, n.auth, "no auth without a username")
}

func TestCommandHook(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	out := filepath.Join(t.TempDir(), "event.json")
	h, err := NewCommandHook([]string{"sh", "-c", `cat > "$0"; echo "$ACCIDENT_EVENT $ACCIDENT_CLIP" >> "$0"`, out})
	require.NoError(t, err)

	require.NoError(t, h.Handle(context.Background(), clipStarted("clip.mp4")))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"clip_started"`)
	assert.True(t, strings.HasSuffix(string(data), "clip_started clip.mp4\n"))

	failing, err := NewCommandHook([]string{"sh", "-c", "echo nope >&2; exit 3"})
	require.NoError(t, err)
	err = failing.Handle(context.Background(), clipStarted("clip.mp4"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")

	_, err = NewCommandHook(nil)
	assert.Error(t, err)
}
