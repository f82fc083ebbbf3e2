package driver

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const fakeDriverScript = `
while IFS= read -r line; do
  case "$line" in
    *'"type":"initialize"'*)
      echo '{"type":"qr","qr":"2@abc"}'
      echo '{"type":"ready"}'
      ;;
    *'"type":"send"'*)
      id=$(printf '%s' "$line" | sed 's/.*"id":"\([^"]*\)".*/\1/')
      case "$line" in
        *'"target":"bad@c.us"'*) echo "{\"type\":\"error\",\"id\":\"$id\",\"error\":\"no such chat\"}" ;;
        *) echo "{\"type\":\"sent\",\"id\":\"$id\",\"message_id\":\"msg-$id\"}" ;;
      esac
      ;;
    *'"type":"destroy"'*)
      exit 0
      ;;
  esac
done
`

func startScript(t *testing.T, script string) (Driver, string) {
	t.Helper()
	dir := t.TempDir()
	rt := NewExecRuntime([]string{"sh", "-c", script}, dir, nil)
	rt.StopTimeout = 200 * time.Millisecond

	d, err := rt.Start(context.Background(), StartOptions{SessionID: "ws_1"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { d.Destroy(context.Background()) })
	return d, dir
}

func nextEvent(t *testing.T, d Driver) Event {
	t.Helper()
	select {
	case ev, ok := <-d.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for driver event")
	}
	return Event{}
}

func TestNewExecRuntime_DefaultSessionDir(t *testing.T) {
	rt := NewExecRuntime([]string{"true"}, "", nil)

	expected := filepath.Join(os.TempDir(), "sessionplane", "sessions")
	if rt.SessionDir != expected {
		t.Errorf("expected SessionDir %s, got %s", expected, rt.SessionDir)
	}
}

func TestStart_EmptyCommand(t *testing.T) {
	rt := NewExecRuntime(nil, t.TempDir(), nil)

	_, err := rt.Start(context.Background(), StartOptions{SessionID: "ws_1"})
	if err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestStart_CreatesSessionDataDir(t *testing.T) {
	_, dir := startScript(t, fakeDriverScript)

	info, err := os.Stat(filepath.Join(dir, "ws_1"))
	if err != nil {
		t.Fatalf("session data dir missing: %v", err)
	}
	if !info.IsDir() {
		t.Error("expected a directory")
	}
}

func TestStart_PassesSessionEnv(t *testing.T) {
	d, dir := startScript(t, `echo "{\"type\":\"qr\",\"qr\":\"$SESSION_ID|$SESSION_DATA_DIR\"}"; read -r _`)

	ev := nextEvent(t, d)
	want := "ws_1|" + filepath.Join(dir, "ws_1")
	if ev.Kind != EventQR || ev.QR != want {
		t.Errorf("expected qr %q, got %+v", want, ev)
	}
}

func TestExecDriver_InitializeEmitsEvents(t *testing.T) {
	d, _ := startScript(t, fakeDriverScript)

	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	ev := nextEvent(t, d)
	if ev.Kind != EventQR || ev.QR != "2@abc" {
		t.Errorf("expected qr event, got %+v", ev)
	}
	ev = nextEvent(t, d)
	if ev.Kind != EventReady {
		t.Errorf("expected ready event, got %+v", ev)
	}
}

func TestExecDriver_SendMessageReturnsMessageID(t *testing.T) {
	d, _ := startScript(t, fakeDriverScript)

	id, err := d.SendMessage(context.Background(), "123@c.us", Content{Text: "hello"})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if len(id) <= len("msg-") || id[:4] != "msg-" {
		t.Errorf("unexpected message id %q", id)
	}
}

func TestExecDriver_SendMessageDriverError(t *testing.T) {
	d, _ := startScript(t, fakeDriverScript)

	_, err := d.SendMessage(context.Background(), "bad@c.us", Content{Text: "hello"})
	if err == nil || err.Error() != "no such chat" {
		t.Errorf("expected driver error, got %v", err)
	}
}

func TestExecDriver_CrashClosesEvents(t *testing.T) {
	d, _ := startScript(t, `echo '{"type":"ready"}'; exit 3`)

	if ev := nextEvent(t, d); ev.Kind != EventReady {
		t.Fatalf("expected ready, got %+v", ev)
	}

	select {
	case _, ok := <-d.Events():
		if ok {
			t.Fatal("expected closed channel after crash")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event channel not closed after crash")
	}

	_, err := d.SendMessage(context.Background(), "123@c.us", Content{Text: "hi"})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestExecDriver_DestroyStopsProcess(t *testing.T) {
	d, _ := startScript(t, fakeDriverScript)

	if err := d.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if _, ok := <-d.Events(); ok {
		t.Error("expected events closed after Destroy")
	}
	// Idempotent.
	if err := d.Destroy(context.Background()); err != nil {
		t.Errorf("second Destroy returned %v", err)
	}
}

func TestExecDriver_DestroyKillsUnresponsiveProcess(t *testing.T) {
	d, _ := startScript(t, `exec sleep 30`)

	start := time.Now()
	if err := d.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Destroy took %s", elapsed)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestExecDriver_StderrFullyForwardedBeforeExit(t *testing.T) {
	var logs syncBuffer
	rt := NewExecRuntime(
		[]string{"sh", "-c", `i=1; while [ $i -le 200 ]; do echo "line $i" >&2; i=$((i+1)); done; exit 1`},
		t.TempDir(),
		slog.New(slog.NewTextHandler(&logs, nil)),
	)

	d, err := rt.Start(context.Background(), StartOptions{SessionID: "ws_1"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case _, ok := <-d.Events():
		if ok {
			t.Fatal("expected no events from the script")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event channel not closed after exit")
	}

	// Events close after Wait, which now follows the last stderr line.
	out := logs.String()
	for _, want := range []string{"line 1\"", "line 200\"", "driver process exited"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in logs, got:\n%s", want, out)
		}
	}
	if got := strings.Count(out, "driver stderr"); got != 200 {
		t.Errorf("expected 200 forwarded stderr lines, got %d", got)
	}
	if i, j := strings.Index(out, "line 200\""), strings.Index(out, "driver process exited"); i > j {
		t.Errorf("stderr line logged after exit: %d > %d", i, j)
	}
}
