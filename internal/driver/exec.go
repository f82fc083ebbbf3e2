package driver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ExecRuntime runs one driver subprocess per session. The process speaks
// line-delimited JSON: commands on stdin, events and replies on stdout.
//
// Commands:  {"type":"initialize"} {"type":"send","id","target","content"} {"type":"destroy"}
// Events:    {"type":"qr","qr"} {"type":"ready"} {"type":"disconnected","reason"}
//
//	{"type":"message","message"} {"type":"sent","id","message_id"} {"type":"error","id","error"}
type ExecRuntime struct {
	Command    []string
	SessionDir string
	Logger     *slog.Logger
	// StopTimeout bounds how long Destroy waits for a clean exit before killing.
	StopTimeout time.Duration
}

// NewExecRuntime creates a subprocess runtime. Each session gets its own
// data directory under sessionDir for exclusive credential storage.
func NewExecRuntime(command []string, sessionDir string, logger *slog.Logger) *ExecRuntime {
	if sessionDir == "" {
		sessionDir = filepath.Join(os.TempDir(), "sessionplane", "sessions")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRuntime{
		Command:     command,
		SessionDir:  sessionDir,
		Logger:      logger,
		StopTimeout: 10 * time.Second,
	}
}

// Start launches the driver process for opts.SessionID.
func (r *ExecRuntime) Start(ctx context.Context, opts StartOptions) (Driver, error) {
	if len(r.Command) == 0 {
		return nil, errors.New("driver command is required")
	}
	if opts.SessionID == "" {
		return nil, errors.New("session id is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dataDir := filepath.Join(r.SessionDir, opts.SessionID)
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	// Not bound to ctx: the process lives until Destroy or a crash.
	cmd := exec.Command(r.Command[0], r.Command[1:]...)
	cmd.Dir = dataDir
	cmd.Env = append(os.Environ(),
		"SESSION_ID="+opts.SessionID,
		"SESSION_DATA_DIR="+dataDir,
	)
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start driver: %w", err)
	}

	stopTimeout := r.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}

	d := &execDriver{
		cmd:         cmd,
		stdin:       stdin,
		enc:         json.NewEncoder(stdin),
		events:      make(chan Event, EventBuffer),
		pending:     make(map[string]chan sendResult),
		exited:      make(chan struct{}),
		stopping:    make(chan struct{}),
		stderrDone:  make(chan struct{}),
		logger:      r.Logger.With("session_id", opts.SessionID, "pid", cmd.Process.Pid),
		stopTimeout: stopTimeout,
	}

	go d.forwardStderr(stderr)
	go d.readLoop(stdout)

	return d, nil
}

type command struct {
	Type    string   `json:"type"`
	ID      string   `json:"id,omitempty"`
	Target  string   `json:"target,omitempty"`
	Content *Content `json:"content,omitempty"`
}

type wireEvent struct {
	Type      string   `json:"type"`
	QR        string   `json:"qr,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Message   *Message `json:"message,omitempty"`
	ID        string   `json:"id,omitempty"`
	MessageID string   `json:"message_id,omitempty"`
	Error     string   `json:"error,omitempty"`
}

type sendResult struct {
	messageID string
	err       error
}

type execDriver struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex
	enc     *json.Encoder

	events chan Event

	mu      sync.Mutex
	pending map[string]chan sendResult

	exited      chan struct{}
	stopping    chan struct{}
	stderrDone  chan struct{}
	destroyOnce sync.Once
	destroyErr  error

	logger      *slog.Logger
	stopTimeout time.Duration
}

func (d *execDriver) Events() <-chan Event {
	return d.events
}

func (d *execDriver) Initialize(ctx context.Context) error {
	return d.write(command{Type: "initialize"})
}

func (d *execDriver) SendMessage(ctx context.Context, target string, content Content) (string, error) {
	id := uuid.NewString()
	reply := make(chan sendResult, 1)

	d.mu.Lock()
	if d.pending == nil {
		d.mu.Unlock()
		return "", ErrClosed
	}
	d.pending[id] = reply
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		if d.pending != nil {
			delete(d.pending, id)
		}
		d.mu.Unlock()
	}()

	if err := d.write(command{Type: "send", ID: id, Target: target, Content: &content}); err != nil {
		return "", err
	}

	select {
	case res := <-reply:
		return res.messageID, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-d.exited:
		return "", ErrClosed
	}
}

// Destroy asks the process to exit and kills it after stopTimeout or when ctx ends.
func (d *execDriver) Destroy(ctx context.Context) error {
	d.destroyOnce.Do(func() {
		close(d.stopping)
		select {
		case <-d.exited:
			return
		default:
		}

		if err := d.write(command{Type: "destroy"}); err != nil {
			d.logger.Debug("destroy command not delivered", "error", err)
		}
		d.stdin.Close()

		timer := time.NewTimer(d.stopTimeout)
		defer timer.Stop()

		select {
		case <-d.exited:
		case <-timer.C:
			d.destroyErr = d.kill()
		case <-ctx.Done():
			d.destroyErr = errors.Join(ctx.Err(), d.kill())
		}
	})
	return d.destroyErr
}

func (d *execDriver) kill() error {
	if err := d.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill driver: %w", err)
	}
	<-d.exited
	return nil
}

func (d *execDriver) write(c command) error {
	select {
	case <-d.exited:
		return ErrClosed
	default:
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := d.enc.Encode(c); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

func (d *execDriver) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024) // media echoes can be large

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev wireEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			d.logger.Warn("unparseable driver output", "error", err)
			continue
		}
		d.dispatch(ev)
	}
	if err := scanner.Err(); err != nil {
		d.logger.Warn("driver stdout read failed", "error", err)
	}

	// Wait closes the pipes; both readers must be finished first.
	<-d.stderrDone
	err := d.cmd.Wait()
	if err != nil {
		d.logger.Warn("driver process exited", "error", err)
	} else {
		d.logger.Info("driver process exited")
	}

	d.mu.Lock()
	for id, reply := range d.pending {
		reply <- sendResult{err: ErrClosed}
		delete(d.pending, id)
	}
	d.pending = nil
	d.mu.Unlock()

	close(d.exited)
	close(d.events)
}

func (d *execDriver) dispatch(ev wireEvent) {
	switch ev.Type {
	case "qr":
		d.emit(Event{Kind: EventQR, QR: ev.QR})
	case "ready":
		d.emit(Event{Kind: EventReady})
	case "disconnected":
		d.emit(Event{Kind: EventDisconnected, Reason: ev.Reason})
	case "message":
		if ev.Message == nil {
			d.logger.Warn("message event without envelope")
			return
		}
		d.emit(Event{Kind: EventMessage, Message: ev.Message})
	case "sent", "error":
		d.resolve(ev)
	default:
		d.logger.Debug("ignoring driver event", "type", ev.Type)
	}
}

// emit blocks while the consumer is behind, unless Destroy has begun and
// nobody will read again.
func (d *execDriver) emit(ev Event) {
	select {
	case d.events <- ev:
	case <-d.stopping:
	}
}

func (d *execDriver) resolve(ev wireEvent) {
	if ev.ID == "" {
		if ev.Type == "error" {
			d.logger.Warn("driver error", "error", ev.Error)
		}
		return
	}

	d.mu.Lock()
	reply, ok := d.pending[ev.ID]
	if ok {
		delete(d.pending, ev.ID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	if ev.Type == "error" {
		reply <- sendResult{err: errors.New(ev.Error)}
		return
	}
	reply <- sendResult{messageID: ev.MessageID}
}

func (d *execDriver) forwardStderr(stderr io.Reader) {
	defer close(d.stderrDone)
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		d.logger.Info("driver stderr", "line", scanner.Text())
	}
}
