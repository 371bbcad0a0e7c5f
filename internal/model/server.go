package model

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"peval/internal/config"
	"peval/internal/events"
	"peval/internal/procenv"
)

// serverBackend spawns a llama-server process per session, loading the
// base weights with the adapter applied.
type serverBackend struct {
	rc   config.RuntimeConfig
	opts Options
}

// NewServerBackend returns a backend that runs rc.LlamaBin.
func NewServerBackend(rc config.RuntimeConfig, opts Options) Backend {
	return &serverBackend{rc: rc, opts: opts}
}

// serverArgs builds the llama-server command line.
func (b *serverBackend) serverArgs(w Weights, host string, port int) []string {
	args := []string{"-m", w.Base, "--host", host, "--port", strconv.Itoa(port)}
	if w.Adapter != "" {
		if w.Scale != 0 && w.Scale != 1 {
			args = append(args, "--lora-scaled", w.Adapter, strconv.FormatFloat(float64(w.Scale), 'g', -1, 32))
		} else {
			args = append(args, "--lora", w.Adapter)
		}
	}
	if b.opts.ContextSize > 0 {
		args = append(args, "-c", strconv.Itoa(b.opts.ContextSize))
	}
	if b.rc.GPULayers > 0 {
		args = append(args, "-ngl", strconv.Itoa(b.rc.GPULayers))
	}
	if b.rc.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(b.rc.Threads))
	}
	if b.rc.BatchTokens > 0 {
		args = append(args, "-b", strconv.Itoa(b.rc.BatchTokens))
	}
	if b.opts.Parallel > 1 {
		args = append(args, "-np", strconv.Itoa(b.opts.Parallel))
	}
	if !b.opts.F16KV {
		args = append(args, "--cache-type-k", "f32", "--cache-type-v", "f32")
	}
	if ts := tensorSplit(b.opts.TensorParallel); ts != "" {
		args = append(args, "--tensor-split", ts)
	}
	if b.opts.Seed != 0 {
		args = append(args, "--seed", strconv.Itoa(b.opts.Seed))
	}
	return append(args, b.rc.ExtraArgs...)
}

func (b *serverBackend) Start(ctx context.Context, w Weights) (Session, error) {
	bin := strings.TrimSpace(b.rc.LlamaBin)
	if bin == "" {
		bin = "llama-server"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, ErrDependencyUnavailable(fmt.Sprintf("llama-server not found: %s: set runtime.llama_bin", bin))
	}
	host := strings.TrimSpace(b.rc.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	var port int
	if b.rc.PortStart > 0 && b.rc.PortEnd >= b.rc.PortStart {
		port, err = pickPortInRange(host, b.rc.PortStart, b.rc.PortEnd)
	} else {
		port, err = pickFreePort(host)
	}
	if err != nil {
		return nil, err
	}

	pub := events.OrNop(b.opts.Events)
	log := b.opts.Logger
	cmd := exec.Command(path, b.serverArgs(w, host, port)...)
	cmd.Dir = filepath.Dir(w.Base)
	cmd.Env = procenv.ChildEnv()
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start llama-server: %w", err)
	}
	pid := cmd.Process.Pid
	log.Info().Int("pid", pid).Str("host", host).Int("port", port).Str("base", w.Base).Str("adapter", w.Adapter).Msg("llama-server started")
	pub.Publish(events.Event{Name: "spawn_start", Fields: map[string]any{"pid": pid, "host": host, "port": port}})

	s := &serverSession{
		completionClient: newCompletionClient(fmt.Sprintf("http://%s:%d", host, port), "", b.rc.RequestTimeout, log),
		cmd:              cmd,
		exited:           make(chan struct{}),
		pub:              pub,
	}
	go func() {
		s.waitErr = cmd.Wait()
		close(s.exited)
	}()
	timeout := b.rc.ReadyTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.waitReady(rctx, s.exited); err != nil {
		_ = s.Close()
		if errors.Is(err, errExitedEarly) && s.waitErr != nil {
			err = fmt.Errorf("%w: %v", err, s.waitErr)
		}
		log.Error().Err(err).Int("pid", pid).Str("stderr", stderr.String()).Msg("llama-server failed to become ready")
		pub.Publish(events.Event{Name: "spawn_failed", Fields: map[string]any{"pid": pid, "error": err.Error()}})
		return nil, fmt.Errorf("%w; stderr tail: %s", err, stderr.String())
	}
	log.Info().Int("pid", pid).Str("url", s.baseURL).Msg("llama-server ready")
	pub.Publish(events.Event{Name: "spawn_ready", Fields: map[string]any{"pid": pid, "url": s.baseURL}})
	return s, nil
}

type serverSession struct {
	*completionClient
	cmd     *exec.Cmd
	exited  chan struct{}
	waitErr error // valid once exited is closed
	pub     events.Publisher
	once    sync.Once
}

// Close terminates the server: SIGTERM first, then kill after two seconds.
func (s *serverSession) Close() error {
	s.once.Do(func() {
		if s.cmd.Process == nil {
			return
		}
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-s.exited:
		case <-time.After(2 * time.Second):
			_ = s.cmd.Process.Kill()
			<-s.exited
		}
		s.pub.Publish(events.Event{Name: "spawn_stop", Fields: map[string]any{"pid": s.cmd.Process.Pid}})
	})
	return nil
}

func pickPortInRange(host string, start, end int) (int, error) {
	for p := start; p <= end; p++ {
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err != nil {
			continue
		}
		_ = l.Close()
		return p, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", start, end)
}

func pickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
