package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"decoplan/internal/common/fsutil"
)

const stderrTailBytes = 4096

// SpawnOptions configures a backend that runs one llama-server subprocess per session.
type SpawnOptions struct {
	LlamaBin     string // empty: discovered
	Host         string
	PortStart    int
	PortEnd      int
	ExtraArgs    []string
	ReadyTimeout time.Duration
	StopTimeout  time.Duration
	Publisher    EventPublisher
	Logger       zerolog.Logger
}

// spawnBackend starts llama-server for each Load and talks to it through a serverBackend.
type spawnBackend struct {
	opts       SpawnOptions
	httpClient *http.Client
	publisher  EventPublisher
	log        zerolog.Logger
}

// NewSpawnBackend constructs a subprocess-backed Backend.
func NewSpawnBackend(opts SpawnOptions) Backend {
	return newSpawnBackend(opts)
}

func newSpawnBackend(opts SpawnOptions) *spawnBackend {
	if strings.TrimSpace(opts.Host) == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 30 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 2 * time.Second
	}
	pub := opts.Publisher
	if pub == nil {
		pub = NoopPublisher{}
	}
	// Timeout=0: every call carries a context deadline.
	return &spawnBackend{opts: opts, httpClient: &http.Client{Timeout: 0}, publisher: pub, log: opts.Logger}
}

// spawnSession owns one llama-server process; generation goes through the wrapped server session.
type spawnSession struct {
	*serverSession
	b       *spawnBackend
	model   string
	cmd     *exec.Cmd
	waitCh  chan error
	stopped sync.Once
	stopErr error
}

// Load starts llama-server for cfg.ModelPath (and cfg.ProjectorPath, if set) and
// waits until it answers /v1/models.
func (b *spawnBackend) Load(ctx context.Context, cfg InferenceConfig) (Session, error) {
	modelPath, err := fsutil.CheckGGUFFile(cfg.ModelPath)
	if err != nil {
		return nil, err
	}
	bin := b.opts.LlamaBin
	if bin == "" {
		bin = discoverLlamaBin()
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, ErrDependencyUnavailable(fmt.Sprintf("llama-server binary %q not found: %v", bin, err))
	}

	host := b.opts.Host
	var port int
	if b.opts.PortStart > 0 && b.opts.PortEnd >= b.opts.PortStart {
		port, err = pickPortInRange(host, b.opts.PortStart, b.opts.PortEnd)
	} else {
		port, err = pickFreePort(host)
	}
	if err != nil {
		return nil, err
	}
	baseURL := fmt.Sprintf("http://%s", net.JoinHostPort(host, strconv.Itoa(port)))

	cmd := exec.Command(bin, b.buildArgs(modelPath, host, port, cfg)...)
	var stderr syncBuffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start llama-server: %w", err)
	}
	pid := cmd.Process.Pid
	b.log.Info().Str("adapter", "llama_subprocess").Str("event", "start").Str("model", modelPath).
		Int("pid", pid).Str("host", host).Int("port", port).Msg("spawned llama-server")
	b.publisher.Publish(Event{Name: "spawn_start", Model: modelPath, Fields: map[string]any{"pid": pid, "host": host, "port": port}})

	// Early-exit watcher: surfaces a crash before readiness.
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	srv := &serverBackend{baseURL: baseURL, httpClient: b.httpClient, connectTimeout: time.Second, log: b.log}
	sess := &spawnSession{
		serverSession: &serverSession{backend: srv, modelID: modelPath},
		b:             b,
		model:         modelPath,
		cmd:           cmd,
		waitCh:        waitCh,
	}

	deadline := time.Now().Add(b.opts.ReadyTimeout)
	for {
		select {
		case werr := <-waitCh:
			// Put it back so stop() does not block on an exited process.
			waitCh <- werr
			tail := stderr.Tail(stderrTailBytes)
			if werr != nil {
				b.log.Error().Str("adapter", "llama_subprocess").Str("event", "exit_early").Str("model", modelPath).Int("pid", pid).Err(werr).Msg("llama-server exited before ready")
				b.publisher.Publish(Event{Name: "spawn_exit", Model: modelPath, Fields: map[string]any{"pid": pid, "error": werr.Error()}})
				return nil, fmt.Errorf("llama-server exited early: %v; stderr tail: %s", werr, tail)
			}
			b.log.Error().Str("adapter", "llama_subprocess").Str("event", "exit_clean").Str("model", modelPath).Int("pid", pid).Msg("llama-server exited before ready")
			b.publisher.Publish(Event{Name: "spawn_exit", Model: modelPath, Fields: map[string]any{"pid": pid, "before_ready": true}})
			return nil, fmt.Errorf("llama-server exited before ready: %s; stderr tail: %s", baseURL, tail)
		case <-ctx.Done():
			_ = sess.stop()
			return nil, ctx.Err()
		default:
		}
		if time.Now().After(deadline) {
			b.log.Error().Str("adapter", "llama_subprocess").Str("event", "timeout").Str("model", modelPath).Int("pid", pid).Msg("llama-server not ready")
			b.publisher.Publish(Event{Name: "spawn_timeout", Model: modelPath, Fields: map[string]any{"pid": pid}})
			_ = sess.stop()
			return nil, fmt.Errorf("llama-server not ready in time: %s", baseURL)
		}
		if srv.ping(ctx) == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	b.log.Info().Str("adapter", "llama_subprocess").Str("event", "ready").Str("model", modelPath).Int("pid", pid).Str("url", baseURL).Msg("llama-server ready")
	b.publisher.Publish(Event{Name: "spawn_ready", Model: modelPath, Fields: map[string]any{"pid": pid, "url": baseURL}})
	return sess, nil
}

func (b *spawnBackend) buildArgs(modelPath, host string, port int, cfg InferenceConfig) []string {
	args := []string{
		"-m", modelPath,
		"--host", host,
		"--port", strconv.Itoa(port),
	}
	if cfg.NCtx > 0 {
		args = append(args, "-c", strconv.Itoa(cfg.NCtx))
	}
	if cfg.NGPULayers > 0 {
		args = append(args, "-ngl", strconv.Itoa(cfg.NGPULayers))
	}
	if cfg.NBatch > 0 {
		args = append(args, "-b", strconv.Itoa(cfg.NBatch))
	}
	if cfg.NUBatch > 0 {
		args = append(args, "-ub", strconv.Itoa(cfg.NUBatch))
	}
	if cfg.NThreads > 0 {
		args = append(args, "-t", strconv.Itoa(cfg.NThreads))
	}
	// --mmproj lets the server consume media; a projector it cannot load makes it exit.
	if p := strings.TrimSpace(cfg.ProjectorPath); p != "" {
		if exp, err := fsutil.ExpandHome(p); err == nil {
			p = exp
		}
		args = append(args, "--mmproj", p)
	}
	return append(args, b.opts.ExtraArgs...)
}

// Close stops the llama-server process: SIGTERM first, then kill after StopTimeout.
func (s *spawnSession) Close() error {
	_ = s.serverSession.Close()
	return s.stop()
}

func (s *spawnSession) stop() error {
	s.stopped.Do(func() {
		p := s.cmd.Process
		if p == nil {
			return
		}
		_ = p.Signal(syscall.SIGTERM)
		select {
		case <-s.waitCh:
		case <-time.After(s.b.opts.StopTimeout):
			if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				s.stopErr = fmt.Errorf("kill llama-server pid %d: %w", p.Pid, err)
			}
			<-s.waitCh
		}
		s.b.log.Info().Str("adapter", "llama_subprocess").Str("event", "stop").Str("model", s.model).Int("pid", p.Pid).Msg("llama-server stopped")
		s.b.publisher.Publish(Event{Name: "spawn_stop", Model: s.model, Fields: map[string]any{"pid": p.Pid}})
	})
	return s.stopErr
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
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected addr: %s", l.Addr())
	}
	return addr.Port, nil
}

// discoverLlamaBin looks in $LLAMA_SERVER, the usual llama.cpp build dir, then PATH.
func discoverLlamaBin() string {
	if p := strings.TrimSpace(os.Getenv("LLAMA_SERVER")); p != "" {
		return p
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, "apps", "llama.cpp", "build", "bin", "llama-server")
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p
		}
	}
	if lp, err := exec.LookPath("llama-server"); err == nil {
		return lp
	}
	return "llama-server"
}

// syncBuffer is a bytes.Buffer safe for the exec copier goroutine and readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Tail returns at most n trailing bytes.
func (b *syncBuffer) Tail(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.buf.String()
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}
