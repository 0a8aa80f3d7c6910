package qengine

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/quatton/qmesh/pkg/kv"
	"github.com/quatton/qmesh/pkg/qlog"
	"github.com/quatton/qmesh/pkg/qsdk/qerr"
)

const (
	maxStderrBytes = 8 * 1024

	DefaultKillGrace  = 5 * time.Second
	DefaultOutputName = "result"
	DefaultLockKey    = "qmesh:engine:lock"
	defaultLockTTL    = 12 * time.Hour
)

// Config describes the engine installation.
type Config struct {
	// Path is the engine executable, resolved through PATH when it has no
	// separator.
	Path string
	// Args are appended after the standard arguments.
	Args []string
	// Sign appends --signature, a hash of the command line the engine
	// checks before running.
	Sign bool
	// KillGrace bounds how long a killed engine may hold its output pipes.
	KillGrace time.Duration
	// MaxRuntime cancels runs that take longer. Zero means no limit.
	MaxRuntime time.Duration
	// OutputName is the base name of the file the engine writes.
	OutputName string
}

// LaunchSpec is what one engine run consumes and produces.
type LaunchSpec struct {
	RunID string
	// RunDir receives stdout.log and stderr.log.
	RunDir    string
	Input     string
	Config    string
	OutputDir string
	// OutputName overrides Config.OutputName.
	OutputName string
	Env        map[string]string
}

// Controller owns the engine process. It is safe for concurrent use.
type Controller struct {
	cfg     Config
	lock    kv.Store
	lockKey string
	logger  *slog.Logger

	mu      sync.Mutex
	current *Handle
}

type Option func(*Controller)

// WithLock makes launches also take key in store, so controllers in other
// processes sharing the scratch space exclude each other.
func WithLock(store kv.Store, key string) Option {
	return func(c *Controller) {
		c.lock = store
		if key != "" {
			c.lockKey = key
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

func New(cfg Config, opts ...Option) *Controller {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if cfg.OutputName == "" {
		cfg.OutputName = DefaultOutputName
	}
	c := &Controller{
		cfg:     cfg,
		lockKey: DefaultLockKey,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = qlog.WithComponent(c.logger, "engine")
	return c
}

// State returns Idle, or the status of the run the controller is busy with.
func (c *Controller) State() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return StatusIdle
	}
	return c.current.Status()
}

// Current returns the active handle, or nil when idle.
func (c *Controller) Current() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Resolve returns the absolute path of the engine executable.
func (c *Controller) Resolve() (string, error) {
	if strings.TrimSpace(c.cfg.Path) == "" {
		return "", spawnError("", errors.New("engine path not configured"))
	}
	exe, err := exec.LookPath(c.cfg.Path)
	if err != nil {
		return "", spawnError(c.cfg.Path, err)
	}
	return exe, nil
}

// Args returns the command line for spec, signature included.
func (c *Controller) Args(exe string, spec LaunchSpec) []string {
	argv := []string{
		exe,
		"--read_config", spec.Config,
		"-i", spec.Input,
		"-o", spec.OutputDir,
		"--run",
	}
	argv = append(argv, c.cfg.Args...)
	if c.cfg.Sign {
		argv = append(argv, "--signature", Signature(argv))
	}
	return argv
}

// Signature is base64(sha1(argv joined without separator)).
func Signature(argv []string) string {
	sum := sha1.Sum([]byte(strings.Join(argv, "")))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Launch starts the engine for spec. It fails with a busy error unless the
// controller is idle, and with a spawn error when the executable is missing
// or cannot be started; no process is left running in either case.
func (c *Controller) Launch(ctx context.Context, spec LaunchSpec) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		if !c.current.Status().Terminal() {
			return nil, busy(c.current.ID())
		}
		c.current = nil
	}

	exe, err := c.Resolve()
	if err != nil {
		return nil, err
	}

	if c.lock != nil {
		ok, err := c.lock.SetNX(ctx, c.lockKey, []byte(spec.RunID), c.lockTTL())
		if err != nil {
			return nil, fmt.Errorf("acquiring engine lock: %w", err)
		}
		if !ok {
			holder, _ := c.lock.Get(ctx, c.lockKey)
			return nil, busy(string(holder))
		}
	}

	h, err := c.start(exe, spec)
	if err != nil {
		c.releaseLock(spec.RunID)
		return nil, err
	}
	c.current = h
	return h, nil
}

func (c *Controller) lockTTL() time.Duration {
	if c.cfg.MaxRuntime > 0 {
		return c.cfg.MaxRuntime + c.cfg.KillGrace
	}
	return defaultLockTTL
}

func (c *Controller) releaseLock(runID string) {
	if c.lock == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	holder, err := c.lock.Get(ctx, c.lockKey)
	if err != nil || string(holder) != runID {
		return
	}
	if err := c.lock.Delete(ctx, c.lockKey); err != nil {
		c.logger.Warn("releasing engine lock", "run_id", runID, "error", err)
	}
}

func (c *Controller) start(exe string, spec LaunchSpec) (*Handle, error) {
	// The engine runs from its install directory.
	for _, p := range []*string{&spec.Input, &spec.Config, &spec.OutputDir, &spec.RunDir} {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", *p, err)
		}
		*p = abs
	}
	if err := os.MkdirAll(spec.RunDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}
	if err := os.MkdirAll(spec.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	outputName := spec.OutputName
	if outputName == "" {
		outputName = c.cfg.OutputName
	}
	h := &Handle{
		id:     spec.RunID,
		argv:   c.Args(exe, spec),
		status: StatusLaunching,
		done:   make(chan struct{}),
		logger: qlog.WithRun(c.logger, spec.RunID),
		outputs: []string{
			filepath.Join(spec.OutputDir, outputName+".glb"),
			filepath.Join(spec.OutputDir, "0_glb", outputName+".glb"),
		},
		stdoutPath: filepath.Join(spec.RunDir, "stdout.log"),
		stderrPath: filepath.Join(spec.RunDir, "stderr.log"),
		progress:   Progress{Percent: -1},
	}

	stdoutFile, err := os.Create(h.stdoutPath)
	if err != nil {
		return nil, fmt.Errorf("creating stdout log: %w", err)
	}
	stderrFile, err := os.Create(h.stderrPath)
	if err != nil {
		stdoutFile.Close()
		return nil, fmt.Errorf("creating stderr log: %w", err)
	}
	closeLogs := func() {
		stdoutFile.Close()
		stderrFile.Close()
	}

	execCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(execCtx, h.argv[0], h.argv[1:]...)
	cmd.Dir = filepath.Dir(exe)
	cmd.WaitDelay = c.cfg.KillGrace
	killGroup(cmd)
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("QMESH_RUN_ID=%s", spec.RunID),
		fmt.Sprintf("QMESH_RUN_DIR=%s", spec.RunDir),
	)
	cmd.Stdout = io.MultiWriter(stdoutFile, &progressWriter{h: h})
	cmd.Stderr = io.MultiWriter(stderrFile, &limitedWriter{w: &h.stderrTail, limit: maxStderrBytes})

	if err := cmd.Start(); err != nil {
		cancel()
		closeLogs()
		return nil, spawnError(exe, err)
	}

	h.mu.Lock()
	h.cmd = cmd
	h.cancel = cancel
	h.pid = cmd.Process.Pid
	h.startedAt = time.Now()
	h.status = StatusRunning
	h.mu.Unlock()
	h.logger.Info("engine started", "pid", h.pid, "input", spec.Input, "output_dir", spec.OutputDir)

	var timer *time.Timer
	if c.cfg.MaxRuntime > 0 {
		timer = time.AfterFunc(c.cfg.MaxRuntime, func() {
			h.logger.Warn("engine exceeded max runtime, cancelling", "max_runtime", c.cfg.MaxRuntime)
			c.Cancel(h)
		})
	}

	go func() {
		err := cmd.Wait()
		if timer != nil {
			timer.Stop()
		}
		closeLogs()
		c.releaseLock(spec.RunID)
		h.finish(err)
		cancel()
	}()
	return h, nil
}

// Poll returns the status of h without blocking. Once a terminal status has
// been observed the controller is idle again.
func (c *Controller) Poll(h *Handle) Status {
	s := h.Status()
	if s.Terminal() {
		c.mu.Lock()
		if c.current == h {
			c.current = nil
		}
		c.mu.Unlock()
	}
	return s
}

// Cancel kills the engine's process group and returns without waiting for
// the exit. The run reports Cancelled, whatever the exit code, once Poll
// observes the exit. Calling Cancel on a finished run changes nothing.
func (c *Controller) Cancel(h *Handle) error {
	h.mu.Lock()
	if h.status.Terminal() {
		h.mu.Unlock()
		return nil
	}
	first := !h.cancelRequested
	h.cancelRequested = true
	h.mu.Unlock()

	if first {
		h.logger.Info("cancelling engine", "pid", h.pid)
	}
	h.cancel()
	return nil
}

// Wait polls h every interval until it is terminal or ctx is done.
func (c *Controller) Wait(ctx context.Context, h *Handle, interval time.Duration) (Status, error) {
	if s := c.Poll(h); s.Terminal() {
		return s, nil
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.Poll(h), ctx.Err()
		case <-ticker.C:
			if s := c.Poll(h); s.Terminal() {
				return s, nil
			}
		}
	}
}

// ValidateConfig asks the engine to read configPath without running it.
func (c *Controller) ValidateConfig(ctx context.Context, configPath string) error {
	exe, err := c.Resolve()
	if err != nil {
		return err
	}
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, exe, "--read_config", configPath)
	cmd.Dir = filepath.Dir(exe)
	cmd.Stdout = &limitedWriter{w: &out, limit: maxStderrBytes}
	cmd.Stderr = cmd.Stdout
	cmd.WaitDelay = c.cfg.KillGrace
	killGroup(cmd)

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return qerr.New(qerr.CodeProcess, &ProcessFailure{
				ExitCode:   exitErr.ExitCode(),
				StderrTail: strings.TrimSpace(out.String()),
			})
		}
		return spawnError(exe, err)
	}
	return nil
}
