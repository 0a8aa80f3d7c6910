package qengine

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Handle is one engine run.
type Handle struct {
	id         string
	argv       []string
	outputs    []string
	stdoutPath string
	stderrPath string
	logger     *slog.Logger
	done       chan struct{}

	cmd    *exec.Cmd
	cancel func()

	// stderrTail is only touched by the process copier until exit.
	stderrTail bytes.Buffer

	mu              sync.Mutex
	pid             int
	status          Status
	cancelRequested bool
	startedAt       time.Time
	finishedAt      time.Time
	exitCode        *int
	output          string
	diag            *Diagnostic
	progress        Progress
	lineBuf         []byte
}

func (h *Handle) ID() string {
	return h.id
}

// Argv returns the engine command line.
func (h *Handle) Argv() []string {
	return append([]string(nil), h.argv...)
}

func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

// Status returns the current status without blocking.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Done is closed once the process exit has been observed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// CancelRequested reports whether Cancel was called before the exit.
func (h *Handle) CancelRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelRequested
}

// Output returns the engine output file of a succeeded run.
func (h *Handle) Output() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.output
}

// ExpectedOutputs returns the paths checked for the engine output, in order.
func (h *Handle) ExpectedOutputs() []string {
	return append([]string(nil), h.outputs...)
}

// Diagnostic is set on failed runs.
func (h *Handle) Diagnostic() *Diagnostic {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.diag == nil {
		return nil
	}
	d := *h.diag
	return &d
}

// ExitCode is nil until the process exits.
func (h *Handle) ExitCode() *int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exitCode == nil {
		return nil
	}
	code := *h.exitCode
	return &code
}

func (h *Handle) Progress() Progress {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.progress
}

func (h *Handle) StartedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startedAt
}

func (h *Handle) FinishedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finishedAt
}

// Logs returns the stdout and stderr log paths.
func (h *Handle) Logs() (stdout, stderr string) {
	return h.stdoutPath, h.stderrPath
}

// finish records the verdict. It runs once, after cmd.Wait returns.
func (h *Handle) finish(waitErr error) {
	output, found := h.findOutput()

	h.mu.Lock()
	defer h.mu.Unlock()
	defer close(h.done)

	h.finishedAt = time.Now()
	code := 0
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		code = exitErr.ExitCode()
	default:
		code = -1
	}
	h.exitCode = &code
	tail := strings.TrimSpace(h.stderrTail.String())

	switch {
	case h.cancelRequested:
		h.status = StatusCancelled
	case code == 0 && found:
		h.status = StatusSucceeded
		h.output = output
	case code == 0:
		h.status = StatusFailed
		h.diag = &Diagnostic{
			Kind:       FailureOutput,
			StderrTail: tail,
			Message:    "engine exited successfully but wrote no output (looked for " + strings.Join(h.outputs, ", ") + ")",
		}
	default:
		h.status = StatusFailed
		h.diag = &Diagnostic{
			Kind:       FailureProcess,
			ExitCode:   code,
			StderrTail: tail,
			Message:    (&ProcessFailure{ExitCode: code}).Error(),
		}
	}
	if h.diag != nil {
		h.diag.StdoutLog = h.stdoutPath
		h.diag.StderrLog = h.stderrPath
	}
	h.logger.Info("engine finished",
		"status", h.status,
		"exit_code", code,
		"duration", h.finishedAt.Sub(h.startedAt).Round(time.Millisecond),
	)
}

func (h *Handle) findOutput() (string, bool) {
	for _, p := range h.outputs {
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() && fi.Size() > 0 {
			return p, true
		}
	}
	return "", false
}

var progressLine = regexp.MustCompile(`(\d{1,3})\s*%\s*\[`)

// progressWriter parses engine stdout line by line. Lines shaped like
// "42% [#####     ]" set the percentage; any other line becomes the message.
type progressWriter struct {
	h *Handle
}

func (w *progressWriter) Write(p []byte) (int, error) {
	h := w.h
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lineBuf = append(h.lineBuf, p...)
	for {
		i := bytes.IndexAny(h.lineBuf, "\r\n")
		if i < 0 {
			break
		}
		h.parseLine(string(h.lineBuf[:i]))
		h.lineBuf = h.lineBuf[i+1:]
	}
	// Cap a runaway line without newline.
	if len(h.lineBuf) > 64*1024 {
		h.lineBuf = h.lineBuf[:0]
	}
	return len(p), nil
}

func (h *Handle) parseLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.Contains(line, "batch processing") {
		return
	}
	if m := progressLine.FindStringSubmatch(line); m != nil {
		pct := 0
		for _, c := range m[1] {
			pct = pct*10 + int(c-'0')
		}
		h.progress.Percent = min(pct, 100)
	} else {
		h.progress.Message = line
	}
	h.progress.UpdatedAt = time.Now()
}

// limitedWriter keeps only the last limit bytes written.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		b := lw.w.Bytes()
		tail := append([]byte(nil), b[len(b)-lw.limit:]...)
		lw.w.Reset()
		lw.w.Write(tail)
	}
	return n, nil
}
