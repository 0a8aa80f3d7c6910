package qengine

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quatton/qmesh/pkg/kv"
	"github.com/quatton/qmesh/pkg/qsdk/qerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// argParser finds the -o argument of the engine command line.
const argParser = `
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    -o) out="$2"; shift 2 ;;
    *) shift ;;
  esac
done
`

func writeEngine(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+argParser+body), 0o755))
	return path
}

func testSpec(t *testing.T, id string) LaunchSpec {
	t.Helper()
	dir := t.TempDir()
	input := filepath.Join(dir, "input.glb")
	config := filepath.Join(dir, "engine_config.ini")
	require.NoError(t, os.WriteFile(input, []byte("glb"), 0o644))
	require.NoError(t, os.WriteFile(config, []byte("decimationRatio=0.3\n"), 0o644))
	return LaunchSpec{
		RunID:     id,
		RunDir:    dir,
		Input:     input,
		Config:    config,
		OutputDir: filepath.Join(dir, "out"),
	}
}

func waitTerminal(t *testing.T, c *Controller, h *Handle) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := c.Wait(ctx, h, 10*time.Millisecond)
	require.NoError(t, err)
	return s
}

func TestController_Succeeded(t *testing.T) {
	engine := writeEngine(t, `
echo "loading scene"
echo "50% [#####     ]"
echo "100% [##########]"
printf 'glb' > "$out/result.glb"
`)
	c := New(Config{Path: engine})
	h, err := c.Launch(context.Background(), testSpec(t, "run-ok"))
	require.NoError(t, err)
	assert.Greater(t, h.PID(), 0)

	assert.Equal(t, StatusSucceeded, waitTerminal(t, c, h))
	assert.Equal(t, StatusIdle, c.State())
	assert.Equal(t, filepath.Join(filepath.Dir(h.ExpectedOutputs()[0]), "result.glb"), h.Output())
	assert.Nil(t, h.Diagnostic())
	require.NotNil(t, h.ExitCode())
	assert.Equal(t, 0, *h.ExitCode())

	p := h.Progress()
	assert.Equal(t, 100, p.Percent)
	assert.Equal(t, "loading scene", p.Message)

	stdout, _ := h.Logs()
	data, err := os.ReadFile(stdout)
	require.NoError(t, err)
	assert.Contains(t, string(data), "loading scene")
}

func TestController_OutputInSubdir(t *testing.T) {
	engine := writeEngine(t, `
mkdir -p "$out/0_glb"
printf 'glb' > "$out/0_glb/scene.glb"
`)
	c := New(Config{Path: engine, OutputName: "scene"})
	h, err := c.Launch(context.Background(), testSpec(t, "run-sub"))
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, waitTerminal(t, c, h))
	assert.Equal(t, "0_glb", filepath.Base(filepath.Dir(h.Output())))
}

func TestController_ExitZeroWithoutOutput(t *testing.T) {
	engine := writeEngine(t, `
echo "nothing to do" >&2
exit 0
`)
	c := New(Config{Path: engine})
	h, err := c.Launch(context.Background(), testSpec(t, "run-empty"))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, waitTerminal(t, c, h))
	d := h.Diagnostic()
	require.NotNil(t, d)
	assert.Equal(t, FailureOutput, d.Kind)
	assert.Contains(t, d.StderrTail, "nothing to do")

	err = d.Err()
	assert.True(t, qerr.IsCode(err, qerr.CodeImport))
	assert.False(t, qerr.IsCode(err, qerr.CodeProcess))
}

func TestController_EmptyOutputFileFails(t *testing.T) {
	engine := writeEngine(t, `: > "$out/result.glb"`)
	c := New(Config{Path: engine})
	h, err := c.Launch(context.Background(), testSpec(t, "run-zero"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, waitTerminal(t, c, h))
	assert.Equal(t, FailureOutput, h.Diagnostic().Kind)
}

func TestController_NonZeroExit(t *testing.T) {
	engine := writeEngine(t, `
printf 'glb' > "$out/result.glb"
echo "invalid mesh data" >&2
exit 3
`)
	c := New(Config{Path: engine})
	h, err := c.Launch(context.Background(), testSpec(t, "run-fail"))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, waitTerminal(t, c, h))
	d := h.Diagnostic()
	require.NotNil(t, d)
	assert.Equal(t, FailureProcess, d.Kind)
	assert.Equal(t, 3, d.ExitCode)
	assert.Equal(t, "invalid mesh data", d.StderrTail)

	err = d.Err()
	assert.True(t, qerr.IsCode(err, qerr.CodeProcess))
	var pf *ProcessFailure
	require.True(t, errors.As(err, &pf))
	assert.Equal(t, 3, pf.ExitCode)
}

func TestController_SpawnError(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{"unset", func(t *testing.T) string { return "" }},
		{"missing", func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope") }},
		{"not executable", func(t *testing.T) string {
			p := filepath.Join(t.TempDir(), "engine")
			require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"), 0o644))
			return p
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(Config{Path: tt.path(t)})
			h, err := c.Launch(context.Background(), testSpec(t, "run-spawn"))
			require.Error(t, err)
			assert.Nil(t, h)
			assert.True(t, qerr.IsCode(err, qerr.CodeSpawn))
			var se *SpawnError
			assert.True(t, errors.As(err, &se))
			assert.Equal(t, StatusIdle, c.State())
		})
	}
}

func TestController_BusyAndCancel(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "launches")
	engine := writeEngine(t, `
echo x >> "`+marker+`"
exec sleep 30
`)
	c := New(Config{Path: engine, KillGrace: 2 * time.Second})
	ctx := context.Background()

	h, err := c.Launch(ctx, testSpec(t, "run-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, c.Poll(h))

	_, err = c.Launch(ctx, testSpec(t, "run-2"))
	require.Error(t, err)
	assert.True(t, qerr.IsCode(err, qerr.CodeBusy))
	var be *BusyError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "run-1", be.RunID)

	require.NoError(t, c.Cancel(h))
	assert.Equal(t, StatusCancelled, waitTerminal(t, c, h))
	assert.Equal(t, StatusIdle, c.State())

	// Cancelling again changes nothing.
	require.NoError(t, c.Cancel(h))
	assert.Equal(t, StatusCancelled, h.Status())

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "x\n", string(data), "the busy launch must not spawn")

	h2, err := c.Launch(ctx, testSpec(t, "run-3"))
	require.NoError(t, err)
	require.NoError(t, c.Cancel(h2))
	assert.Equal(t, StatusCancelled, waitTerminal(t, c, h2))
}

func TestController_CancelAfterTerminalIsNoop(t *testing.T) {
	engine := writeEngine(t, `printf 'glb' > "$out/result.glb"`)
	c := New(Config{Path: engine})
	h, err := c.Launch(context.Background(), testSpec(t, "run-done"))
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, waitTerminal(t, c, h))

	require.NoError(t, c.Cancel(h))
	assert.Equal(t, StatusSucceeded, h.Status())
	assert.False(t, h.CancelRequested())
}

func TestHandle_CancelWinsOverLateSuccess(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "result.glb")
	require.NoError(t, os.WriteFile(out, []byte("glb"), 0o644))

	h := &Handle{
		id:              "late",
		outputs:         []string{out},
		status:          StatusRunning,
		cancelRequested: true,
		done:            make(chan struct{}),
		logger:          discardLogger(),
	}
	h.finish(nil)

	assert.Equal(t, StatusCancelled, h.Status())
	assert.Empty(t, h.Output())
	assert.Nil(t, h.Diagnostic())
	select {
	case <-h.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestController_MaxRuntime(t *testing.T) {
	engine := writeEngine(t, `exec sleep 30`)
	c := New(Config{Path: engine, MaxRuntime: 200 * time.Millisecond, KillGrace: time.Second})
	h, err := c.Launch(context.Background(), testSpec(t, "run-slow"))
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, waitTerminal(t, c, h))
}

func TestController_SharedLock(t *testing.T) {
	store := kv.NewMemoryStore()
	engine := writeEngine(t, `exec sleep 30`)
	a := New(Config{Path: engine, KillGrace: 2 * time.Second}, WithLock(store, ""))
	b := New(Config{Path: engine, KillGrace: 2 * time.Second}, WithLock(store, ""))
	ctx := context.Background()

	h, err := a.Launch(ctx, testSpec(t, "run-a"))
	require.NoError(t, err)

	_, err = b.Launch(ctx, testSpec(t, "run-b"))
	require.Error(t, err)
	var be *BusyError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "run-a", be.RunID)

	require.NoError(t, a.Cancel(h))
	require.Equal(t, StatusCancelled, waitTerminal(t, a, h))

	h2, err := b.Launch(ctx, testSpec(t, "run-b"))
	require.NoError(t, err)
	require.NoError(t, b.Cancel(h2))
	assert.Equal(t, StatusCancelled, waitTerminal(t, b, h2))
}

func TestController_Args(t *testing.T) {
	c := New(Config{Path: "engine", Args: []string{"--threads", "4"}, Sign: true})
	spec := LaunchSpec{Input: "/in.glb", Config: "/cfg.ini", OutputDir: "/out"}

	argv := c.Args("/opt/engine/bin/engine", spec)
	want := []string{
		"/opt/engine/bin/engine",
		"--read_config", "/cfg.ini",
		"-i", "/in.glb",
		"-o", "/out",
		"--run",
		"--threads", "4",
	}
	require.Len(t, argv, len(want)+2)
	assert.Equal(t, want, argv[:len(want)])
	assert.Equal(t, "--signature", argv[len(want)])

	sum := sha1.Sum([]byte("/opt/engine/bin/engine--read_config/cfg.ini-i/in.glb-o/out--run--threads4"))
	assert.Equal(t, base64.StdEncoding.EncodeToString(sum[:]), argv[len(want)+1])
}

func TestController_ValidateConfig(t *testing.T) {
	ok := New(Config{Path: writeEngine(t, `exit 0`)})
	assert.NoError(t, ok.ValidateConfig(context.Background(), "/tmp/cfg.ini"))

	bad := New(Config{Path: writeEngine(t, `
echo "unknown key: smoothing"
exit 2
`)})
	err := bad.ValidateConfig(context.Background(), "/tmp/cfg.ini")
	require.Error(t, err)
	assert.True(t, qerr.IsCode(err, qerr.CodeProcess))
	assert.Contains(t, err.Error(), "unknown key: smoothing")
}

func TestProgressWriter(t *testing.T) {
	h := &Handle{progress: Progress{Percent: -1}}
	w := &progressWriter{h: h}

	_, _ = w.Write([]byte("reading input\n12"))
	assert.Equal(t, -1, h.Progress().Percent)
	assert.Equal(t, "reading input", h.Progress().Message)

	_, _ = w.Write([]byte("% [#         ]\r"))
	assert.Equal(t, 12, h.Progress().Percent)

	_, _ = w.Write([]byte("batch processing 1/1\n"))
	assert.Equal(t, "reading input", h.Progress().Message)
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, limit: 10}

	_, _ = lw.Write([]byte("hello"))
	assert.Equal(t, "hello", buf.String())

	_, _ = lw.Write([]byte(" world of test data"))
	assert.Equal(t, " test data", buf.String())
}
