//go:build unix

package qengine

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_CancelKillsWorkers(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "worker.pid")
	engine := writeEngine(t, `
sleep 30 &
echo $! > "`+pidFile+`"
wait
`)
	c := New(Config{Path: engine, KillGrace: 5 * time.Second})
	h, err := c.Launch(context.Background(), testSpec(t, "run-workers"))
	require.NoError(t, err)

	var worker int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		worker, err = strconv.Atoi(strings.TrimSpace(string(data)))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, c.Cancel(h))
	assert.Less(t, time.Since(start), 500*time.Millisecond, "cancel must not wait for the exit")

	assert.Equal(t, StatusCancelled, waitTerminal(t, c, h))
	assert.Eventually(t, func() bool {
		return !alive(worker)
	}, 2*time.Second, 20*time.Millisecond, "worker %d survived the cancel", worker)
}

// alive reports whether pid runs. An unreaped zombie counts as gone.
func alive(pid int) bool {
	if syscall.Kill(pid, 0) != nil {
		return false
	}
	stat, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return true
	}
	return !strings.Contains(string(stat), ") Z ")
}
