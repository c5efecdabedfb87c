// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlive(t *testing.T) {
	t.Parallel()

	if runtime.GOOS == "windows" {
		t.Skip("test uses unix sleep")
	}

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	assert.True(t, Alive(pid))
	assert.False(t, Alive(-1))
}

func TestKillTree(t *testing.T) {
	t.Parallel()

	if runtime.GOOS == "windows" {
		t.Skip("test uses unix shell")
	}

	// Parent shell spawns a child sleep; both must be gone afterwards.
	cmd := exec.Command("sh", "-c", "sleep 30 & wait")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid

	// Give the shell a moment to fork the child.
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, KillTree(pid, 2*time.Second))
	_ = cmd.Wait()

	assert.Eventually(t, func() bool {
		return !Alive(pid)
	}, 3*time.Second, 100*time.Millisecond)
}

func TestKillTreeIdempotent(t *testing.T) {
	t.Parallel()

	if runtime.GOOS == "windows" {
		t.Skip("test uses unix sleep")
	}

	cmd := exec.Command("sleep", "1")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	_ = cmd.Wait()

	// Process already exited; both calls must succeed.
	require.NoError(t, KillTree(pid, time.Second))
	require.NoError(t, KillTree(pid, time.Second))
}
