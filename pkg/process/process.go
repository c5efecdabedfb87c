// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package process provides process-tree management for local backend servers.
//
// Local backends are child processes owned by the gateway. Stopping one must
// take the whole tree with it: MCP servers launched through package managers
// (npx, uvx) put the actual server one or two processes below the command we
// spawned, and killing only the parent leaves orphans behind.
package process

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/stacklok/mcphub/pkg/logger"
)

// DefaultKillGrace is how long a process gets between the graceful
// termination signal and the hard kill.
const DefaultKillGrace = 3 * time.Second

// Alive reports whether a process with the given PID is currently running.
func Alive(pid int) bool {
	running, err := process.PidExists(int32(pid))
	if err != nil {
		return false
	}
	return running
}

// KillTree terminates the process tree rooted at pid.
//
// Children are terminated first (deepest last), each getting a graceful
// signal and then a hard kill after the grace period; the root process is
// handled the same way afterwards. A missing process at any step is treated
// as already stopped, so KillTree is idempotent.
func KillTree(pid int, grace time.Duration) error {
	if grace <= 0 {
		grace = DefaultKillGrace
	}

	root, err := process.NewProcess(int32(pid))
	if err != nil {
		// Process already gone.
		return nil
	}

	children := descendants(root)
	if len(children) > 0 {
		logger.Debugf("Terminating %d child processes of PID %d", len(children), pid)
	}

	for _, child := range children {
		if err := child.Terminate(); err != nil {
			logger.Debugf("Failed to terminate child PID %d: %v", child.Pid, err)
		}
	}

	survivors := waitForExit(children, grace)
	for _, child := range survivors {
		if err := child.Kill(); err != nil {
			logger.Debugf("Failed to kill child PID %d: %v", child.Pid, err)
		}
	}

	if err := root.Terminate(); err != nil {
		// Terminate fails when the process is already gone; nothing to do.
		return nil
	}

	if remaining := waitForExit([]*process.Process{root}, grace); len(remaining) > 0 {
		if err := root.Kill(); err != nil {
			return fmt.Errorf("failed to kill process %d: %w", pid, err)
		}
	}

	return nil
}

// descendants returns every process below root, direct children first.
func descendants(root *process.Process) []*process.Process {
	direct, err := root.Children()
	if err != nil {
		return nil
	}

	all := make([]*process.Process, 0, len(direct))
	for _, child := range direct {
		all = append(all, child)
		all = append(all, descendants(child)...)
	}
	return all
}

// waitForExit polls the given processes until they exit or the deadline
// passes, returning those still running.
func waitForExit(procs []*process.Process, timeout time.Duration) []*process.Process {
	deadline := time.Now().Add(timeout)
	pending := procs

	for len(pending) > 0 && time.Now().Before(deadline) {
		var alive []*process.Process
		for _, p := range pending {
			running, err := p.IsRunning()
			if err == nil && running {
				alive = append(alive, p)
			}
		}
		pending = alive
		if len(pending) > 0 {
			time.Sleep(100 * time.Millisecond)
		}
	}
	return pending
}
