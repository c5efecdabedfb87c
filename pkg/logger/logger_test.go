// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnstructuredLogsCheck(t *testing.T) { //nolint:paralleltest // mutates env
	tests := []struct {
		name     string
		envValue string
		expected bool
	}{
		{"unset defaults to text", "", true},
		{"explicitly true", "true", true},
		{"explicitly false", "false", false},
		{"unparseable defaults to text", "not-a-bool", true},
	}

	for _, tt := range tests { //nolint:paralleltest // mutates env
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("UNSTRUCTURED_LOGS", tt.envValue)
			assert.Equal(t, tt.expected, unstructuredLogs())
		})
	}
}

// captureOutput swaps in a buffer-backed logger for the duration of the
// test and restores the previous singleton afterwards.
func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := Get()
	Set(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { Set(prev) })
	return &buf
}

func TestHelpersWriteThroughSingleton(t *testing.T) { //nolint:paralleltest // mutates singleton
	tests := []struct {
		name     string
		logFn    func()
		contains string
	}{
		{"Debug", func() { Debug("debug msg") }, "debug msg"},
		{"Debugf", func() { Debugf("debug %s", "formatted") }, "debug formatted"},
		{"Info", func() { Info("info msg") }, "info msg"},
		{"Infof", func() { Infof("info %s", "formatted") }, "info formatted"},
		{"Warn", func() { Warn("warn msg") }, "warn msg"},
		{"Warnf", func() { Warnf("warn %s", "formatted") }, "warn formatted"},
		{"Error", func() { Error("error msg") }, "error msg"},
		{"Errorf", func() { Errorf("error %s", "formatted") }, "error formatted"},
	}

	for _, tc := range tests { //nolint:paralleltest // mutates singleton
		t.Run(tc.name, func(t *testing.T) {
			buf := captureOutput(t)
			tc.logFn()
			assert.Contains(t, buf.String(), tc.contains)
		})
	}
}

func TestGetReturnsCurrentSingleton(t *testing.T) { //nolint:paralleltest // mutates singleton
	buf := captureOutput(t)

	l := Get()
	require.NotNil(t, l)

	l.Info("routed through Get")
	assert.Contains(t, buf.String(), "routed through Get")
}

func TestInitialize(t *testing.T) { //nolint:paralleltest // mutates singleton and env
	tests := []struct {
		name            string
		unstructuredEnv string
	}{
		{"default text handler", ""},
		{"explicit text handler", "true"},
		{"structured JSON handler", "false"},
	}

	for _, tc := range tests { //nolint:paralleltest // mutates singleton and env
		t.Run(tc.name, func(t *testing.T) {
			prev := Get()
			t.Cleanup(func() { Set(prev) })

			t.Setenv("UNSTRUCTURED_LOGS", tc.unstructuredEnv)

			Initialize()
			require.NotNil(t, Get())
		})
	}
}
