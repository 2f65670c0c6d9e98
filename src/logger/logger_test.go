// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		name string
		l    LogLevel
		want string
	}{
		{name: "ValidLogLevel", l: LogLevelWarn, want: "WARN: "},
		{name: "InvalidLogLevel", l: 10, want: "10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.l.String(); got != tt.want {
				t.Errorf("LogLevel.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewLogger_Stderr(t *testing.T) {
	l, err := NewLogger("keystore", "")
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	if l.Component != "keystore" {
		t.Errorf("Component = %q, want %q", l.Component, "keystore")
	}
	if l.LogFile != nil {
		t.Errorf("expected no log file for stderr-only logger")
	}
	l.Info(errors.New("hello"))
}

func TestNewLogger_File(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "protect.log")

	l, err := NewLogger("protect", logPath)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer l.DeleteLogger()

	l.Info(errors.New("bundle written"))

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if len(data) == 0 {
		t.Errorf("expected log file to contain data")
	}
}

func TestNewLogger_InvalidDir(t *testing.T) {
	if _, err := NewLogger("protect", "/does/not/exist/test.log"); err == nil {
		t.Errorf("expected error for missing log directory")
	}
}

func TestSetLogLevel_Invalid(t *testing.T) {
	l, err := NewLogger("sale", "")
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	if err := l.SetLogLevel(100); err == nil {
		t.Errorf("expected error for invalid log level")
	}
}

func TestDeleteLogger_RemovesEmptyFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "empty.log")

	l, err := NewLogger("licsvc", logPath)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	if err := l.DeleteLogger(); err != nil {
		t.Fatalf("DeleteLogger() error = %v", err)
	}
	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Errorf("expected empty log file to be removed")
	}
}
