// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package logger implements a wrapper for the standard log package.
//
// Outputs log to console and, optionally, to a rotated log file. The
// protect, sale, gentcbsig, licingest, and licsvcd binaries each open their
// own named *ModLogger (licsvcd hands its logger to licsvc.Server) so that
// log lines are attributable without grepping for a PID.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

const (
	DDMMYYYYhhmmss = "20060102150405"
)

type LogLevel int

const (
	LogLevelFatal LogLevel = iota
	LogLevelPanic
	LogLevelError
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
	LogLevelTrace
)

// ModLogger is a named logger writing to stderr and, optionally, to a
// rotating log file. Component identifies the subsystem (e.g. "keystore",
// "protect", "sale", "licsvc") and is stamped on every line.
//
// Never pass secret material (private key bytes, symmetric keys, KEKs,
// HMAC keys) to any of the logging methods below; only wrapped *ovsaerr.Error
// values and non-secret context belong here.
type ModLogger struct {
	Component string

	FatalLog *log.Logger
	PanicLog *log.Logger
	ErrorLog *log.Logger
	WarnLog  *log.Logger
	InfoLog  *log.Logger
	DebugLog *log.Logger
	TraceLog *log.Logger

	LogFile    *os.File
	CreateTime time.Time
	LogMutex   sync.Mutex
	RefCount   int

	level LogLevel
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]*ModLogger)
)

func (level LogLevel) String() string {
	switch level {
	case LogLevelFatal:
		return "FATAL:"
	case LogLevelPanic:
		return "PANIC:"
	case LogLevelError:
		return "ERROR:"
	case LogLevelWarn:
		return "WARN: "
	case LogLevelInfo:
		return "INFO: "
	case LogLevelDebug:
		return "DEBUG:"
	case LogLevelTrace:
		return "TRACE:"
	default:
		return fmt.Sprintf("%d", int(level))
	}
}

func rotate(l *ModLogger) error {
	if l.LogFile == nil {
		return nil
	}

	now := time.Now()
	weekTime := time.Hour * 24 * 7
	if now.Sub(l.CreateTime) < weekTime {
		return nil
	}

	l.LogMutex.Lock()
	defer l.LogMutex.Unlock()

	name := l.LogFile.Name()
	oldLog := filepath.Join(name + "_" + now.Format(DDMMYYYYhhmmss))
	oldFile, err := os.Create(oldLog)
	if err != nil {
		return fmt.Errorf("cannot create %s file %w", oldLog, err)
	}
	defer oldFile.Close()

	l.LogFile.Seek(0, 0)

	fileInfo, err := os.Stat(name)
	if err != nil {
		return fmt.Errorf("cannot get log file info %w", err)
	}

	buf := make([]byte, fileInfo.Size())
	if _, err := l.LogFile.Read(buf); err != nil && err != io.EOF {
		return fmt.Errorf("cannot read from log file %w", err)
	}

	if _, err := oldFile.Write(buf); err != nil {
		return fmt.Errorf("cannot write to log file %w", err)
	}

	if err := os.Truncate(name, 0); err != nil {
		return fmt.Errorf("cannot truncate log file %w", err)
	}

	l.CreateTime = time.Now()
	return nil
}

func (l *ModLogger) prefix(err error, lvl LogLevel) string {
	now := time.Now()
	s := fmt.Sprintf("%s %s [%s] %s", now.Format(DDMMYYYYhhmmss), lvl.String(), l.Component, err.Error())

	pc, path, line, ok := runtime.Caller(2)
	if ok {
		details := runtime.FuncForPC(pc)
		_, file := filepath.Split(path)
		s = fmt.Sprintf("%s %s [%s] [%s()] [%s] [%d] %s", now.Format(DDMMYYYYhhmmss),
			lvl.String(), l.Component, details.Name(), file, line, err.Error())
	}
	return s
}

// NewLogger creates (or, for a named log file, reuses) a ModLogger for the
// given component. logName is the log file path; an empty logName logs to
// stderr only. logLevel defaults to LogLevelInfo.
func NewLogger(component, logName string, logLevel ...LogLevel) (*ModLogger, error) {
	lvl := LogLevelInfo
	if len(logLevel) > 0 {
		if logLevel[0] < LogLevelFatal || logLevel[0] > LogLevelTrace {
			return nil, fmt.Errorf("invalid log level %d, expected from %d to %d",
				logLevel[0], LogLevelFatal, LogLevelTrace)
		}
		lvl = logLevel[0]
	}

	if logName == "" {
		return newStderrLogger(component, lvl), nil
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if existing, ok := registry[logName]; ok {
		existing.RefCount++
		return existing, nil
	}

	if _, err := os.Stat(filepath.Dir(logName)); os.IsNotExist(err) {
		return nil, fmt.Errorf("log directory %s does not exist", filepath.Dir(logName))
	}

	logFile, err := os.OpenFile(logName, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("cannot create log file %w", err)
	}

	wrt := io.MultiWriter(os.Stderr, logFile)
	l := &ModLogger{
		Component:  component,
		FatalLog:   log.New(wrt, "", 0),
		PanicLog:   log.New(wrt, "", 0),
		ErrorLog:   log.New(wrt, "", 0),
		WarnLog:    log.New(wrt, "", 0),
		InfoLog:    log.New(wrt, "", 0),
		DebugLog:   log.New(wrt, "", 0),
		TraceLog:   log.New(wrt, "", 0),
		LogFile:    logFile,
		CreateTime: time.Now(),
		RefCount:   1,
		level:      lvl,
	}
	registry[logName] = l
	return l, nil
}

func newStderrLogger(component string, lvl LogLevel) *ModLogger {
	wrt := os.Stderr
	return &ModLogger{
		Component:  component,
		FatalLog:   log.New(wrt, "", 0),
		PanicLog:   log.New(wrt, "", 0),
		ErrorLog:   log.New(wrt, "", 0),
		WarnLog:    log.New(wrt, "", 0),
		InfoLog:    log.New(wrt, "", 0),
		DebugLog:   log.New(wrt, "", 0),
		TraceLog:   log.New(wrt, "", 0),
		CreateTime: time.Now(),
		level:      lvl,
	}
}

// DeleteLogger closes the underlying log file once its reference count
// drops to zero, and removes the file if it ended up empty.
func (l *ModLogger) DeleteLogger() error {
	if l == nil {
		return fmt.Errorf("non-existing logger")
	}
	if l.LogFile == nil {
		return nil
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	l.RefCount--
	if l.RefCount > 0 {
		return nil
	}

	l.LogMutex.Lock()
	defer l.LogMutex.Unlock()

	name := l.LogFile.Name()
	if err := l.LogFile.Close(); err != nil {
		return fmt.Errorf("cannot close log file %w", err)
	}
	delete(registry, name)

	info, err := os.Stat(name)
	if err != nil {
		return fmt.Errorf("cannot get log file info %w", err)
	}
	if info.Size() == 0 {
		if err := os.Remove(name); err != nil {
			return fmt.Errorf("cannot remove empty log file %w", err)
		}
	}
	l.LogFile = nil
	return nil
}

func (l *ModLogger) SetLogLevel(logLevel LogLevel) error {
	if logLevel < LogLevelFatal || logLevel > LogLevelTrace {
		return fmt.Errorf("invalid log level %d, expected from %d to %d",
			logLevel, LogLevelFatal, LogLevelTrace)
	}
	l.level = logLevel
	return nil
}

func (l *ModLogger) Fatal(err error, intf ...interface{}) {
	if l == nil || l.level < LogLevelFatal {
		return
	}
	s := l.prefix(err, LogLevelFatal)
	if l.LogFile == nil {
		fmt.Fprintln(os.Stderr, s)
		return
	}
	l.FatalLog.Println(s, intf)
	rotate(l)
}

func (l *ModLogger) Panic(err error, intf ...interface{}) {
	if l == nil || l.level < LogLevelPanic {
		return
	}
	s := l.prefix(err, LogLevelPanic)
	if l.LogFile == nil {
		panic(s)
	}
	l.PanicLog.Panicln(s, intf)
	rotate(l)
}

func (l *ModLogger) Error(err error, intf ...interface{}) {
	if l == nil || l.level < LogLevelError {
		return
	}
	s := l.prefix(err, LogLevelError)
	if l.LogFile == nil {
		fmt.Fprintln(os.Stderr, s)
		return
	}
	l.ErrorLog.Println(s, intf)
	rotate(l)
}

func (l *ModLogger) Warn(err error, intf ...interface{}) {
	if l == nil || l.level < LogLevelWarn {
		return
	}
	s := l.prefix(err, LogLevelWarn)
	if l.LogFile == nil {
		fmt.Fprintln(os.Stderr, s)
		return
	}
	l.WarnLog.Println(s, intf)
	rotate(l)
}

func (l *ModLogger) Info(err error, intf ...interface{}) {
	if l == nil || l.level < LogLevelInfo {
		return
	}
	s := l.prefix(err, LogLevelInfo)
	if l.LogFile == nil {
		fmt.Fprintln(os.Stderr, s)
		return
	}
	l.InfoLog.Println(s, intf)
	rotate(l)
}

func (l *ModLogger) Debug(err error, intf ...interface{}) {
	if l == nil || l.level < LogLevelDebug {
		return
	}
	s := l.prefix(err, LogLevelDebug)
	if l.LogFile == nil {
		fmt.Fprintln(os.Stderr, s)
		return
	}
	l.DebugLog.Println(s, intf)
	rotate(l)
}

func (l *ModLogger) Trace(err error, intf ...interface{}) {
	if l == nil || l.level < LogLevelTrace {
		return
	}
	s := l.prefix(err, LogLevelTrace)
	if l.LogFile == nil {
		fmt.Fprintln(os.Stderr, s)
		return
	}
	l.TraceLog.Println(s, intf)
	rotate(l)
}
