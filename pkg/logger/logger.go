// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides a singleton structured logger for the broker.
// Call sites use the package-level sugar functions; the underlying logger
// can be swapped with Set, which makes the package safe for tests.
package logger

import (
	"os"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var singleton atomic.Pointer[zap.SugaredLogger]

func init() {
	singleton.Store(newLogger().Sugar())
}

// unstructuredLogs returns true unless UNSTRUCTURED_LOGS is explicitly "false".
func unstructuredLogs() bool {
	v, err := strconv.ParseBool(os.Getenv("UNSTRUCTURED_LOGS"))
	if err != nil {
		return true
	}
	return v
}

func newLogger() *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if unstructuredLogs() {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(zapcore.InfoLevel))
	return zap.New(core)
}

// Initialize rebuilds the singleton from the current environment.
func Initialize() {
	singleton.Store(newLogger().Sugar())
}

// Get returns the current singleton logger.
func Get() *zap.SugaredLogger {
	return singleton.Load()
}

// Set replaces the singleton logger and returns the previous one.
func Set(l *zap.SugaredLogger) *zap.SugaredLogger {
	return singleton.Swap(l)
}

// Debug logs at debug level.
func Debug(args ...any) { Get().Debug(args...) }

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...any) { Get().Debugf(format, args...) }

// Debugw logs a message with key-value pairs at debug level.
func Debugw(msg string, kv ...any) { Get().Debugw(msg, kv...) }

// Info logs at info level.
func Info(args ...any) { Get().Info(args...) }

// Infof logs a formatted message at info level.
func Infof(format string, args ...any) { Get().Infof(format, args...) }

// Infow logs a message with key-value pairs at info level.
func Infow(msg string, kv ...any) { Get().Infow(msg, kv...) }

// Warn logs at warn level.
func Warn(args ...any) { Get().Warn(args...) }

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...any) { Get().Warnf(format, args...) }

// Warnw logs a message with key-value pairs at warn level.
func Warnw(msg string, kv ...any) { Get().Warnw(msg, kv...) }

// Error logs at error level.
func Error(args ...any) { Get().Error(args...) }

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...any) { Get().Errorf(format, args...) }

// Errorw logs a message with key-value pairs at error level.
func Errorw(msg string, kv ...any) { Get().Errorw(msg, kv...) }
