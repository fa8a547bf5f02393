// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler is a slog.Handler that dispatches every record to two
// handlers. NewStreamDebugLogger uses it to write simultaneously to the
// process-wide logger and a dedicated per-stream debug file.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Check each handler's Enabled() individually so a DEBUG record isn't
	// sent to the primary handler when it only accepts INFO and above.
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// A write failure on the stream file must never suppress the global log.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewStreamDebugLogger builds a logger that writes to both the base
// (process-wide) logger and a dedicated per-stream debug file, useful
// for capturing one misbehaving stream's full SPOE NOTIFY/ACK exchange
// or rule-evaluator trace without turning up global verbosity. The file
// is created at:
//
//	{streamLogDir}/{component}/{streamID}.log
//
// Returns the combined logger, an io.Closer for the stream file (which
// MUST be closed, generally via defer, when the stream ends), and the
// file's path (relative when streamLogDir is). If streamLogDir is empty, returns the base
// logger unmodified (no-op) and a no-op closer.
func NewStreamDebugLogger(baseLogger *slog.Logger, streamLogDir, component, streamID string) (*slog.Logger, io.Closer, string, error) {
	if streamLogDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	dir := filepath.Join(streamLogDir, component)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating stream log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, streamID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening stream log file %s: %w", logPath, err)
	}

	// The stream file always uses JSON at DEBUG level for maximum capture.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), f, logPath, nil
}

// RemoveStreamDebugLog removes a finished stream's debug log file. It is a
// no-op if streamLogDir is empty or the file doesn't exist.
func RemoveStreamDebugLog(streamLogDir, component, streamID string) {
	if streamLogDir == "" {
		return
	}
	logPath := filepath.Join(streamLogDir, component, streamID+".log")
	os.Remove(logPath)
}
