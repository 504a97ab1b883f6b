package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"burstfuse/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	return NewWriter(os.Stdout, level, format)
}

// NewWriter is New with an explicit destination.
func NewWriter(w io.Writer, level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Setup configures global logging with stdout plus an optional daily file.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	level := parseLevel(cfg.Logging.Level)

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	writers := []io.Writer{os.Stdout}

	if cfg.Logging.FileOutput {
		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("burstfuse-%s.log",
			time.Now().Format("2006-01-02")))

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, file)

		// burstfuse-current.log always points at today's file
		currentLogPath := filepath.Join(cfg.Logging.LogDir, "burstfuse-current.log")
		os.Remove(currentLogPath)
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)
	}

	out := io.MultiWriter(writers...)

	var slogLogger *slog.Logger
	if strings.ToLower(cfg.Logging.Format) == "json" {
		slogLogger = slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
	} else {
		slogLogger = slog.New(&TraditionalHandler{
			logger: log.New(out, "", log.LstdFlags),
			level:  level,
		})
	}
	slog.SetDefault(slogLogger)

	slogLogger.Debug("logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)

	return slogLogger, nil
}

// TraditionalHandler writes records as "[LEVEL] message [k=v ...]".
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []slog.Attr
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})

	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &TraditionalHandler{logger: h.logger, level: h.level, attrs: merged}
}

// WithGroup is not supported; group names are dropped.
func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	return h
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogJobStart logs the beginning of a processing job
func LogJobStart(logger *slog.Logger, jobType, jobID, inputPath, outputPath string, options map[string]any) {
	logger.Info("job started",
		"type", jobType,
		"id", jobID,
		"input", inputPath,
		"output", outputPath,
		"options", options,
	)
}

// LogJobComplete logs successful job completion
func LogJobComplete(logger *slog.Logger, jobType, jobID string, duration time.Duration, resultInfo map[string]any) {
	logger.Info("job completed successfully",
		"type", jobType,
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
		"result", resultInfo,
	)
}

// LogJobError logs job failures
func LogJobError(logger *slog.Logger, jobType, jobID string, duration time.Duration, err error, context map[string]any) {
	logger.Error("job failed",
		"type", jobType,
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
		"context", context,
	)
}

// LogProcessingStep logs individual processing steps within a job
func LogProcessingStep(logger *slog.Logger, jobID, step, status string, details map[string]any) {
	logger.Info("processing step",
		"job_id", jobID,
		"step", step,
		"status", status,
		"details", details,
	)
}

// LogFrameOutcome logs the alignment result of one burst frame. Fallbacks
// are warnings since they lower the quality of the fused image.
func LogFrameOutcome(logger *slog.Logger, runID string, index int, name, outcome string, inliers int, reason string, duration time.Duration) {
	attrs := []any{
		"run", runID,
		"frame", index,
		"name", name,
		"outcome", outcome,
		"inliers", inliers,
		"duration_ms", duration.Milliseconds(),
	}
	if reason != "" {
		logger.Warn("frame fell back to unaligned", append(attrs, "reason", reason)...)
		return
	}
	logger.Debug("frame aligned", attrs...)
}
