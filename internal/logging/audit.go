package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType identifies one step of an extraction run.
type AuditEventType string

const (
	AuditRunStart         AuditEventType = "run_start"
	AuditCacheHit         AuditEventType = "cache_hit"
	AuditCacheMiss        AuditEventType = "cache_miss"
	AuditCachedRejected   AuditEventType = "cached_rejected"
	AuditSnippetGenerated AuditEventType = "snippet_generated"
	AuditAttemptFailed    AuditEventType = "attempt_failed"
	AuditJudgeRejected    AuditEventType = "judge_rejected"
	AuditJudgeUnavailable AuditEventType = "judge_unavailable"
	AuditCacheWrite       AuditEventType = "cache_write"
	AuditRunDone          AuditEventType = "run_done"
	AuditRunFailed        AuditEventType = "run_failed"
)

// AuditEvent is one JSON line of the audit trail.
type AuditEvent struct {
	EventType  AuditEventType
	RunID      string
	Key        string
	Attempt    int
	Kind       string // failure kind, if any
	DurationMs int64
	Message    string
}

// =============================================================================
// AUDIT LOGGER
// =============================================================================

var (
	auditMu   sync.Mutex
	auditZap  *zap.Logger
	auditFile *os.File
)

// AuditLogger writes audit events scoped to one extraction run.
type AuditLogger struct {
	runID string
	key   string
}

// InitAudit opens the audit trail at path (JSON lines, appended).
func InitAudit(path string) error {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditZap != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.MessageKey = "msg"
	encCfg.EncodeTime = zapcore.EpochMillisTimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(file), zapcore.InfoLevel)

	auditFile = file
	auditZap = zap.New(core)
	return nil
}

// CloseAudit flushes and closes the audit trail.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditZap != nil {
		_ = auditZap.Sync()
		auditZap = nil
	}
	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// AuditRun returns an audit logger scoped to a run.
func AuditRun(runID, key string) *AuditLogger {
	return &AuditLogger{runID: runID, key: key}
}

// Log writes an audit event. It is a no-op when no audit trail is open.
func (a *AuditLogger) Log(event AuditEvent) {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditZap == nil {
		return
	}
	if event.RunID == "" {
		event.RunID = a.runID
	}
	if event.Key == "" {
		event.Key = a.key
	}

	fields := []zap.Field{
		zap.String("event", string(event.EventType)),
		zap.String("run", event.RunID),
		zap.String("key", event.Key),
	}
	if event.Attempt > 0 {
		fields = append(fields, zap.Int("attempt", event.Attempt))
	}
	if event.Kind != "" {
		fields = append(fields, zap.String("kind", event.Kind))
	}
	if event.DurationMs > 0 {
		fields = append(fields, zap.Int64("dur_ms", event.DurationMs))
	}
	auditZap.Info(event.Message, fields...)
}

// Event is shorthand for Log with only a type and message.
func (a *AuditLogger) Event(eventType AuditEventType, format string, args ...interface{}) {
	a.Log(AuditEvent{EventType: eventType, Message: fmt.Sprintf(format, args...)})
}

// AttemptFailed records a failed generation attempt.
func (a *AuditLogger) AttemptFailed(attempt int, kind, msg string) {
	a.Log(AuditEvent{EventType: AuditAttemptFailed, Attempt: attempt, Kind: kind, Message: msg})
}

// RunFinished records the terminal outcome of a run.
func (a *AuditLogger) RunFinished(success bool, attempts int, kind string, elapsed time.Duration) {
	event := AuditEvent{
		EventType:  AuditRunDone,
		Attempt:    attempts,
		DurationMs: elapsed.Milliseconds(),
	}
	if !success {
		event.EventType = AuditRunFailed
		event.Kind = kind
	}
	a.Log(event)
}
