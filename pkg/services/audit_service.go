package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-vault/pkg/audit"
	"github.com/ekaya-inc/ekaya-vault/pkg/logging"
	"github.com/ekaya-inc/ekaya-vault/pkg/models"
	"github.com/ekaya-inc/ekaya-vault/pkg/repositories"
)

const (
	// maxUserAgentLength bounds the stored user agent.
	maxUserAgentLength = 512

	auditWriteTimeout = 5 * time.Second
)

// AuditRecorder accepts audit events. Record never blocks on the registry
// and never reports failure to the caller.
type AuditRecorder interface {
	Record(ctx context.Context, event models.AuditEvent)
}

// AuditLoggerConfig sizes the write queue.
type AuditLoggerConfig struct {
	// QueueSize of 0 writes synchronously inside Record.
	QueueSize int
	Workers   int
}

// AuditLogger writes audit events to the append-only audit_logs table.
// A full queue or a failed write is logged and dropped so that auditing can
// never fail the operation being audited.
type AuditLogger struct {
	repo   repositories.AuditRepository
	logger *zap.Logger

	queue chan *models.AuditLog
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	dropped atomic.Uint64
	written atomic.Uint64
}

var _ AuditRecorder = (*AuditLogger)(nil)

// NewAuditLogger starts cfg.Workers writers when cfg.QueueSize > 0.
func NewAuditLogger(repo repositories.AuditRepository, cfg AuditLoggerConfig, logger *zap.Logger) *AuditLogger {
	l := &AuditLogger{
		repo:   repo,
		logger: logger.Named("audit-logger"),
	}
	if cfg.QueueSize <= 0 {
		return l
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	l.queue = make(chan *models.AuditLog, cfg.QueueSize)
	for i := 0; i < workers; i++ {
		l.wg.Add(1)
		go l.worker()
	}
	return l
}

// Record queues event for writing. Request metadata missing from event is
// taken from the actor in ctx.
func (l *AuditLogger) Record(ctx context.Context, event models.AuditEvent) {
	entry, ok := l.buildEntry(ctx, event)
	if !ok {
		return
	}

	if l.queue == nil {
		// The audited operation may already be finishing; the write must not
		// inherit its cancellation.
		l.write(context.WithoutCancel(ctx), entry)
		return
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.drop(entry, "Audit logger closed, dropping event")
		return
	}
	select {
	case l.queue <- entry:
	default:
		l.drop(entry, "Audit queue full, dropping event")
	}
}

func (l *AuditLogger) buildEntry(ctx context.Context, event models.AuditEvent) (*models.AuditLog, bool) {
	if event.Action == "" {
		l.logger.Warn("Dropping audit event without action",
			zap.String("organization_id", event.OrgID.String()))
		return nil, false
	}

	entry := &models.AuditLog{
		OrgID:     event.OrgID,
		UserID:    event.UserID,
		Action:    event.Action,
		Details:   event.Details,
		CreatedAt: time.Now(),
	}
	if event.ResourceType != "" {
		entry.ResourceType = &event.ResourceType
	}
	if event.ResourceID != "" {
		entry.ResourceID = &event.ResourceID
	}

	ip, ua := event.IPAddress, event.UserAgent
	if actor, ok := audit.ActorFromContext(ctx); ok {
		if entry.UserID == nil {
			entry.UserID = actor.UserID
		}
		if ip == "" {
			ip = actor.ClientIP
		}
		if ua == "" {
			ua = actor.UserAgent
		}
	}
	if ip != "" {
		entry.IPAddress = &ip
	}
	if ua != "" {
		ua = logging.TruncateString(ua, maxUserAgentLength)
		entry.UserAgent = &ua
	}
	return entry, true
}

func (l *AuditLogger) worker() {
	defer l.wg.Done()
	for entry := range l.queue {
		l.write(context.Background(), entry)
	}
}

func (l *AuditLogger) write(ctx context.Context, entry *models.AuditLog) {
	ctx, cancel := context.WithTimeout(ctx, auditWriteTimeout)
	defer cancel()

	if err := l.repo.Append(ctx, entry); err != nil {
		l.drop(entry, "Failed to write audit log", zap.String("error", logging.SanitizeError(err)))
		return
	}
	l.written.Add(1)
}

func (l *AuditLogger) drop(entry *models.AuditLog, msg string, fields ...zap.Field) {
	l.dropped.Add(1)
	l.logger.Error(msg, append([]zap.Field{
		zap.String("organization_id", entry.OrgID.String()),
		zap.String("action", entry.Action),
	}, fields...)...)
}

// Dropped returns how many events were never written.
func (l *AuditLogger) Dropped() uint64 {
	return l.dropped.Load()
}

// Written returns how many events were stored.
func (l *AuditLogger) Written() uint64 {
	return l.written.Load()
}

// Close stops accepting events and waits for queued events to be written.
func (l *AuditLogger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	if l.queue != nil {
		close(l.queue)
	}
	l.mu.Unlock()

	l.wg.Wait()
	l.logger.Info("Audit logger closed",
		zap.Uint64("written", l.written.Load()),
		zap.Uint64("dropped", l.dropped.Load()),
	)
}
