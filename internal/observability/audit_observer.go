package observability

import (
	"context"
	"strings"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// AuditSink is the audit surface the observer decorates.
type AuditSink interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MovementAudit wraps an audit sink and counts stock movements as they are
// recorded, so movement throughput shows up on /metrics without the ledger
// knowing about Prometheus.
type MovementAudit struct {
	next    AuditSink
	metrics *Metrics
}

// NewMovementAudit builds the decorator. A nil sink is allowed; the
// decorator then only counts.
func NewMovementAudit(next AuditSink, metrics *Metrics) *MovementAudit {
	return &MovementAudit{next: next, metrics: metrics}
}

// Record forwards the audit entry after counting.
func (a *MovementAudit) Record(ctx context.Context, log shared.AuditLog) error {
	if a.metrics != nil && log.Entity == "stock_movement" {
		a.metrics.ObserveMovement(strings.TrimPrefix(log.Action, "ledger:"))
	}
	if a.next == nil {
		return nil
	}
	return a.next.Record(ctx, log)
}
