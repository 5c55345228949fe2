package backup

import (
	"context"
	"log/slog"
	"time"
)

// Alert is raised for conditions an operator must look at.
type Alert struct {
	Kind       Kind
	ContractID string
	BackupID   string
	Region     string
	Message    string
	At         time.Time
}

// Alerter delivers alerts.
type Alerter interface {
	Alert(ctx context.Context, alert Alert)
}

// LogAlerter writes alerts to the log at error level and counts them.
type LogAlerter struct {
	logger  *slog.Logger
	metrics *Collector
}

// NewLogAlerter returns an Alerter backed by logger.
func NewLogAlerter(logger *slog.Logger, metrics *Collector) *LogAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAlerter{logger: logger.With("component", "alert"), metrics: metrics}
}

func (a *LogAlerter) Alert(ctx context.Context, alert Alert) {
	a.metrics.alert(alert.Kind)
	a.logger.ErrorContext(ctx, alert.Message,
		"kind", string(alert.Kind),
		"contract_id", alert.ContractID,
		"backup_id", alert.BackupID,
		"region", alert.Region,
	)
}
