package monitor

import (
	"go.uber.org/zap"
)

// LogDisplay renders monitor views as structured log lines. It is useful when
// no terminal is attached or when progress should land in log aggregation.
type LogDisplay struct {
	logger *zap.Logger
}

// NewLogDisplay wires a zap logger to the display interface.
func NewLogDisplay(logger *zap.Logger) *LogDisplay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogDisplay{logger: logger}
}

// Render logs an aggregate line per frame, plus one debug line per visible
// record in detailed mode.
func (d *LogDisplay) Render(view View) error {
	d.logger.Info("dispatch progress",
		zap.Int("queued", view.Stats.Queued),
		zap.Int("in_progress", view.Stats.InProgress),
		zap.Int("succeeded", view.Stats.Succeeded),
		zap.Int("failed", view.Stats.Failed),
		zap.Duration("elapsed", view.Stats.Elapsed),
		zap.Float64("tasks_per_second", view.Stats.PerSecond),
	)
	if view.Mode != ModeDetailed {
		return nil
	}
	for _, rec := range view.Records {
		d.logger.Debug("task",
			zap.String("task_id", rec.ID),
			zap.String("url", rec.URL),
			zap.String("status", string(rec.Status)),
			zap.Float64("memory_mb", rec.MemoryMB),
			zap.Time("start", rec.Start),
			zap.Time("end", rec.End),
		)
	}
	return nil
}
