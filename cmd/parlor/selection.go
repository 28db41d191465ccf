package main

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// selectionLog records which character the session is showing
type selectionLog struct {
	logger *slog.Logger
}

func (s selectionLog) SelectCharacter(characterID string) {
	if characterID == "" {
		s.logger.Debug("character deselected")
		return
	}
	s.logger.Debug("character selected", "character_id", characterID)
}

// logMetrics writes the session's counters to the log
func logMetrics(registry *prometheus.Registry, logger *slog.Logger) {
	families, err := registry.Gather()
	if err != nil {
		logger.Warn("failed to gather metrics", "error", err)
		return
	}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			attrs := []any{"metric", family.GetName()}
			for _, label := range metric.GetLabel() {
				attrs = append(attrs, label.GetName(), label.GetValue())
			}
			switch {
			case metric.GetCounter() != nil:
				attrs = append(attrs, "value", metric.GetCounter().GetValue())
			case metric.GetGauge() != nil:
				attrs = append(attrs, "value", metric.GetGauge().GetValue())
			case metric.GetHistogram() != nil:
				attrs = append(attrs,
					"count", metric.GetHistogram().GetSampleCount(),
					"sum", metric.GetHistogram().GetSampleSum(),
				)
			}
			logger.Info("session metric", attrs...)
		}
	}
}
