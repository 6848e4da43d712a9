package usecase

import (
	"context"

	"github.com/example/tyre-check/internal/logging"
)

// MetricsSummary represents aggregated classification insights.
type MetricsSummary struct {
	TotalPredictions  int64   `json:"total_predictions"`
	DefectiveCount    int64   `json:"defective_count"`
	GoodCount         int64   `json:"good_count"`
	DefectRate        float64 `json:"defect_rate"`
	AverageConfidence float64 `json:"average_confidence"`
	AverageLatencyMs  float64 `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates classification metrics from persisted logs.
func (uc *ClassificationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, logging.NewOperationError("usecase.metrics_summary", "", ErrHistoryUnavailable)
	}

	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalPredictions:  aggregation.TotalCount,
		DefectiveCount:    aggregation.DefectiveCount,
		GoodCount:         aggregation.TotalCount - aggregation.DefectiveCount,
		AverageConfidence: aggregation.AverageConfidence,
		AverageLatencyMs:  aggregation.AverageLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.DefectRate = float64(aggregation.DefectiveCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
