// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fleetsrv

import (
	"context"
	"time"
)

const (
	StageAckCache = "ack_cache"
	StageInsert   = "insert"
	StageTotal    = "total"
)

type StageTiming struct {
	Stage     string
	Duration  time.Duration
	Attempt   int
	Duplicate bool
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

func (s *TripService) stageStart() time.Time {
	if s.config.StageMetrics == nil && !s.config.LogStageTimings {
		return time.Time{}
	}
	return time.Now()
}

func (s *TripService) observeStage(ctx context.Context, stage string, start time.Time, attempt int, duplicate, hadError bool) {
	if start.IsZero() {
		return
	}
	timing := StageTiming{
		Stage:     stage,
		Duration:  time.Since(start),
		Attempt:   attempt,
		Duplicate: duplicate,
		Error:     hadError,
	}
	if s.config.StageMetrics != nil {
		s.config.StageMetrics.ObserveStage(ctx, timing)
	}
	if s.config.LogStageTimings {
		s.logger.Debug("Stage timing",
			"stage", timing.Stage,
			"duration", timing.Duration,
			"attempt", timing.Attempt,
			"duplicate", timing.Duplicate,
			"error", timing.Error,
		)
	}
}
