// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"time"
)

const (
	MetricsOpRegister  = "register"
	MetricsOpBootstrap = "bootstrap"
	MetricsOpPush      = "push"
	MetricsOpPull      = "pull"
	MetricsOpCommit    = "commit"

	MetricsStageTotal = "total"

	// Push stages.
	MetricsStageSelect = "select"
	MetricsStageSend   = "send"
	MetricsStageAck    = "ack"

	// Pull stages.
	MetricsStageFetch = "fetch"
	MetricsStageApply = "apply"
)

type StageTiming struct {
	Operation string
	Stage     string
	Branch    string
	Duration  time.Duration
	Count     int
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}
