// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry defines the observability hooks the broker emits through:
// a span per flow stage and a counter per flow outcome. Labels are enum
// values only; no secret material ever reaches a hook.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// FlowKind labels the grant flow being driven.
type FlowKind string

// Flow kinds.
const (
	FlowAuthorizationCode FlowKind = "authorization_code"
	FlowRefresh           FlowKind = "refresh"
	FlowClientCredentials FlowKind = "client_credentials"
)

// Stage labels a step within a flow.
type Stage string

// Stages.
const (
	StageStartAuthorization Stage = "start_authorization"
	StageExchangeCode       Stage = "exchange_code"
	StageFetchStore         Stage = "fetch_store"
	StageSingleflightLead   Stage = "singleflight_lead"
	StageSingleflightFollow Stage = "singleflight_follow"
	StageTokenRequest       Stage = "token_request"
	StagePersistStore       Stage = "persist_store"
	StageCompareAndSwap     Stage = "compare_and_swap"
	StageRevoke             Stage = "revoke"
)

// Outcome labels how a flow invocation ended or progressed.
type Outcome string

// Outcomes.
const (
	OutcomeAttempt        Outcome = "attempt"
	OutcomeSuccess        Outcome = "success"
	OutcomeConflict       Outcome = "conflict"
	OutcomeRevoked        Outcome = "revoked"
	OutcomeTransportError Outcome = "transport_error"
	OutcomeProtocolError  Outcome = "protocol_error"
)

// EndFunc closes a stage span; pass the stage's terminal error, if any.
type EndFunc func(err error)

// Hooks receives the broker's observability events. Implementations must not
// block and must tolerate concurrent use.
type Hooks interface {
	// StartStage opens a span for a flow stage. The returned context carries
	// the span; the EndFunc closes it.
	StartStage(ctx context.Context, kind FlowKind, stage Stage) (context.Context, EndFunc)

	// CountOutcome increments the (kind, outcome) counter.
	CountOutcome(ctx context.Context, kind FlowKind, outcome Outcome)
}

// NoopHooks discards every event. It is the default when no hooks are
// configured.
type NoopHooks struct{}

var _ Hooks = NoopHooks{}

// StartStage implements Hooks.
func (NoopHooks) StartStage(ctx context.Context, _ FlowKind, _ Stage) (context.Context, EndFunc) {
	return ctx, func(error) {}
}

// CountOutcome implements Hooks.
func (NoopHooks) CountOutcome(context.Context, FlowKind, Outcome) {}

const instrumentationName = "github.com/stacklok/tokenbroker"

// OTelHooks emits spans and counters through OpenTelemetry.
type OTelHooks struct {
	tracer   trace.Tracer
	outcomes metric.Int64Counter
}

var _ Hooks = (*OTelHooks)(nil)

// NewOTelHooks builds hooks against the given providers.
func NewOTelHooks(tp trace.TracerProvider, mp metric.MeterProvider) (*OTelHooks, error) {
	meter := mp.Meter(instrumentationName)
	outcomes, err := meter.Int64Counter(
		"tokenbroker.flow.outcomes",
		metric.WithDescription("Count of broker flow outcomes by flow kind"),
	)
	if err != nil {
		return nil, err
	}

	return &OTelHooks{
		tracer:   tp.Tracer(instrumentationName),
		outcomes: outcomes,
	}, nil
}

// StartStage implements Hooks.
func (h *OTelHooks) StartStage(ctx context.Context, kind FlowKind, stage Stage) (context.Context, EndFunc) {
	ctx, span := h.tracer.Start(ctx, "tokenbroker."+string(stage),
		trace.WithAttributes(
			attribute.String("tokenbroker.flow", string(kind)),
			attribute.String("tokenbroker.stage", string(stage)),
		),
	)
	return ctx, func(err error) {
		if err != nil {
			// The error string carries type and message only; secrets never
			// appear in broker error messages.
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// CountOutcome implements Hooks.
func (h *OTelHooks) CountOutcome(ctx context.Context, kind FlowKind, outcome Outcome) {
	h.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tokenbroker.flow", string(kind)),
		attribute.String("tokenbroker.outcome", string(outcome)),
	))
}
