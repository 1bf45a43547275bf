package chatrelay

import (
	"context"
	"time"

	"github.com/shaharia-lab/chatrelay/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TracingGateway decorates a Gateway with spans and request metrics.
type TracingGateway struct {
	gateway Gateway
	metrics *Metrics
}

// NewTracingGateway wraps gateway. metrics may be nil.
func NewTracingGateway(gateway Gateway, metrics *Metrics) *TracingGateway {
	return &TracingGateway{
		gateway: gateway,
		metrics: metrics,
	}
}

// Send implements Gateway with added tracing.
func (t *TracingGateway) Send(ctx context.Context, req GatewayRequest) (*GatewayResponse, error) {
	ctx, span := observability.StartSpan(ctx, "Gateway.Send")
	defer span.End()

	span.SetAttributes(attribute.String("modality", string(req.Modality)))
	if id := RequestIDFromContext(ctx); id != "" {
		span.SetAttributes(attribute.String("request_id", id))
	}

	startTime := time.Now()
	resp, err := t.gateway.Send(ctx, req)
	t.metrics.ObserveGatewayRequest(string(req.Modality), err, time.Since(startTime))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("status_code", resp.StatusCode),
		attribute.Int("body_size", len(resp.Body)),
		attribute.String("content_type", resp.MediaType()),
		attribute.Float64("completion_time", time.Since(startTime).Seconds()),
	)
	return resp, nil
}

// Fetch implements Fetcher with added tracing.
func (t *TracingGateway) Fetch(ctx context.Context, rawURL string) (*GatewayResponse, error) {
	ctx, span := observability.StartSpan(ctx, "Gateway.Fetch")
	defer span.End()

	startTime := time.Now()
	resp, err := t.gateway.Fetch(ctx, rawURL)
	t.metrics.ObserveGatewayRequest("fetch", err, time.Since(startTime))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("status_code", resp.StatusCode),
		attribute.Int("body_size", len(resp.Body)),
		attribute.String("content_type", resp.MediaType()),
	)
	return resp, nil
}
