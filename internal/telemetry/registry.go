package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/bookverse/tagd/internal/apptrust"
)

const registryScopeName = "github.com/bookverse/tagd/registry"

// InstrumentedRegistry wraps an apptrust.Registry with OTel tracing and
// metrics: every list and patch gets a span and is counted in tagd.registry.*.
// Use WrapRegistry to create one; it returns the original registry unchanged
// when telemetry is disabled.
type InstrumentedRegistry struct {
	inner apptrust.Registry

	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// WrapRegistry returns reg decorated with OTel instrumentation.
// When telemetry is disabled, reg is returned as-is with zero overhead.
func WrapRegistry(reg apptrust.Registry) apptrust.Registry {
	if !Enabled() {
		return reg
	}
	m := Meter(registryScopeName)
	ops, _ := m.Int64Counter("tagd.registry.operations",
		metric.WithDescription("Registry calls executed"))
	dur, _ := m.Float64Histogram("tagd.registry.duration",
		metric.WithDescription("Registry call duration"),
		metric.WithUnit("ms"))
	errs, _ := m.Int64Counter("tagd.registry.errors",
		metric.WithDescription("Registry calls that failed"))

	return &InstrumentedRegistry{
		inner:  reg,
		tracer: Tracer(registryScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
	}
}

func (r *InstrumentedRegistry) ListVersions(ctx context.Context, appKey string) ([]apptrust.VersionRecord, error) {
	ctx, span := r.tracer.Start(ctx, "registry.ListVersions",
		trace.WithAttributes(attribute.String("app_key", appKey)))
	defer span.End()

	start := time.Now()
	records, err := r.inner.ListVersions(ctx, appKey)
	r.record(ctx, "ListVersions", start, err)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int("record_count", len(records)))
	}
	return records, err
}

func (r *InstrumentedRegistry) PatchVersion(ctx context.Context, appKey, version string, p apptrust.Patch) error {
	ctx, span := r.tracer.Start(ctx, "registry.PatchVersion",
		trace.WithAttributes(
			attribute.String("app_key", appKey),
			attribute.String("version", version),
		))
	defer span.End()

	start := time.Now()
	err := r.inner.PatchVersion(ctx, appKey, version, p)
	r.record(ctx, "PatchVersion", start, err)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *InstrumentedRegistry) record(ctx context.Context, op string, start time.Time, err error) {
	attrs := metric.WithAttributes(attribute.String("op", op))
	r.ops.Add(ctx, 1, attrs)
	r.dur.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	if err != nil {
		r.errs.Add(ctx, 1, attrs)
	}
}
