package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	consumptionEvents metric.Int64Counter
	consumptionDenied metric.Int64Counter
	overageCharges    metric.Int64Counter
	guardTrips        metric.Int64Counter
	settlementEvents  metric.Int64Counter
	windowRollovers   metric.Int64Counter
	maintenanceRuns   metric.Int64Counter
	maintenanceTimes  metric.Float64Histogram
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "billingcore"
	}
	meter := provider.Meter(name)

	consumptionEvents, err := meter.Int64Counter("billingcore_consumption_events_total")
	if err != nil {
		return nil, err
	}
	consumptionDenied, err := meter.Int64Counter("billingcore_consumption_denied_total")
	if err != nil {
		return nil, err
	}
	overageCharges, err := meter.Int64Counter("billingcore_overage_charges_total")
	if err != nil {
		return nil, err
	}
	guardTrips, err := meter.Int64Counter("billingcore_budget_guard_trips_total")
	if err != nil {
		return nil, err
	}
	settlementEvents, err := meter.Int64Counter("billingcore_settlement_events_total")
	if err != nil {
		return nil, err
	}
	windowRollovers, err := meter.Int64Counter("billingcore_window_rollovers_total")
	if err != nil {
		return nil, err
	}
	maintenanceRuns, err := meter.Int64Counter("billingcore_maintenance_runs_total")
	if err != nil {
		return nil, err
	}
	maintenanceTimes, err := meter.Float64Histogram("billingcore_maintenance_job_seconds")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		consumptionEvents: consumptionEvents,
		consumptionDenied: consumptionDenied,
		overageCharges:    overageCharges,
		guardTrips:        guardTrips,
		settlementEvents:  settlementEvents,
		windowRollovers:   windowRollovers,
		maintenanceRuns:   maintenanceRuns,
		maintenanceTimes:  maintenanceTimes,
	}, nil
}

// NewNop returns instruments backed by the no-op provider, for tests.
func NewNop() *Metrics {
	m, err := New(Config{}, noop.NewMeterProvider())
	if err != nil {
		panic(err)
	}
	return m
}

// RecordConsumption increments accepted consumption counts.
func (m *Metrics) RecordConsumption(ctx context.Context, allowanceType string) {
	if m == nil {
		return
	}
	attrs := filterAttributes(attribute.String("allowance_type", strings.TrimSpace(allowanceType)))
	m.consumptionEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordConsumptionDenied increments rejected consumption counts.
func (m *Metrics) RecordConsumptionDenied(ctx context.Context, allowanceType, reason string) {
	if m == nil {
		return
	}
	attrs := filterAttributes(
		attribute.String("allowance_type", strings.TrimSpace(allowanceType)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.consumptionDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordOverageCharge increments generated overage charge counts.
func (m *Metrics) RecordOverageCharge(ctx context.Context, metricCode string) {
	if m == nil {
		return
	}
	attrs := filterAttributes(attribute.String("metric", strings.TrimSpace(metricCode)))
	m.overageCharges.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordGuardTrip increments budget guard trip counts.
func (m *Metrics) RecordGuardTrip(ctx context.Context, behavior string) {
	if m == nil {
		return
	}
	attrs := filterAttributes(attribute.String("behavior", strings.TrimSpace(behavior)))
	m.guardTrips.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSettlementEvent increments provider settlement event counts.
func (m *Metrics) RecordSettlementEvent(ctx context.Context, provider, status string) {
	if m == nil {
		return
	}
	attrs := filterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.settlementEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWindowRollover increments allowance window rollover counts.
func (m *Metrics) RecordWindowRollover(ctx context.Context, allowanceType string) {
	if m == nil {
		return
	}
	attrs := filterAttributes(attribute.String("allowance_type", strings.TrimSpace(allowanceType)))
	m.windowRollovers.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"allowance_type": {},
	"metric":         {},
	"behavior":       {},
	"provider":       {},
	"status":         {},
	"reason":         {},
}

// filterAttributes drops label keys not on the allowlist so high-cardinality
// values (user ids, hashes) never reach the exporter.
func filterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		if strings.TrimSpace(attr.Value.AsString()) == "" {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}

// RecordMaintenanceRun counts a maintenance job execution by outcome.
func (m *Metrics) RecordMaintenanceRun(ctx context.Context, job string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	attrs := filterAttributes(
		attribute.String("job", strings.TrimSpace(job)),
		attribute.String("result", result),
	)
	m.maintenanceRuns.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// ObserveMaintenanceDuration records how long a maintenance job took.
func (m *Metrics) ObserveMaintenanceDuration(ctx context.Context, job string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := filterAttributes(attribute.String("job", strings.TrimSpace(job)))
	m.maintenanceTimes.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}
