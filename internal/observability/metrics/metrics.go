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
	dispatcherMessages metric.Int64Counter
	dispatcherLatency  metric.Float64Histogram
	usageReports       metric.Int64Counter
	billableUnits      metric.Int64Histogram
	reconciled         metric.Int64Counter
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
		name = "netbill"
	}
	meter := provider.Meter(name)

	dispatcherMessages, err := meter.Int64Counter("netbill_dispatcher_messages_total",
		metric.WithDescription("Inbound queue messages by destination and outcome."))
	if err != nil {
		return nil, err
	}
	dispatcherLatency, err := meter.Float64Histogram("netbill_dispatcher_handle_seconds",
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	usageReports, err := meter.Int64Counter("netbill_usage_reports_total")
	if err != nil {
		return nil, err
	}
	billableUnits, err := meter.Int64Histogram("netbill_usage_billable_units",
		metric.WithDescription("Billable day-units per computed usage report."))
	if err != nil {
		return nil, err
	}

	reconciled, err := meter.Int64Counter("netbill_reconcile_memberships_total",
		metric.WithDescription("Memberships retried against the billing ledger by action and result."))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		reconciled:         reconciled,
		dispatcherMessages: dispatcherMessages,
		dispatcherLatency:  dispatcherLatency,
		usageReports:       usageReports,
		billableUnits:      billableUnits,
	}, nil
}

// RecordDispatch records one handled message. outcome is ack, nak or term.
func (m *Metrics) RecordDispatch(ctx context.Context, destination, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("destination", strings.TrimSpace(destination)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.dispatcherMessages.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.dispatcherLatency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
}

// RecordUsageReport records a computed report and whether it reached the payment processor.
func (m *Metrics) RecordUsageReport(ctx context.Context, billableUnits int64, reported bool) {
	if m == nil {
		return
	}
	status := "stored"
	if reported {
		status = "reported"
	}
	attrs := FilterAttributes(attribute.String("status", status))
	m.usageReports.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.billableUnits.Record(ctx, billableUnits)
}

// RecordReconcile records one membership retried by the reconciliation worker.
func (m *Metrics) RecordReconcile(ctx context.Context, action string, ok bool) {
	if m == nil {
		return
	}
	result := "synced"
	if !ok {
		result = "failed"
	}
	attrs := FilterAttributes(
		attribute.String("action", action),
		attribute.String("result", result),
	)
	m.reconciled.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"destination": {},
	"outcome":     {},
	"status":      {},
	"saga":        {},
	"step":        {},
	"provider":    {},
	"reason":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
