package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/signplane"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Queue consumption metrics
	JobsReceivedTotal    metric.Int64Counter
	JobsDroppedTotal     metric.Int64Counter
	JobsProvisionedTotal metric.Int64Counter
	JobsFailedTotal      metric.Int64Counter
	JobDuration          metric.Float64Histogram
	QueuePollErrorsTotal metric.Int64Counter

	// Provisioning metrics
	CertificatesCreatedTotal metric.Int64Counter
	CertificatesAdoptedTotal metric.Int64Counter
	WorkersCreatedTotal      metric.Int64Counter

	// Control plane metrics
	ControlPlaneCallsTotal metric.Int64Counter
	ControlPlaneDuration   metric.Float64Histogram

	// Signing metrics
	SigningRequestsTotal       metric.Int64Counter
	SigningErrorsTotal         metric.Int64Counter
	SigningDuration            metric.Float64Histogram
	SigningBytesRelayed        metric.Int64Counter
	PreprocessingFallbackTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.JobsReceivedTotal, _ = meter.Int64Counter(
		"signplane.jobs.received.total",
		metric.WithDescription("Total number of provisioning messages received"),
		metric.WithUnit("{message}"),
	)

	m.JobsDroppedTotal, _ = meter.Int64Counter(
		"signplane.jobs.dropped.total",
		metric.WithDescription("Total number of unparseable provisioning messages deleted"),
		metric.WithUnit("{message}"),
	)

	m.JobsProvisionedTotal, _ = meter.Int64Counter(
		"signplane.jobs.handled.total",
		metric.WithDescription("Total number of provisioning jobs handled, by outcome"),
		metric.WithUnit("{job}"),
	)

	m.JobsFailedTotal, _ = meter.Int64Counter(
		"signplane.jobs.failed.total",
		metric.WithDescription("Total number of provisioning jobs left for redelivery"),
		metric.WithUnit("{job}"),
	)

	m.JobDuration, _ = meter.Float64Histogram(
		"signplane.jobs.duration",
		metric.WithDescription("Duration of provisioning jobs"),
		metric.WithUnit("ms"),
	)

	m.QueuePollErrorsTotal, _ = meter.Int64Counter(
		"signplane.queue.poll.errors.total",
		metric.WithDescription("Total number of queue receive failures"),
		metric.WithUnit("{error}"),
	)

	m.CertificatesCreatedTotal, _ = meter.Int64Counter(
		"signplane.certificates.created.total",
		metric.WithDescription("Total number of tenant certificates created"),
		metric.WithUnit("{certificate}"),
	)

	m.CertificatesAdoptedTotal, _ = meter.Int64Counter(
		"signplane.certificates.adopted.total",
		metric.WithDescription("Total number of concurrently created certificates adopted"),
		metric.WithUnit("{certificate}"),
	)

	m.WorkersCreatedTotal, _ = meter.Int64Counter(
		"signplane.workers.created.total",
		metric.WithDescription("Total number of appliance workers created, by role"),
		metric.WithUnit("{worker}"),
	)

	m.ControlPlaneCallsTotal, _ = meter.Int64Counter(
		"signplane.control_plane.calls.total",
		metric.WithDescription("Total number of appliance administrative commands, by verb and result"),
		metric.WithUnit("{call}"),
	)

	m.ControlPlaneDuration, _ = meter.Float64Histogram(
		"signplane.control_plane.duration",
		metric.WithDescription("Duration of appliance administrative commands"),
		metric.WithUnit("ms"),
	)

	m.SigningRequestsTotal, _ = meter.Int64Counter(
		"signplane.signing.requests.total",
		metric.WithDescription("Total number of signing requests"),
		metric.WithUnit("{request}"),
	)

	m.SigningErrorsTotal, _ = meter.Int64Counter(
		"signplane.signing.errors.total",
		metric.WithDescription("Total number of failed signing requests"),
		metric.WithUnit("{error}"),
	)

	m.SigningDuration, _ = meter.Float64Histogram(
		"signplane.signing.duration",
		metric.WithDescription("Duration of signing requests including relay"),
		metric.WithUnit("ms"),
	)

	m.SigningBytesRelayed, _ = meter.Int64Counter(
		"signplane.signing.relayed.bytes",
		metric.WithDescription("Total number of signed document bytes relayed to callers"),
		metric.WithUnit("By"),
	)

	m.PreprocessingFallbackTotal, _ = meter.Int64Counter(
		"signplane.signing.preprocessing.fallback.total",
		metric.WithDescription("Total number of preprocessing failures recovered by using the original document"),
		metric.WithUnit("{fallback}"),
	)

	return m
}
