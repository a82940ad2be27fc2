// Package signing streams documents through a tenant's signing worker after
// best-effort preprocessing.
package signing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/signplane/internal/signserver"
	"github.com/wolfeidau/signplane/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultMaxDocumentBytes bounds the in-memory copy of a request document.
const DefaultMaxDocumentBytes int64 = 50 << 20

var (
	ErrInvalidRequest   = errors.New("invalid signing request")
	ErrDocumentTooLarge = errors.New("document exceeds size limit")
	ErrPreprocessing    = errors.New("document preprocessing failed")
	ErrSigningTransport = errors.New("signing transport failed")
)

// Preprocessor transforms a document before submission. Failures are
// recovered by submitting the input unchanged.
type Preprocessor interface {
	Apply(ctx context.Context, doc []byte) ([]byte, error)
}

// Request is one document to sign.
type Request struct {
	Document   io.Reader
	WorkerName string
	FileName   string
	Watermark  bool
	Metadata   map[string]string
}

// SignedDocument is the appliance response. Body must be closed.
type SignedDocument struct {
	Body        io.ReadCloser
	Watermarked bool
	Normalized  bool
	InputBytes  int
}

// Config tunes the pipeline.
type Config struct {
	MaxDocumentBytes int64
}

// Pipeline materializes, preprocesses and submits documents.
type Pipeline struct {
	dataPlane   signserver.DataPlane
	watermarker Preprocessor
	normalizer  Preprocessor
	maxBytes    int64
	logger      zerolog.Logger
}

// New returns a pipeline. Either preprocessor may be nil to skip that step.
func New(dataPlane signserver.DataPlane, watermarker, normalizer Preprocessor, cfg Config, logger zerolog.Logger) *Pipeline {
	if cfg.MaxDocumentBytes <= 0 {
		cfg.MaxDocumentBytes = DefaultMaxDocumentBytes
	}
	return &Pipeline{
		dataPlane:   dataPlane,
		watermarker: watermarker,
		normalizer:  normalizer,
		maxBytes:    cfg.MaxDocumentBytes,
		logger:      logger,
	}
}

// Sign submits the document and returns the signed stream unread.
func (p *Pipeline) Sign(ctx context.Context, req Request) (*SignedDocument, error) {
	if req.Document == nil || req.WorkerName == "" {
		return nil, fmt.Errorf("%w: document and worker name are required", ErrInvalidRequest)
	}

	metrics := telemetry.GetMetrics()
	metrics.SigningRequestsTotal.Add(ctx, 1)

	logger := p.logger.With().Str("worker_name", req.WorkerName).Str("file_name", req.FileName).Logger()

	doc, err := p.materialize(req.Document)
	if err != nil {
		metrics.SigningErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", "materialize")))
		return nil, err
	}

	out := &SignedDocument{InputBytes: len(doc)}

	if req.Watermark && p.watermarker != nil {
		doc, out.Watermarked = p.preprocess(ctx, "watermark", p.watermarker, doc, logger)
	}
	if p.normalizer != nil {
		doc, out.Normalized = p.preprocess(ctx, "normalize", p.normalizer, doc, logger)
	}

	body, err := p.dataPlane.Process(ctx, signserver.ProcessRequest{
		WorkerName: req.WorkerName,
		FileName:   req.FileName,
		Document:   doc,
		Metadata:   req.Metadata,
	})
	if err != nil {
		metrics.SigningErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", "submit")))
		return nil, fmt.Errorf("%w: %w", ErrSigningTransport, err)
	}

	out.Body = body
	return out, nil
}

// SignTo signs and relays the response to w as it arrives, returning the
// number of bytes written.
func (p *Pipeline) SignTo(ctx context.Context, req Request, w io.Writer) (int64, error) {
	start := time.Now()

	signed, err := p.Sign(ctx, req)
	if err != nil {
		return 0, err
	}
	defer signed.Body.Close()

	n, err := io.Copy(w, signed.Body)
	metrics := telemetry.GetMetrics()
	metrics.SigningBytesRelayed.Add(ctx, n)
	metrics.SigningDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		metrics.SigningErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", "relay")))
		return n, fmt.Errorf("%w: relay after %d bytes: %w", ErrSigningTransport, n, err)
	}

	p.logger.Debug().
		Str("worker_name", req.WorkerName).
		Int("input_bytes", signed.InputBytes).
		Int64("output_bytes", n).
		Bool("watermarked", signed.Watermarked).
		Bool("normalized", signed.Normalized).
		Dur("duration", time.Since(start)).
		Msg("document signed")

	return n, nil
}

func (p *Pipeline) materialize(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	n, err := buf.ReadFrom(io.LimitReader(r, p.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read document: %w", ErrInvalidRequest, err)
	}
	if n > p.maxBytes {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrDocumentTooLarge, p.maxBytes)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidRequest)
	}
	return buf.Bytes(), nil
}

// preprocess applies step and falls back to doc on any failure.
func (p *Pipeline) preprocess(ctx context.Context, name string, step Preprocessor, doc []byte, logger zerolog.Logger) ([]byte, bool) {
	out, err := step.Apply(ctx, doc)
	if err == nil && len(out) == 0 {
		err = errors.New("produced an empty document")
	}
	if err != nil {
		telemetry.GetMetrics().PreprocessingFallbackTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("step", name)))
		logger.Warn().Err(fmt.Errorf("%w: %s: %w", ErrPreprocessing, name, err)).Msg("preprocessing failed, continuing with previous document")
		return doc, false
	}
	return out, true
}
