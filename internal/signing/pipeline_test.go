package signing

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/signplane/internal/signserver"
)

type fakeDataPlane struct {
	got      []signserver.ProcessRequest
	response func() io.ReadCloser
	err      error
}

func (f *fakeDataPlane) Process(_ context.Context, req signserver.ProcessRequest) (io.ReadCloser, error) {
	f.got = append(f.got, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.response != nil {
		return f.response(), nil
	}
	return io.NopCloser(strings.NewReader("signed:" + string(req.Document))), nil
}

type suffixStep struct {
	suffix string
	err    error
	calls  int
}

func (s *suffixStep) Apply(_ context.Context, doc []byte) ([]byte, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return append(bytes.Clone(doc), s.suffix...), nil
}

func TestPipeline_AppliesPreprocessingInOrder(t *testing.T) {
	dp := &fakeDataPlane{}
	wm := &suffixStep{suffix: "|watermark"}
	norm := &suffixStep{suffix: "|normalized"}
	p := New(dp, wm, norm, Config{}, zerolog.Nop())

	var out bytes.Buffer
	n, err := p.SignTo(context.Background(), Request{
		Document:   strings.NewReader("%PDF"),
		WorkerName: "421",
		FileName:   "contract.pdf",
		Watermark:  true,
	}, &out)
	require.NoError(t, err)
	require.Equal(t, int64(out.Len()), n)
	require.Equal(t, "signed:%PDF|watermark|normalized", out.String())
	require.Equal(t, "421", dp.got[0].WorkerName)
	require.Equal(t, "contract.pdf", dp.got[0].FileName)
}

func TestPipeline_WatermarkOnlyWhenRequested(t *testing.T) {
	dp := &fakeDataPlane{}
	wm := &suffixStep{suffix: "|watermark"}
	p := New(dp, wm, nil, Config{}, zerolog.Nop())

	signed, err := p.Sign(context.Background(), Request{Document: strings.NewReader("%PDF"), WorkerName: "421"})
	require.NoError(t, err)
	defer signed.Body.Close()

	require.Zero(t, wm.calls)
	require.False(t, signed.Watermarked)
	require.Equal(t, []byte("%PDF"), dp.got[0].Document)
}

func TestPipeline_WatermarkFailureFallsBack(t *testing.T) {
	dp := &fakeDataPlane{}
	norm := &suffixStep{suffix: "|normalized"}
	p := New(dp, &suffixStep{err: errors.New("corrupt xref")}, norm, Config{}, zerolog.Nop())

	var out bytes.Buffer
	_, err := p.SignTo(context.Background(), Request{
		Document:   strings.NewReader("%PDF"),
		WorkerName: "421",
		Watermark:  true,
	}, &out)
	require.NoError(t, err)
	require.Equal(t, "signed:%PDF|normalized", out.String())
}

func TestPipeline_NormalizationFailureFallsBack(t *testing.T) {
	dp := &fakeDataPlane{}
	p := New(dp, &suffixStep{suffix: "|watermark"}, &suffixStep{err: errors.New("unsupported")}, Config{}, zerolog.Nop())

	signed, err := p.Sign(context.Background(), Request{
		Document:   strings.NewReader("%PDF"),
		WorkerName: "421",
		Watermark:  true,
	})
	require.NoError(t, err)
	defer signed.Body.Close()

	require.True(t, signed.Watermarked)
	require.False(t, signed.Normalized)
	require.Equal(t, []byte("%PDF|watermark"), dp.got[0].Document)
}

func TestPipeline_EmptyPreprocessorOutputFallsBack(t *testing.T) {
	dp := &fakeDataPlane{}
	p := New(dp, nil, &suffixStep{}, Config{}, zerolog.Nop())
	p.normalizer = emptyStep{}

	signed, err := p.Sign(context.Background(), Request{Document: strings.NewReader("%PDF"), WorkerName: "421"})
	require.NoError(t, err)
	defer signed.Body.Close()
	require.Equal(t, []byte("%PDF"), dp.got[0].Document)
}

type emptyStep struct{}

func (emptyStep) Apply(context.Context, []byte) ([]byte, error) { return nil, nil }

func TestPipeline_TransportFailure(t *testing.T) {
	dp := &fakeDataPlane{err: &signserver.StatusError{StatusCode: 500, Body: "boom"}}
	p := New(dp, nil, nil, Config{}, zerolog.Nop())

	var out bytes.Buffer
	_, err := p.SignTo(context.Background(), Request{Document: strings.NewReader("%PDF"), WorkerName: "421"}, &out)
	require.ErrorIs(t, err, ErrSigningTransport)

	var statusErr *signserver.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, 500, statusErr.StatusCode)
	require.Zero(t, out.Len())
}

func TestPipeline_RequestValidation(t *testing.T) {
	p := New(&fakeDataPlane{}, nil, nil, Config{MaxDocumentBytes: 8}, zerolog.Nop())
	ctx := context.Background()

	_, err := p.Sign(ctx, Request{Document: strings.NewReader("%PDF")})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = p.Sign(ctx, Request{WorkerName: "421"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = p.Sign(ctx, Request{Document: strings.NewReader(""), WorkerName: "421"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = p.Sign(ctx, Request{Document: strings.NewReader("123456789"), WorkerName: "421"})
	require.ErrorIs(t, err, ErrDocumentTooLarge)

	signed, err := p.Sign(ctx, Request{Document: strings.NewReader("12345678"), WorkerName: "421"})
	require.NoError(t, err)
	require.NoError(t, signed.Body.Close())
}

// chunkedReader returns at most chunk bytes per Read.
type chunkedReader struct {
	r      io.Reader
	chunk  int
	closed bool
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(p) > c.chunk {
		p = p[:c.chunk]
	}
	return c.r.Read(p)
}

func (c *chunkedReader) Close() error {
	c.closed = true
	return nil
}

func TestPipeline_RelaysLargeStreamExactly(t *testing.T) {
	signed := make([]byte, 12<<20+17)
	rng := rand.New(rand.NewPCG(1, 2))
	for i := range signed {
		signed[i] = byte(rng.UintN(256))
	}

	body := &chunkedReader{r: bytes.NewReader(signed), chunk: 32 << 10}
	dp := &fakeDataPlane{response: func() io.ReadCloser { return body }}
	p := New(dp, nil, nil, Config{}, zerolog.Nop())

	var out bytes.Buffer
	n, err := p.SignTo(context.Background(), Request{Document: strings.NewReader("%PDF"), WorkerName: "421"}, &out)
	require.NoError(t, err)
	require.Equal(t, int64(len(signed)), n)
	require.Equal(t, sha256.Sum256(signed), sha256.Sum256(out.Bytes()))
	require.True(t, body.closed)
}

type failingWriter struct{ after int }

func (f *failingWriter) Write(p []byte) (int, error) {
	if f.after <= 0 {
		return 0, errors.New("client went away")
	}
	n := min(len(p), f.after)
	f.after -= n
	return n, nil
}

func TestPipeline_RelayFailure(t *testing.T) {
	dp := &fakeDataPlane{}
	p := New(dp, nil, nil, Config{}, zerolog.Nop())

	_, err := p.SignTo(context.Background(), Request{Document: strings.NewReader("%PDF-document"), WorkerName: "421"}, &failingWriter{after: 3})
	require.ErrorIs(t, err, ErrSigningTransport)
}
