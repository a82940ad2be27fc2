package signserver

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sort"
	"strings"
	"time"
)

const (
	// DefaultProcessPath is the appliance's generic document processing endpoint.
	DefaultProcessPath = "/signserver/process"

	defaultRequestTimeout = 2 * time.Minute
	errorBodyLimit        = 4 << 10
)

// ErrDataPlane is returned when a document could not be submitted or the
// appliance answered with a non-2xx status.
var ErrDataPlane = errors.New("signserver data plane error")

// StatusError carries a non-2xx appliance response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("signserver returned %d: %s", e.StatusCode, e.Body)
}

// ProcessRequest is one document submitted to a signing worker.
type ProcessRequest struct {
	WorkerName string
	FileName   string
	Document   []byte
	// Metadata is sent as REQUEST_METADATA, key=value pairs joined by ';'.
	Metadata map[string]string
}

// DataPlane submits documents to signing workers.
type DataPlane interface {
	// Process returns the signed document stream. The caller must close it.
	Process(ctx context.Context, req ProcessRequest) (io.ReadCloser, error)
}

// HTTPDataPlaneConfig configures HTTPDataPlane.
type HTTPDataPlaneConfig struct {
	// BaseURL of the appliance, for example https://signserver:8443.
	BaseURL string
	Path    string
	Timeout time.Duration
	// RootCAs verifies the appliance certificate. When nil verification is
	// skipped since the appliance usually presents a self-issued certificate.
	RootCAs *x509.CertPool
}

// HTTPDataPlane posts multipart documents to the appliance.
type HTTPDataPlane struct {
	endpoint string
	client   *http.Client
}

var _ DataPlane = (*HTTPDataPlane)(nil)

func NewHTTPDataPlane(cfg HTTPDataPlaneConfig) (*HTTPDataPlane, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("signserver base url is required")
	}
	if cfg.Path == "" {
		cfg.Path = DefaultProcessPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.RootCAs != nil {
		tlsConfig.RootCAs = cfg.RootCAs
	} else {
		tlsConfig.InsecureSkipVerify = true //nolint:gosec // appliance certificate is self-issued
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig

	return &HTTPDataPlane{
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + cfg.Path,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}, nil
}

func (d *HTTPDataPlane) Process(ctx context.Context, req ProcessRequest) (io.ReadCloser, error) {
	body, err := newMultipartBody(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDataPlane, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, body.reader())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDataPlane, err)
	}
	httpReq.ContentLength = body.size()
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(body.reader()), nil
	}
	httpReq.Header.Set("Content-Type", body.contentType)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDataPlane, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, fmt.Errorf("%w: %w", ErrDataPlane, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		})
	}

	return resp.Body, nil
}

// multipartBody is a form whose document part is streamed from the caller's
// buffer rather than copied.
type multipartBody struct {
	head        []byte
	document    []byte
	tail        []byte
	contentType string
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func newMultipartBody(req ProcessRequest) (*multipartBody, error) {
	if req.WorkerName == "" {
		return nil, errors.New("worker name is required")
	}
	fileName := req.FileName
	if fileName == "" {
		fileName = "document.pdf"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("workerName", req.WorkerName); err != nil {
		return nil, err
	}
	if meta := encodeMetadata(req.Metadata); meta != "" {
		if err := mw.WriteField("REQUEST_METADATA", meta); err != nil {
			return nil, err
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="datafile"; filename="%s"`, quoteEscaper.Replace(fileName)))
	h.Set("Content-Type", "application/pdf")
	if _, err := mw.CreatePart(h); err != nil {
		return nil, err
	}

	head := bytes.Clone(buf.Bytes())
	headLen := buf.Len()
	if err := mw.Close(); err != nil {
		return nil, err
	}

	return &multipartBody{
		head:        head,
		document:    req.Document,
		tail:        bytes.Clone(buf.Bytes()[headLen:]),
		contentType: mw.FormDataContentType(),
	}, nil
}

func (b *multipartBody) reader() io.Reader {
	return io.MultiReader(bytes.NewReader(b.head), bytes.NewReader(b.document), bytes.NewReader(b.tail))
}

func (b *multipartBody) size() int64 {
	return int64(len(b.head) + len(b.document) + len(b.tail))
}

func encodeMetadata(meta map[string]string) string {
	if len(meta) == 0 {
		return ""
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+meta[k])
	}
	return strings.Join(pairs, ";")
}
