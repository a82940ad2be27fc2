package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/signplane/internal/auth"
	"github.com/wolfeidau/signplane/internal/signing"
)

type fakeSigner struct {
	got    []signing.Request
	docs   [][]byte
	err    error
	signed []byte
}

func (f *fakeSigner) Sign(_ context.Context, req signing.Request) (*signing.SignedDocument, error) {
	doc, err := io.ReadAll(req.Document)
	if err != nil {
		return nil, err
	}
	f.got = append(f.got, req)
	f.docs = append(f.docs, doc)
	if f.err != nil {
		return nil, f.err
	}
	body := f.signed
	if body == nil {
		body = append([]byte("signed:"), doc...)
	}
	return &signing.SignedDocument{Body: io.NopCloser(bytes.NewReader(body)), InputBytes: len(doc)}, nil
}

func multipartRequest(t *testing.T, fields map[string]string, file []byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if file != nil {
		fw, err := mw.CreateFormFile("datafile", "contract.pdf")
		require.NoError(t, err)
		_, err = fw.Write(file)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, ProcessPath, &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	return r
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealth(t *testing.T) {
	s := NewServer(&fakeSigner{}, Config{}, zerolog.Nop())
	s.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, HealthPath, nil))

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"OK","timestamp":"2026-03-04T05:06:07Z"}`, w.Body.String())
}

func TestProcess_Success(t *testing.T) {
	signer := &fakeSigner{}
	s := NewServer(signer, Config{}, zerolog.Nop())

	w := httptest.NewRecorder()
	s.ServeHTTP(w, multipartRequest(t, map[string]string{
		"workerName": "421",
		"watermark":  "true",
		"metadata":   "reason=approval; location=Sydney",
	}, []byte("%PDF-1.7")))

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	require.Equal(t, `attachment; filename="signed-document.pdf"`, w.Header().Get("Content-Disposition"))
	require.Equal(t, "signed:%PDF-1.7", w.Body.String())

	require.Len(t, signer.got, 1)
	req := signer.got[0]
	require.Equal(t, "421", req.WorkerName)
	require.Equal(t, "contract.pdf", req.FileName)
	require.True(t, req.Watermark)
	require.Equal(t, map[string]string{"reason": "approval", "location": "Sydney"}, req.Metadata)
}

func TestProcess_WatermarkDefaultsOff(t *testing.T) {
	signer := &fakeSigner{}
	s := NewServer(signer, Config{}, zerolog.Nop())

	w := httptest.NewRecorder()
	s.ServeHTTP(w, multipartRequest(t, map[string]string{"workerName": "421", "watermark": "yes"}, []byte("%PDF")))

	require.Equal(t, http.StatusOK, w.Code)
	require.False(t, signer.got[0].Watermark)
	require.Nil(t, signer.got[0].Metadata)
}

func TestProcess_BadRequests(t *testing.T) {
	tests := []struct {
		name    string
		request func(t *testing.T) *http.Request
		status  int
		message string
	}{
		{
			name: "missing file",
			request: func(t *testing.T) *http.Request {
				return multipartRequest(t, map[string]string{"workerName": "421"}, nil)
			},
			status:  http.StatusBadRequest,
			message: "No file uploaded. Please provide a 'datafile' in the FormData",
		},
		{
			name: "missing worker",
			request: func(t *testing.T) *http.Request {
				return multipartRequest(t, nil, []byte("%PDF"))
			},
			status:  http.StatusBadRequest,
			message: "workerName field is required",
		},
		{
			name: "not multipart",
			request: func(t *testing.T) *http.Request {
				r := httptest.NewRequest(http.MethodPost, ProcessPath, strings.NewReader(`{"workerName":"421"}`))
				r.Header.Set("Content-Type", "application/json")
				return r
			},
			status:  http.StatusBadRequest,
			message: "Error parsing FormData",
		},
		{
			name: "bad metadata",
			request: func(t *testing.T) *http.Request {
				return multipartRequest(t, map[string]string{"workerName": "421", "metadata": "novalue"}, []byte("%PDF"))
			},
			status:  http.StatusBadRequest,
			message: "Error processing request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signer := &fakeSigner{}
			s := NewServer(signer, Config{}, zerolog.Nop())

			w := httptest.NewRecorder()
			s.ServeHTTP(w, tt.request(t))

			require.Equal(t, tt.status, w.Code)
			require.Equal(t, tt.message, decodeError(t, w).Error)
			require.Empty(t, signer.got)
		})
	}
}

func TestProcess_SigningErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{err: fmt.Errorf("%w: status 500", signing.ErrSigningTransport), status: http.StatusBadGateway},
		{err: fmt.Errorf("%w: limit", signing.ErrDocumentTooLarge), status: http.StatusRequestEntityTooLarge},
		{err: fmt.Errorf("%w: empty document", signing.ErrInvalidRequest), status: http.StatusBadRequest},
		{err: fmt.Errorf("unexpected"), status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			s := NewServer(&fakeSigner{err: tt.err}, Config{}, zerolog.Nop())

			w := httptest.NewRecorder()
			s.ServeHTTP(w, multipartRequest(t, map[string]string{"workerName": "421"}, []byte("%PDF")))

			require.Equal(t, tt.status, w.Code)
			resp := decodeError(t, w)
			require.Equal(t, "Failed to sign PDF", resp.Error)
			require.Equal(t, tt.err.Error(), resp.Details)
		})
	}
}

func TestProcess_BodyLimit(t *testing.T) {
	s := NewServer(&fakeSigner{}, Config{MaxDocumentBytes: 16}, zerolog.Nop())

	w := httptest.NewRecorder()
	s.ServeHTTP(w, multipartRequest(t, map[string]string{"workerName": "421"}, bytes.Repeat([]byte("x"), formOverhead+64)))

	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestProcess_LargeResponseRelayed(t *testing.T) {
	signed := bytes.Repeat([]byte("0123456789abcdef"), 1<<18)
	s := NewServer(&fakeSigner{signed: signed}, Config{}, zerolog.Nop())

	w := httptest.NewRecorder()
	s.ServeHTTP(w, multipartRequest(t, map[string]string{"workerName": "421"}, []byte("%PDF")))

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, signed, w.Body.Bytes())
}

func TestProcess_BearerAuth(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	verifier, err := auth.NewVerifier(secret)
	require.NoError(t, err)

	s := NewServer(&fakeSigner{}, Config{Verifier: verifier}, zerolog.Nop())

	scoped, err := auth.IssueToken(secret, "tenant-app", []string{"421"}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		worker string
		status int
	}{
		{name: "no token", worker: "421", status: http.StatusUnauthorized},
		{name: "permitted worker", token: scoped, worker: "421", status: http.StatusOK},
		{name: "other worker", token: scoped, worker: "999", status: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := multipartRequest(t, map[string]string{"workerName": tt.worker}, []byte("%PDF"))
			if tt.token != "" {
				r.Header.Set("Authorization", "Bearer "+tt.token)
			}
			w := httptest.NewRecorder()
			s.ServeHTTP(w, r)
			require.Equal(t, tt.status, w.Code)
		})
	}

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, HealthPath, nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestProcess_CORSPreflight(t *testing.T) {
	s := NewServer(&fakeSigner{}, Config{CORSOrigins: []string{"https://app.getsign.example"}}, zerolog.Nop())

	r := httptest.NewRequest(http.MethodOptions, ProcessPath, nil)
	r.Header.Set("Origin", "https://app.getsign.example")
	r.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)

	require.Equal(t, "https://app.getsign.example", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestProcess_CORSWithBearerAuth(t *testing.T) {
	const origin = "https://app.getsign.example"
	secret := []byte("0123456789abcdef0123456789abcdef")
	verifier, err := auth.NewVerifier(secret)
	require.NoError(t, err)

	var s *Server
	require.NotPanics(t, func() {
		s = NewServer(&fakeSigner{}, Config{CORSOrigins: []string{origin}, Verifier: verifier}, zerolog.Nop())
	})

	preflight := httptest.NewRequest(http.MethodOptions, ProcessPath, nil)
	preflight.Header.Set("Origin", origin)
	preflight.Header.Set("Access-Control-Request-Method", http.MethodPost)
	preflight.Header.Set("Access-Control-Request-Headers", "Authorization")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, preflight)
	require.NotEqual(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, origin, w.Header().Get("Access-Control-Allow-Origin"))

	token, err := auth.IssueToken(secret, "tenant-app", nil, time.Hour)
	require.NoError(t, err)

	r := multipartRequest(t, map[string]string{"workerName": "421"}, []byte("%PDF"))
	r.Header.Set("Origin", origin)
	r.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	s.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, origin, w.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "signed:%PDF", w.Body.String())

	unauthenticated := multipartRequest(t, map[string]string{"workerName": "421"}, []byte("%PDF"))
	unauthenticated.Header.Set("Origin", origin)
	w = httptest.NewRecorder()
	s.ServeHTTP(w, unauthenticated)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestParseMetadata(t *testing.T) {
	got, err := parseMetadata(" a=1 ;; b = two=2 ")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "1", "b": "two=2"}, got)

	got, err = parseMetadata("")
	require.NoError(t, err)
	require.Nil(t, got)

	_, err = parseMetadata("=x")
	require.Error(t, err)
}
