package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/signplane/internal/auth"
	"github.com/wolfeidau/signplane/internal/signing"
)

const (
	signedFileName     = "signed-document.pdf"
	contentDisposition = `attachment; filename="` + signedFileName + `"`
)

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := zerolog.Ctx(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxDocumentBytes+formOverhead)
	if err := r.ParseMultipartForm(formMemoryBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "Document too large", err)
			return
		}
		writeError(w, http.StatusBadRequest, "Error parsing FormData", err)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("datafile")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file uploaded. Please provide a 'datafile' in the FormData", nil)
		return
	}
	defer file.Close()

	workerName := strings.TrimSpace(r.FormValue("workerName"))
	if workerName == "" {
		writeError(w, http.StatusBadRequest, "workerName field is required", nil)
		return
	}

	if claims := auth.ClaimsFromContext(ctx); claims != nil && !claims.Allows(workerName) {
		writeError(w, http.StatusForbidden, "worker not permitted for this token", nil)
		return
	}

	metadata, err := parseMetadata(r.FormValue("metadata"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Error processing request", err)
		return
	}

	signed, err := s.signer.Sign(ctx, signing.Request{
		Document:   file,
		WorkerName: workerName,
		FileName:   header.Filename,
		Watermark:  strings.EqualFold(r.FormValue("watermark"), "true"),
		Metadata:   metadata,
	})
	if err != nil {
		status := statusFor(err)
		logger.Error().Err(err).Str("worker_name", workerName).Int("status", status).Msg("signing failed")
		writeError(w, status, "Failed to sign PDF", err)
		return
	}
	defer signed.Body.Close()

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", contentDisposition)
	w.WriteHeader(http.StatusOK)

	// Headers are gone by now, a relay failure can only truncate the body.
	n, err := io.Copy(w, signed.Body)
	if err != nil {
		logger.Error().Err(err).Int64("bytes", n).Msg("relay of signed document interrupted")
		return
	}

	logger.Info().
		Str("worker_name", workerName).
		Int("input_bytes", signed.InputBytes).
		Int64("output_bytes", n).
		Bool("watermarked", signed.Watermarked).
		Msg("document signed")
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, signing.ErrDocumentTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, signing.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, signing.ErrSigningTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// parseMetadata reads "key=value;key=value" request metadata.
func parseMetadata(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	out := map[string]string{}
	for pair := range strings.SplitSeq(raw, ";") {
		if strings.TrimSpace(pair) == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, errors.New("metadata entries must be key=value")
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := errorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
