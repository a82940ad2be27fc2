package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/wolfeidau/signplane/internal/api"
	"github.com/wolfeidau/signplane/internal/auth"
	"github.com/wolfeidau/signplane/internal/logger"
	"github.com/wolfeidau/signplane/internal/pdf"
	"github.com/wolfeidau/signplane/internal/signing"
	"github.com/wolfeidau/signplane/internal/ssmcerts"
)

type ServeCmd struct {
	// Server configuration
	Listen      string `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"SIGNPLANE_LISTEN"`
	Cert        string `help:"path to TLS cert file" default:"" env:"SIGNPLANE_TLS_CERT"`
	CertSSM     string `help:"SSM parameter holding the TLS cert" default:"" env:"SIGNPLANE_TLS_CERT_SSM"`
	Key         string `help:"path to TLS key file" default:"" env:"SIGNPLANE_TLS_KEY"`
	KeySSM      string `help:"SSM parameter holding the TLS key" default:"" env:"SIGNPLANE_TLS_KEY_SSM"`
	ClientCA    string `help:"CA bundle for client certificates, enables mTLS" default:"" env:"SIGNPLANE_TLS_CLIENT_CA"`
	ClientCASSM string `help:"SSM parameter holding the client CA bundle" default:"" env:"SIGNPLANE_TLS_CLIENT_CA_SSM"`

	CORSOrigins []string `help:"allowed CORS origins for the signing route" default:"" env:"SIGNPLANE_CORS_ORIGINS"`
	TrustProxy  bool     `help:"take the client address from X-Forwarded-For" default:"false" env:"SIGNPLANE_TRUST_PROXY"`
	TokenSecret string   `help:"HMAC secret for bearer tokens, empty disables authentication" default:"" env:"SIGNPLANE_TOKEN_SECRET"`

	// Pipeline configuration
	MaxDocumentBytes int64  `help:"largest accepted document in bytes" default:"52428800" env:"SIGNPLANE_MAX_DOCUMENT_BYTES"`
	VerificationURL  string `help:"URL printed in the watermark" default:"" env:"SIGNPLANE_VERIFICATION_URL"`
	NoWatermark      bool   `help:"ignore watermark requests" default:"false" env:"SIGNPLANE_NO_WATERMARK"`
	NoNormalize      bool   `help:"skip metadata normalization" default:"false" env:"SIGNPLANE_NO_NORMALIZE"`

	ShutdownTimeout time.Duration `help:"grace period for in-flight requests" default:"30s" env:"SIGNPLANE_SHUTDOWN_TIMEOUT"`

	AWS        AWSFlags        `embed:"" prefix:"aws-"`
	SignServer SignServerFlags `embed:"" prefix:"signserver-"`
	Telemetry  TelemetryFlags  `embed:""`
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)
	log.Info().Str("version", globals.Version).Msg("Starting signing server")

	defer c.Telemetry.start(ctx, log, "signplane-server", globals.Version)()

	awsConfig, err := c.AWS.loadConfig(ctx)
	if err != nil {
		return err
	}
	loader := ssmcerts.NewLoader(c.AWS.ssmClient(awsConfig))

	dataPlane, err := c.SignServer.dataPlane(ctx, loader)
	if err != nil {
		return fmt.Errorf("failed to configure appliance client: %w", err)
	}

	var (
		watermarker signing.Preprocessor
		normalizer  signing.Preprocessor
	)
	if !c.NoWatermark {
		watermarker = pdf.NewWatermarker(c.VerificationURL)
	}
	if !c.NoNormalize {
		normalizer = pdf.NewNormalizer(pdf.Metadata{})
	}

	pipeline := signing.New(dataPlane, watermarker, normalizer, signing.Config{MaxDocumentBytes: c.MaxDocumentBytes}, log)

	cfg := api.Config{
		CORSOrigins:      c.CORSOrigins,
		TrustProxy:       c.TrustProxy,
		MaxDocumentBytes: c.MaxDocumentBytes,
	}
	if c.TokenSecret != "" {
		verifier, err := auth.NewVerifier([]byte(c.TokenSecret))
		if err != nil {
			return fmt.Errorf("failed to configure token verifier: %w", err)
		}
		cfg.Verifier = verifier
	} else {
		log.Warn().Msg("Bearer authentication disabled")
	}

	srv := api.HTTPServer(c.Listen, api.NewServer(pipeline, cfg, log))

	serverTLS := ssmcerts.ServerTLS{
		Cert:     ssmcerts.Source{Path: c.Cert, SSM: c.CertSSM},
		Key:      ssmcerts.Source{Path: c.Key, SSM: c.KeySSM},
		ClientCA: ssmcerts.Source{Path: c.ClientCA, SSM: c.ClientCASSM},
	}
	if serverTLS.Cert.Configured() != serverTLS.Key.Configured() {
		return errors.New("TLS certificate and key must be configured together")
	}
	if serverTLS.Cert.Configured() {
		tlsConfig, err := loader.TLSConfig(ctx, serverTLS)
		if err != nil {
			return err
		}
		srv.TLSConfig = tlsConfig
	}

	ctx, stop := signalContext(ctx)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", c.Listen).
			Bool("tls", srv.TLSConfig != nil).
			Bool("mtls", serverTLS.ClientCA.Configured()).
			Bool("auth", cfg.Verifier != nil).
			Msg("Listening")

		if srv.TLSConfig != nil {
			errCh <- srv.ListenAndServeTLS("", "")
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down signing server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
