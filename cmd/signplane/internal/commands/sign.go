package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wolfeidau/signplane/internal/logger"
	"github.com/wolfeidau/signplane/internal/pdf"
	"github.com/wolfeidau/signplane/internal/signing"
	"github.com/wolfeidau/signplane/internal/ssmcerts"
)

// SignCmd runs one document through the signing pipeline without the HTTP
// front door.
type SignCmd struct {
	Worker    string   `help:"signing worker name" required:""`
	File      string   `help:"document to sign" required:"" type:"existingfile"`
	Out       string   `help:"output path, defaults to <file>-signed.pdf" default:""`
	Watermark bool     `help:"stamp the verification watermark before signing" default:"false"`
	Metadata  []string `help:"request metadata as key=value"`

	VerificationURL  string `help:"URL printed in the watermark" default:"" env:"SIGNPLANE_VERIFICATION_URL"`
	MaxDocumentBytes int64  `help:"largest accepted document in bytes" default:"52428800" env:"SIGNPLANE_MAX_DOCUMENT_BYTES"`

	AWS        AWSFlags        `embed:"" prefix:"aws-"`
	SignServer SignServerFlags `embed:"" prefix:"signserver-"`
}

func (c *SignCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	metadata := make(map[string]string, len(c.Metadata))
	for _, kv := range c.Metadata {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return fmt.Errorf("invalid metadata %q, expected key=value", kv)
		}
		metadata[k] = v
	}

	awsConfig, err := c.AWS.loadConfig(ctx)
	if err != nil {
		return err
	}

	dataPlane, err := c.SignServer.dataPlane(ctx, ssmcerts.NewLoader(c.AWS.ssmClient(awsConfig)))
	if err != nil {
		return fmt.Errorf("failed to configure appliance client: %w", err)
	}

	pipeline := signing.New(dataPlane,
		pdf.NewWatermarker(c.VerificationURL),
		pdf.NewNormalizer(pdf.Metadata{}),
		signing.Config{MaxDocumentBytes: c.MaxDocumentBytes},
		log,
	)

	in, err := os.Open(c.File)
	if err != nil {
		return fmt.Errorf("failed to open document: %w", err)
	}
	defer in.Close()

	outPath := c.Out
	if outPath == "" {
		outPath = strings.TrimSuffix(c.File, filepath.Ext(c.File)) + "-signed.pdf"
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}

	n, err := pipeline.SignTo(ctx, signing.Request{
		Document:   in,
		WorkerName: c.Worker,
		FileName:   filepath.Base(c.File),
		Watermark:  c.Watermark,
		Metadata:   metadata,
	}, out)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(outPath)
		return err
	}

	log.Info().Str("worker_name", c.Worker).Str("out", outPath).Int64("bytes", n).Msg("Document signed")
	return nil
}
