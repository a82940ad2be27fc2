package pdf

import (
	"context"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// Metadata is the Info dictionary written by Normalizer. Empty fields are
// left as found.
type Metadata struct {
	Title   string
	Author  string
	Subject string
	Creator string
}

// DefaultMetadata is applied when Normalizer is constructed without values.
var DefaultMetadata = Metadata{
	Title:   "Signed Document",
	Author:  "GetSign",
	Subject: "Digitally signed document",
	Creator: "GetSign Digital Signature Service",
}

// Normalizer rewrites the document through pdfcpu, which regenerates the
// cross-reference table, and replaces the descriptive Info entries. The
// writer always stamps Producer and ModDate itself.
type Normalizer struct {
	Metadata Metadata
}

func NewNormalizer(meta Metadata) *Normalizer {
	if meta == (Metadata{}) {
		meta = DefaultMetadata
	}
	return &Normalizer{Metadata: meta}
}

func (n *Normalizer) Apply(ctx context.Context, doc []byte) ([]byte, error) {
	if err := docContext(ctx); err != nil {
		return nil, err
	}

	pdfCtx, err := readContext(doc, newConfiguration())
	if err != nil {
		return nil, err
	}

	var info types.Dict
	if pdfCtx.Info != nil {
		info, err = pdfCtx.DereferenceDict(*pdfCtx.Info)
		if err != nil {
			return nil, fmt.Errorf("info dictionary: %w", err)
		}
	}
	if info == nil {
		info = types.Dict{}
		ref, err := pdfCtx.IndRefForNewObject(info)
		if err != nil {
			return nil, fmt.Errorf("create info dictionary: %w", err)
		}
		pdfCtx.Info = ref
	}

	for key, value := range map[string]string{
		"Title":   n.Metadata.Title,
		"Author":  n.Metadata.Author,
		"Subject": n.Metadata.Subject,
		"Creator": n.Metadata.Creator,
	} {
		if value != "" {
			info[key] = literal(value)
		}
	}
	delete(info, "Keywords")

	return writeContext(pdfCtx)
}
