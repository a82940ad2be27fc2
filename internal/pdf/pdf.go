// Package pdf applies the document preprocessing done before signing: a
// verification stamp with a link on the last page, and Info dictionary
// normalization for the appliance's PDF parser.
package pdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

var configOnce sync.Once

// newConfiguration returns a relaxed configuration that never touches the
// user config directory.
func newConfiguration() *model.Configuration {
	configOnce.Do(api.DisableConfigDir)
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

func readContext(doc []byte, conf *model.Configuration) (*model.Context, error) {
	if len(doc) == 0 {
		return nil, errors.New("empty document")
	}
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(doc), conf)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}
	return ctx, nil
}

func writeContext(ctx *model.Context) ([]byte, error) {
	var buf bytes.Buffer
	if err := api.WriteContext(ctx, &buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return buf.Bytes(), nil
}

var literalEscaper = strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`)

func literal(s string) types.StringLiteral {
	return types.StringLiteral(literalEscaper.Replace(s))
}

// docContext aborts before expensive work when the request has gone away.
func docContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("preprocessing cancelled: %w", err)
	}
	return nil
}
