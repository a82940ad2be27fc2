package pdf

import (
	"context"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

const (
	// DefaultVerificationURL is where recipients check a signed document.
	DefaultVerificationURL = "https://getsign.app/verify"

	linkWidth  = 120.0
	linkHeight = 60.0
	linkMargin = 10.0

	stampDescription = "fontname:Helvetica, points:9, position:br, offset:-10 10, scalefactor:1 abs, rotation:0, fillcolor:#5A5A5A, opacity:0.85"
)

// Watermarker stamps the last page and links the stamp area to a
// verification URL.
type Watermarker struct {
	Text            string
	VerificationURL string
}

func NewWatermarker(verificationURL string) *Watermarker {
	if verificationURL == "" {
		verificationURL = DefaultVerificationURL
	}
	return &Watermarker{
		Text:            "Digitally signed - verify at " + verificationURL,
		VerificationURL: verificationURL,
	}
}

func (w *Watermarker) Apply(ctx context.Context, doc []byte) ([]byte, error) {
	if err := docContext(ctx); err != nil {
		return nil, err
	}

	wm, err := api.TextWatermark(w.Text, stampDescription, true, false, types.POINTS)
	if err != nil {
		return nil, fmt.Errorf("build stamp: %w", err)
	}

	conf := newConfiguration()
	conf.Cmd = model.ADDWATERMARKS
	conf.OptimizeDuplicateContentStreams = false

	pdfCtx, err := readContext(doc, conf)
	if err != nil {
		return nil, err
	}

	last := pdfCtx.PageCount
	if last < 1 {
		return nil, fmt.Errorf("document has no pages")
	}

	if err := isolateContents(pdfCtx, last); err != nil {
		return nil, fmt.Errorf("page %d contents: %w", last, err)
	}

	if err := api.WatermarkContext(pdfCtx, types.IntSet{last: true}, wm); err != nil {
		return nil, fmt.Errorf("stamp last page: %w", err)
	}

	if err := w.addLink(pdfCtx, last); err != nil {
		return nil, err
	}

	return writeContext(pdfCtx)
}

// isolateContents gives pageNr private copies of the content streams it
// shares with other pages. Stamping rewrites the stream in place, and every
// page drawing it would then reference a form only pageNr has resources for.
func isolateContents(pdfCtx *model.Context, pageNr int) error {
	shared := map[int]bool{}
	for i := 1; i <= pdfCtx.PageCount; i++ {
		if i == pageNr {
			continue
		}
		d, _, _, err := pdfCtx.PageDict(i, false)
		if err != nil {
			return err
		}
		if d == nil {
			continue
		}
		if err := collectContentRefs(pdfCtx, d, shared); err != nil {
			return err
		}
	}
	if len(shared) == 0 {
		return nil
	}

	d, _, _, err := pdfCtx.PageDict(pageNr, false)
	if err != nil {
		return err
	}
	if d == nil {
		return fmt.Errorf("page %d not found", pageNr)
	}
	obj, ok := d.Find("Contents")
	if !ok {
		return nil
	}

	resolved, err := pdfCtx.Dereference(obj)
	if err != nil {
		return err
	}

	switch o := resolved.(type) {
	case types.Array:
		arr := make(types.Array, 0, len(o))
		for _, elem := range o {
			c, err := copyIfShared(pdfCtx, elem, shared)
			if err != nil {
				return err
			}
			arr = append(arr, c)
		}
		d.Update("Contents", arr)
	case types.StreamDict:
		c, err := copyIfShared(pdfCtx, obj, shared)
		if err != nil {
			return err
		}
		d.Update("Contents", c)
	}

	return nil
}

func collectContentRefs(pdfCtx *model.Context, d types.Dict, refs map[int]bool) error {
	obj, ok := d.Find("Contents")
	if !ok {
		return nil
	}
	if ref, ok := obj.(types.IndirectRef); ok {
		refs[ref.ObjectNumber.Value()] = true
	}

	resolved, err := pdfCtx.Dereference(obj)
	if err != nil {
		return err
	}
	if arr, ok := resolved.(types.Array); ok {
		for _, elem := range arr {
			if ref, ok := elem.(types.IndirectRef); ok {
				refs[ref.ObjectNumber.Value()] = true
			}
		}
	}
	return nil
}

func copyIfShared(pdfCtx *model.Context, obj types.Object, shared map[int]bool) (types.Object, error) {
	ref, ok := obj.(types.IndirectRef)
	if !ok || !shared[ref.ObjectNumber.Value()] {
		return obj, nil
	}

	sd, _, err := pdfCtx.DereferenceStreamDict(ref)
	if err != nil {
		return nil, err
	}
	if sd == nil {
		return obj, nil
	}

	clone := sd.Clone().(types.StreamDict)
	clone.StreamLengthObjNr = nil
	if clone.StreamLength != nil {
		clone.Update("Length", types.Integer(*clone.StreamLength))
	}

	newRef, err := pdfCtx.IndRefForNewObject(clone)
	if err != nil {
		return nil, err
	}
	return *newRef, nil
}

// addLink places a URI link annotation in the bottom-right corner of page
// last.
func (w *Watermarker) addLink(pdfCtx *model.Context, last int) error {
	dims, err := pdfCtx.PageDims()
	if err != nil {
		return fmt.Errorf("page dimensions: %w", err)
	}
	dim := dims[last-1]

	pageDict, pageRef, _, err := pdfCtx.PageDict(last, false)
	if err != nil {
		return fmt.Errorf("page %d: %w", last, err)
	}
	if pageDict == nil {
		return fmt.Errorf("page %d not found", last)
	}

	llx := dim.Width - linkMargin - linkWidth
	lly := linkMargin
	annot := types.Dict{
		"Type":    types.Name("Annot"),
		"Subtype": types.Name("Link"),
		"Rect":    types.NewNumberArray(llx, lly, llx+linkWidth, lly+linkHeight),
		"Border":  types.NewIntegerArray(0, 0, 0),
		"F":       types.Integer(4),
		"A": types.Dict{
			"Type": types.Name("Action"),
			"S":    types.Name("URI"),
			"URI":  literal(w.VerificationURL),
		},
	}
	if pageRef != nil {
		annot["P"] = *pageRef
	}

	annotRef, err := pdfCtx.IndRefForNewObject(annot)
	if err != nil {
		return fmt.Errorf("add link annotation: %w", err)
	}

	var annots types.Array
	if existing, ok := pageDict.Find("Annots"); ok {
		annots, err = pdfCtx.DereferenceArray(existing)
		if err != nil {
			return fmt.Errorf("page annotations: %w", err)
		}
	}
	pageDict["Annots"] = append(annots, *annotRef)

	return nil
}
