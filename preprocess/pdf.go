package preprocess

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/veskar/blueprint/idm"
)

// buildPDF parses a PDF with pdfcpu and interprets each page's content
// stream into positioned blocks.
func (p *Preprocessor) buildPDF(ctx context.Context, data []byte) (*idm.Document, error) {
	conf := model.NewDefaultConfiguration()
	pctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return nil, fmt.Errorf("%w: pdfcpu read: %v", ErrCorruptDocument, err)
	}
	if pctx.PageCount == 0 {
		return nil, fmt.Errorf("%w: pdf has no pages", ErrCorruptDocument)
	}

	dims, err := pctx.PageDims()
	if err != nil {
		return nil, fmt.Errorf("%w: page dimensions: %v", ErrCorruptDocument, err)
	}

	doc := &idm.Document{Format: idm.FormatPDF}
	for pageNr := 1; pageNr <= pctx.PageCount; pageNr++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var w, h float64
		if pageNr-1 < len(dims) {
			w, h = dims[pageNr-1].Width, dims[pageNr-1].Height
		}
		page := idm.Page{Index: pageNr - 1, WidthPt: w, HeightPt: h}

		if content := pageContent(pctx, pageNr); len(content) > 0 {
			runs := interpretContentStream(content, pageFonts(pctx, pageNr))
			page.Blocks = assembleBlocks(runs, h)
		}
		doc.Pages = append(doc.Pages, page)
	}

	p.logger.DebugContext(ctx, "parsed pdf",
		"pages", pctx.PageCount,
		"image_streams", hasImageStreams(pctx))
	return doc, nil
}

// pageContent returns the decoded content stream for a page, or nil when
// the page is empty or its stream cannot be decoded.
func pageContent(pctx *model.Context, pageNr int) []byte {
	r, err := pdfcpu.ExtractPageContent(pctx, pageNr)
	if err != nil || r == nil {
		return nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil
	}
	return data
}

// pageFonts resolves the page's font resources to family and weight
// info, keyed by resource name (F1, TT2). Resolution failures degrade to
// an empty map; spans then carry no font attribution.
func pageFonts(pctx *model.Context, pageNr int) map[string]fontInfo {
	fonts := make(map[string]fontInfo)
	_, _, attrs, err := pctx.PageDict(pageNr, false)
	if err != nil || attrs == nil || attrs.Resources == nil {
		return fonts
	}
	obj, found := attrs.Resources.Find("Font")
	if !found {
		return fonts
	}
	fontDict, err := pctx.DereferenceDict(obj)
	if err != nil || fontDict == nil {
		return fonts
	}
	for resName, ref := range fontDict {
		fd, err := pctx.DereferenceDict(ref)
		if err != nil || fd == nil {
			continue
		}
		bf, found := fd.Find("BaseFont")
		if !found {
			continue
		}
		if name, ok := bf.(types.Name); ok {
			fonts[resName] = parseBaseFont(name.Value())
		}
	}
	return fonts
}

// hasImageStreams reports whether the PDF contains image XObjects.
func hasImageStreams(pctx *model.Context) bool {
	if pctx.Optimize != nil {
		for pageNr := 1; pageNr <= pctx.PageCount; pageNr++ {
			if len(pdfcpu.ImageObjNrs(pctx, pageNr)) > 0 {
				return true
			}
		}
	}
	for _, entry := range pctx.Table {
		if entry == nil || entry.Free || entry.Compressed {
			continue
		}
		sd, ok := entry.Object.(types.StreamDict)
		if !ok {
			continue
		}
		if subtype, found := sd.Find("Subtype"); found {
			if name, isName := subtype.(types.Name); isName && name == "Image" {
				return true
			}
		}
	}
	return false
}
