package preprocess

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/veskar/blueprint/idm"
)

const (
	// maxDocumentXMLBytes caps the decompressed size of word/document.xml
	// so a small archive cannot expand into an arbitrarily large parse.
	maxDocumentXMLBytes = 64 << 20

	// maxXMLDepth bounds element nesting in document.xml.
	maxXMLDepth = 256

	// docxBodySizePt is the size assumed for runs without an explicit
	// w:sz, matching the common word-processor default.
	docxBodySizePt = 11.0

	// twipsPerPoint converts w:pgSz values (twentieths of a point).
	twipsPerPoint = 20.0
)

// zipHasDocumentXML reports whether data is a readable zip archive
// holding word/document.xml.
func zipHasDocumentXML(data []byte) bool {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return false
	}
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			return true
		}
	}
	return false
}

// buildDOCX stream-decodes word/document.xml into paragraphs-as-blocks
// on a single synthetic page. DOCX carries no fixed geometry, so blocks
// have no bounding boxes; page dimensions come from w:pgSz when present.
func (p *Preprocessor) buildDOCX(ctx context.Context, data []byte) (*idm.Document, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: open zip: %v", ErrCorruptDocument, err)
	}

	var docFile *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return nil, fmt.Errorf("%w: word/document.xml not found in archive", ErrCorruptDocument)
	}
	if docFile.UncompressedSize64 > maxDocumentXMLBytes {
		return nil, fmt.Errorf("%w: document.xml declares %d bytes (limit %d)",
			ErrCorruptDocument, docFile.UncompressedSize64, maxDocumentXMLBytes)
	}

	rc, err := docFile.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open document.xml: %v", ErrCorruptDocument, err)
	}
	defer rc.Close()

	page, err := decodeDocumentXML(ctx, io.LimitReader(rc, maxDocumentXMLBytes))
	if err != nil {
		return nil, err
	}
	return &idm.Document{Format: idm.FormatDOCX, Pages: []idm.Page{*page}}, nil
}

// docxSpan accumulates one w:r run and whether its size was explicit;
// heading styles only bump runs that did not set their own size.
type docxSpan struct {
	idm.Span
	explicitSize bool
}

func decodeDocumentXML(ctx context.Context, r io.Reader) (*idm.Page, error) {
	decoder := xml.NewDecoder(r)

	page := &idm.Page{Index: 0}
	var (
		depth       int
		inParagraph bool
		inRun       bool
		inText      bool
		paraStyle   string
		paraRuns    []docxSpan
		run         docxSpan
		text        strings.Builder
	)

	flushRun := func() {
		if !inRun {
			return
		}
		inRun = false
		run.Text = text.String()
		if strings.TrimSpace(run.Text) != "" {
			paraRuns = append(paraRuns, run)
		}
	}
	flushParagraph := func() {
		if !inParagraph {
			return
		}
		inParagraph = false
		if len(paraRuns) == 0 {
			return
		}
		level := docxHeadingLevel(paraStyle)
		spans := make([]idm.Span, len(paraRuns))
		for i, r := range paraRuns {
			spans[i] = finishDocxRun(r, level)
		}
		page.Blocks = append(page.Blocks, idm.Block{Spans: spans})
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: decode document.xml: %v", ErrCorruptDocument, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth > maxXMLDepth {
				return nil, fmt.Errorf("%w: xml nesting depth exceeds %d", ErrCorruptDocument, maxXMLDepth)
			}
			switch t.Name.Local {
			case "p":
				flushParagraph()
				inParagraph = true
				paraStyle = ""
				paraRuns = nil
			case "pStyle":
				if inParagraph {
					paraStyle = attrVal(t, "val")
				}
			case "r":
				if inParagraph {
					flushRun()
					inRun = true
					run = docxSpan{}
					text.Reset()
				}
			case "rFonts":
				if inRun {
					run.FontFamily = attrVal(t, "ascii")
				}
			case "sz":
				if inRun {
					if half, err := strconv.ParseFloat(attrVal(t, "val"), 64); err == nil && half > 0 {
						run.SizePt = half / 2
						run.explicitSize = true
					}
				}
			case "b":
				if inRun {
					run.Weight = idm.WeightBold
					if v := attrVal(t, "val"); v == "false" || v == "0" || v == "none" {
						run.Weight = idm.WeightNormal
					}
				}
			case "color":
				if inRun {
					if v := attrVal(t, "val"); v != "" && !strings.EqualFold(v, "auto") {
						run.ColorHex = "#" + strings.ToUpper(v)
					}
				}
			case "t":
				if inRun {
					inText = true
				}
			case "pgSz":
				if w, err := strconv.ParseFloat(attrVal(t, "w"), 64); err == nil && w > 0 {
					page.WidthPt = w / twipsPerPoint
				}
				if h, err := strconv.ParseFloat(attrVal(t, "h"), 64); err == nil && h > 0 {
					page.HeightPt = h / twipsPerPoint
				}
			case "tab":
				if inRun {
					text.WriteByte(' ')
				}
			case "br", "cr":
				if inRun {
					text.WriteByte(' ')
				}
			}

		case xml.CharData:
			if inText {
				text.Write(t)
			}

		case xml.EndElement:
			depth--
			switch t.Name.Local {
			case "t":
				inText = false
			case "r":
				flushRun()
			case "p":
				flushRun()
				flushParagraph()
			}
		}
	}
	flushRun()
	flushParagraph()

	return page, nil
}

func attrVal(el xml.StartElement, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// finishDocxRun applies the default body size and, for styled heading
// paragraphs, lifts runs without an explicit size to a size the heading
// heuristic recognizes. Runs that set their own size win.
func finishDocxRun(run docxSpan, headingLevel int) idm.Span {
	sp := run.Span
	if !run.explicitSize {
		sp.SizePt = docxBodySizePt
		if headingLevel > 0 {
			sp.SizePt = headingStyleSizePt(headingLevel)
			sp.Weight = idm.WeightBold
		}
	}
	return sp
}

func headingStyleSizePt(level int) float64 {
	switch level {
	case 1:
		return 24
	case 2:
		return 18
	case 3:
		return 14
	default:
		return 13
	}
}

// docxHeadingLevel extracts the heading level from a paragraph style
// name: "Heading1" -> 1, "Title" -> 1, "Subtitle" -> 2, localized
// variants included.
func docxHeadingLevel(style string) int {
	lower := strings.ToLower(style)

	if lower == "title" {
		return 1
	}
	if lower == "subtitle" {
		return 2
	}
	for _, prefix := range []string{"heading", "titre", "überschrift"} {
		if strings.HasPrefix(lower, prefix) {
			rest := lower[len(prefix):]
			if len(rest) == 1 && rest[0] >= '1' && rest[0] <= '9' {
				return int(rest[0] - '0')
			}
		}
	}
	return 0
}
