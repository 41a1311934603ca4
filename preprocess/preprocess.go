// Package preprocess converts uploaded document bytes into the
// intermediate document model consumed by the analysis stages. PDFs are
// parsed with pdfcpu and their content streams interpreted for positioned
// text, DOCX archives are stream-decoded from word/document.xml, and
// images contribute page geometry only. The stage is a pure transform:
// bytes in, idm.Document out, no network and no disk writes.
package preprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"strings"

	"github.com/veskar/blueprint/idm"
)

var (
	// ErrUnsupportedFormat is returned for inputs that are neither PDF,
	// DOCX, nor a recognized image format.
	ErrUnsupportedFormat = errors.New("preprocess: unsupported document format")

	// ErrCorruptDocument is returned when the input claims a supported
	// format but cannot be parsed.
	ErrCorruptDocument = errors.New("preprocess: corrupt document")

	// ErrTooLarge is returned when the input exceeds Config.MaxFileSize.
	ErrTooLarge = errors.New("preprocess: document exceeds size limit")
)

// Config holds preprocessing limits.
type Config struct {
	// MaxFileSize caps the accepted input size in bytes.
	MaxFileSize int64 `json:"max_file_size" yaml:"max_file_size"`

	// ScannedCharThreshold is the total text length below which a PDF is
	// treated as scanned (image-like, no usable text layer).
	ScannedCharThreshold int `json:"scanned_char_threshold" yaml:"scanned_char_threshold"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.MaxFileSize == 0 {
		c.MaxFileSize = 50 << 20 // 50 MiB
	}
	if c.ScannedCharThreshold == 0 {
		c.ScannedCharThreshold = 200
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Preprocessor builds intermediate document models from raw uploads.
type Preprocessor struct {
	cfg    Config
	logger *slog.Logger
}

// New returns a Preprocessor with cfg applied over defaults.
func New(cfg Config) *Preprocessor {
	cfg.defaults()
	return &Preprocessor{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "preprocess"),
	}
}

// BuildIDM parses data into an idm.Document. mimeType is advisory; the
// detected format wins when the magic bytes disagree with the declared
// type.
func (p *Preprocessor) BuildIDM(ctx context.Context, data []byte, mimeType string) (*idm.Document, error) {
	if int64(len(data)) > p.cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, len(data), p.cfg.MaxFileSize)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrCorruptDocument)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	format, err := DetectFormat(data, mimeType)
	if err != nil {
		return nil, err
	}

	var doc *idm.Document
	switch format {
	case idm.FormatPDF:
		doc, err = p.buildPDF(ctx, data)
	case idm.FormatDOCX:
		doc, err = p.buildDOCX(ctx, data)
	case idm.FormatImage:
		doc, err = p.buildImage(data)
	default:
		return nil, ErrUnsupportedFormat
	}
	if err != nil {
		return nil, err
	}

	finalize(doc, p.cfg.ScannedCharThreshold)
	p.logger.DebugContext(ctx, "built document model",
		"format", doc.Format,
		"pages", doc.PageCount(),
		"blocks", doc.BlockCount(),
		"chars", doc.CharCount,
		"scanned", doc.Scanned)
	return doc, nil
}

// finalize computes derived fields and enforces the one-span minimum:
// every document leaves preprocessing with at least one page holding at
// least one block with at least one span, so downstream stages never see
// an empty model.
func finalize(doc *idm.Document, scannedThreshold int) {
	chars := 0
	for _, pg := range doc.Pages {
		for _, b := range pg.Blocks {
			for _, s := range b.Spans {
				chars += len([]rune(s.Text))
			}
		}
	}
	doc.CharCount = chars

	if doc.Format == idm.FormatPDF && chars < scannedThreshold {
		doc.Scanned = true
	}

	if len(doc.Pages) == 0 {
		doc.Pages = []idm.Page{{Index: 0}}
	}
	for i := range doc.Pages {
		pg := &doc.Pages[i]
		if len(pg.Blocks) == 0 {
			pg.Blocks = []idm.Block{{
				BBox:  fullPageRect(pg),
				Spans: []idm.Span{{}},
			}}
		}
		for j := range pg.Blocks {
			if len(pg.Blocks[j].Spans) == 0 {
				pg.Blocks[j].Spans = []idm.Span{{}}
			}
		}
	}
}

func fullPageRect(pg *idm.Page) *idm.Rect {
	if pg.WidthPt <= 0 || pg.HeightPt <= 0 {
		return nil
	}
	return &idm.Rect{X0: 0, Y0: 0, X1: pg.WidthPt, Y1: pg.HeightPt}
}

// DetectFormat resolves the document format from magic bytes, falling
// back to the declared MIME type for ambiguous containers.
func DetectFormat(data []byte, mimeType string) (idm.Format, error) {
	switch {
	case bytes.HasPrefix(data, []byte("%PDF-")):
		return idm.FormatPDF, nil
	case bytes.HasPrefix(data, []byte("PK\x03\x04")):
		// Zip container: DOCX if the archive holds word/document.xml.
		// The declared type alone is not trusted since xlsx/odt/plain
		// zips share the signature.
		if zipHasDocumentXML(data) {
			return idm.FormatDOCX, nil
		}
		return "", fmt.Errorf("%w: zip archive without word/document.xml", ErrUnsupportedFormat)
	case isImageSignature(data):
		return idm.FormatImage, nil
	}

	// No recognizable signature; honor an explicit declared type so that
	// callers sending unusual-but-valid payloads get a parse error rather
	// than a format error.
	mt, _, err := mime.ParseMediaType(mimeType)
	if err == nil {
		switch mt {
		case "application/pdf":
			return idm.FormatPDF, nil
		case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
			return idm.FormatDOCX, nil
		}
		if strings.HasPrefix(mt, "image/") {
			return idm.FormatImage, nil
		}
	}
	return "", ErrUnsupportedFormat
}

// isImageSignature reports whether data starts like a supported raster
// image: PNG, JPEG, GIF, WebP, or TIFF.
func isImageSignature(data []byte) bool {
	switch {
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return true
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return true
	case bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")):
		return true
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return true
	case bytes.HasPrefix(data, []byte("II*\x00")) || bytes.HasPrefix(data, []byte("MM\x00*")):
		return true
	}
	return false
}
