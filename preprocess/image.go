package preprocess

import (
	"bytes"
	"fmt"
	"image"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/veskar/blueprint/idm"
)

// buildImage decodes dimensions only. The result is a one-page document
// with the pixel dimensions as points and no text layer; the page block
// and empty span are synthesized by finalize.
func (p *Preprocessor) buildImage(data []byte) (*idm.Document, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", ErrCorruptDocument, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: image %s has empty dimensions", ErrCorruptDocument, format)
	}
	return &idm.Document{
		Format:  idm.FormatImage,
		Scanned: true,
		Pages: []idm.Page{{
			Index:    0,
			WidthPt:  float64(cfg.Width),
			HeightPt: float64(cfg.Height),
		}},
	}, nil
}
