// Package idm defines the Intermediate Document Model: the normalized
// page/block/span representation every analysis stage reads. A Document is
// built once by the preprocessor and never mutated afterwards; analyzers
// treat it as read-only and it is discarded when the pipeline run ends.
package idm

// Format identifies the source document family.
type Format string

const (
	FormatPDF   Format = "pdf"
	FormatDOCX  Format = "docx"
	FormatImage Format = "image"
)

// Rect is a bounding box in points. Origin is the top-left corner of the
// page, y grows downward.
type Rect struct {
	X0 float64 `json:"x0"`
	Y0 float64 `json:"y0"`
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
}

// Width returns the horizontal extent of the box.
func (r Rect) Width() float64 { return r.X1 - r.X0 }

// Height returns the vertical extent of the box.
func (r Rect) Height() float64 { return r.Y1 - r.Y0 }

// Union returns the smallest rectangle covering both r and o.
func (r Rect) Union(o Rect) Rect {
	u := r
	if o.X0 < u.X0 {
		u.X0 = o.X0
	}
	if o.Y0 < u.Y0 {
		u.Y0 = o.Y0
	}
	if o.X1 > u.X1 {
		u.X1 = o.X1
	}
	if o.Y1 > u.Y1 {
		u.Y1 = o.Y1
	}
	return u
}

// Span is a run of text sharing one style.
type Span struct {
	Text       string  `json:"text"`
	FontFamily string  `json:"font_family"`
	SizePt     float64 `json:"size_pt"`
	Weight     string  `json:"weight"` // "normal" or "bold"
	ColorHex   string  `json:"color_hex"`
}

// Bold reports whether the span carries bold weight.
func (s Span) Bold() bool { return s.Weight == WeightBold }

const (
	WeightNormal = "normal"
	WeightBold   = "bold"
)

// Block is an ordered group of spans. BBox is nil for flow formats (DOCX)
// where the source carries no page geometry. Every block holds at least
// one span; the preprocessor never emits empty blocks.
type Block struct {
	BBox  *Rect  `json:"bbox,omitempty"`
	Spans []Span `json:"spans"`
}

// Page holds the blocks of one page in reading order.
type Page struct {
	Index    int     `json:"index"`
	WidthPt  float64 `json:"width_pt"`
	HeightPt float64 `json:"height_pt"`
	Blocks   []Block `json:"blocks"`
}

// Document is the root of the model.
type Document struct {
	Format    Format `json:"format"`
	Pages     []Page `json:"pages"`
	CharCount int    `json:"char_count"`

	// Scanned marks paginated documents whose text layer is absent or
	// negligible; analyzers treat them like image input, not like errors.
	Scanned bool `json:"scanned"`
}

// PageCount returns the number of pages.
func (d *Document) PageCount() int { return len(d.Pages) }

// BlockCount returns the total number of blocks across all pages.
func (d *Document) BlockCount() int {
	n := 0
	for _, p := range d.Pages {
		n += len(p.Blocks)
	}
	return n
}

// HasGeometry reports whether any block carries a bounding box. Layout
// analysis uses this to choose between the geometric and the inferred
// branch.
func (d *Document) HasGeometry() bool {
	for _, p := range d.Pages {
		for _, b := range p.Blocks {
			if b.BBox != nil {
				return true
			}
		}
	}
	return false
}
