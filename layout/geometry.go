package layout

import (
	"fmt"
	"math"
	"sort"

	"github.com/veskar/blueprint/idm"
)

// Standard page dimensions in points.
var (
	pageSizeA4     = [2]float64{595.3, 841.9}
	pageSizeLetter = [2]float64{612, 792}
)

var defaultSpacing = map[string]float64{
	SpacingBeforeH1:     24.0,
	SpacingAfterH1:      12.0,
	SpacingBeforeH2:     18.0,
	SpacingAfterH2:      8.0,
	SpacingParagraph:    6.0,
	SpacingLineMultiple: 1.15,
}

// spacingHeadingSizePt is the font size at which a block counts as a
// heading boundary for gap classification.
const spacingHeadingSizePt = 13.0

func classifyPageSize(doc *idm.Document, tolerancePt float64) string {
	if len(doc.Pages) == 0 {
		return "A4"
	}
	w, h := doc.Pages[0].WidthPt, doc.Pages[0].HeightPt
	if math.Abs(w-pageSizeA4[0]) < tolerancePt && math.Abs(h-pageSizeA4[1]) < tolerancePt {
		return "A4"
	}
	if math.Abs(w-pageSizeLetter[0]) < tolerancePt && math.Abs(h-pageSizeLetter[1]) < tolerancePt {
		return "Letter"
	}
	return fmt.Sprintf("custom %gx%g", round1(w), round1(h))
}

// detectColumns clusters block left edges into fixed-width buckets. Two
// well-populated buckets far enough apart mean a two-column body.
func detectColumns(doc *idm.Document, cfg Config) ColumnStructure {
	buckets := map[int]int{}
	total := 0
	for _, pg := range doc.Pages {
		for _, b := range pg.Blocks {
			if b.BBox == nil {
				continue
			}
			buckets[bucket(b.BBox.X0, cfg.ColumnBinPt)]++
			total++
		}
	}
	// Too few blocks to cluster meaningfully.
	if total < 3 || len(buckets) < 2 {
		return ColumnStructure{Count: 1, Type: "single"}
	}

	type bc struct {
		bucket, count int
	}
	ranked := make([]bc, 0, len(buckets))
	for k, n := range buckets {
		ranked = append(ranked, bc{k, n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].bucket < ranked[j].bucket
	})

	a, b := ranked[0], ranked[1]
	separation := math.Abs(float64(a.bucket-b.bucket)) * cfg.ColumnBinPt
	fracA := float64(a.count) / float64(total)
	fracB := float64(b.count) / float64(total)

	if separation >= cfg.ColumnMinSeparationPt && fracA >= cfg.ColumnMinFraction && fracB >= cfg.ColumnMinFraction {
		return ColumnStructure{Count: 2, Type: "two-column"}
	}
	return ColumnStructure{Count: 1, Type: "single"}
}

// detectMargins averages the extremal block edges of each page against
// the page bounds. Returns false when no page had a bboxed block, in
// which case all margins are the configured default.
func detectMargins(doc *idm.Document, cfg Config) (Margins, bool) {
	var lefts, rights, tops, bottoms []float64
	for _, pg := range doc.Pages {
		minX0, maxX1 := math.Inf(1), math.Inf(-1)
		minY0, maxY1 := math.Inf(1), math.Inf(-1)
		seen := false
		for _, b := range pg.Blocks {
			if b.BBox == nil {
				continue
			}
			seen = true
			minX0 = math.Min(minX0, b.BBox.X0)
			maxX1 = math.Max(maxX1, b.BBox.X1)
			minY0 = math.Min(minY0, b.BBox.Y0)
			maxY1 = math.Max(maxY1, b.BBox.Y1)
		}
		if !seen {
			continue
		}
		lefts = append(lefts, minX0)
		rights = append(rights, maxX1)
		tops = append(tops, minY0)
		bottoms = append(bottoms, maxY1)
	}

	if len(lefts) == 0 {
		d := cfg.MarginDefaultPt
		return Margins{Top: d, Bottom: d, Left: d, Right: d}, false
	}

	var pageW, pageH float64
	if len(doc.Pages) > 0 {
		pageW, pageH = doc.Pages[0].WidthPt, doc.Pages[0].HeightPt
	}

	clamp := func(v float64) float64 {
		return math.Max(cfg.MarginMinPt, math.Min(cfg.MarginMaxPt, v))
	}
	m := Margins{
		Left: clamp(math.Round(avg(lefts))),
		Top:  clamp(math.Round(avg(tops))),
	}
	if pageW > 0 {
		m.Right = clamp(math.Round(pageW - avg(rights)))
	} else {
		m.Right = clamp(cfg.MarginDefaultPt)
	}
	if pageH > 0 {
		m.Bottom = clamp(math.Round(pageH - avg(bottoms)))
	} else {
		m.Bottom = clamp(cfg.MarginDefaultPt)
	}
	return m, true
}

// detectHeaderFooter looks for block positions inside the top/bottom
// band that recur on enough distinct pages. Short documents cannot show
// recurrence, so both flags are refused and reported inferred.
func detectHeaderFooter(doc *idm.Document, cfg Config) (hasHeader, hasFooter, inferred bool) {
	pageCount := len(doc.Pages)
	if pageCount < cfg.MinRecurrencePages {
		return false, false, true
	}
	var pageH float64
	if pageCount > 0 {
		pageH = doc.Pages[0].HeightPt
	}
	if pageH <= 0 {
		return false, false, true
	}

	threshold := int(float64(pageCount) * cfg.RecurrenceFraction)
	if threshold < 2 {
		threshold = 2
	}

	// A position bucket counts once per page so a page repeating the
	// same block cannot fake recurrence.
	topPages := map[int]map[int]struct{}{}
	bottomPages := map[int]map[int]struct{}{}
	for pi, pg := range doc.Pages {
		for _, b := range pg.Blocks {
			if b.BBox == nil {
				continue
			}
			if b.BBox.Y0 < pageH*cfg.BandFraction {
				addPage(topPages, bucket(b.BBox.Y0, cfg.YBucketPt), pi)
			}
			if b.BBox.Y1 > pageH*(1-cfg.BandFraction) {
				addPage(bottomPages, bucket(b.BBox.Y1, cfg.YBucketPt), pi)
			}
		}
	}

	for _, pages := range topPages {
		if len(pages) >= threshold {
			hasHeader = true
			break
		}
	}
	for _, pages := range bottomPages {
		if len(pages) >= threshold {
			hasFooter = true
			break
		}
	}
	return hasHeader, hasFooter, false
}

func addPage(m map[int]map[int]struct{}, bucket, page int) {
	set, ok := m[bucket]
	if !ok {
		set = map[int]struct{}{}
		m[bucket] = set
	}
	set[page] = struct{}{}
}

// detectSpacing measures vertical gaps between consecutive blocks and
// classifies each by whether a heading sits below, above, or neither.
// Medians feed the spacing rules; empty gap classes fall back to the
// defaults and are returned as defaulted keys.
func detectSpacing(doc *idm.Document, cfg Config) (map[string]float64, []string) {
	var beforeHeading, afterHeading, para []float64

	isHeading := func(b idm.Block) bool {
		return b.MaxSize() >= spacingHeadingSizePt || b.HasBold()
	}

	for _, pg := range doc.Pages {
		var boxed []idm.Block
		for _, b := range pg.Blocks {
			if b.BBox != nil {
				boxed = append(boxed, b)
			}
		}
		for i := 1; i < len(boxed); i++ {
			prev, curr := boxed[i-1], boxed[i]
			gap := round1(curr.BBox.Y0 - prev.BBox.Y1)
			if gap <= 0 {
				continue
			}
			switch {
			case isHeading(curr):
				beforeHeading = append(beforeHeading, gap)
			case isHeading(prev):
				afterHeading = append(afterHeading, gap)
			default:
				para = append(para, gap)
			}
		}
	}

	rules := map[string]float64{}
	var defaulted []string
	set := func(key string, gaps []float64) {
		if len(gaps) == 0 {
			rules[key] = defaultSpacing[key]
			defaulted = append(defaulted, key)
			return
		}
		rules[key] = median(gaps)
	}
	set(SpacingBeforeH1, beforeHeading)
	set(SpacingAfterH1, afterHeading)
	set(SpacingBeforeH2, beforeHeading)
	set(SpacingAfterH2, afterHeading)
	set(SpacingParagraph, para)

	// Line spacing is not recoverable from block geometry; always the
	// typographic default.
	rules[SpacingLineMultiple] = defaultSpacing[SpacingLineMultiple]
	defaulted = append(defaulted, SpacingLineMultiple)

	return rules, defaulted
}

func bucket(v, width float64) int { return int(v / width) }

func avg(vals []float64) float64 {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// median returns the upper median rounded to 0.1.
func median(vals []float64) float64 {
	s := append([]float64(nil), vals...)
	sort.Float64s(s)
	return round1(s[len(s)/2])
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

func columnTypeName(count int) string {
	if count >= 2 {
		return "two-column"
	}
	return "single"
}
