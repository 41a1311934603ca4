package preprocess

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/veskar/blueprint/idm"
)

// Content-stream interpretation. The tokenizer and the text-state
// machine below implement the subset of the PDF imaging model needed to
// place text: the CTM stack, the text/line matrices, and the show-text
// operators. Glyph decoding is byte-oriented (standard encodings);
// CID-keyed text that does not decode to printable bytes is dropped
// rather than guessed at.

const (
	// baselineTolerancePt groups runs onto one line when their baselines
	// are within this distance.
	baselineTolerancePt = 2.0

	// blockGapFactor is the largest inter-line gap, relative to line
	// height, that still joins two lines into one block.
	blockGapFactor = 0.6
)

// matrix is a PDF transformation matrix [a b c d e f] mapping
// (x, y) -> (a*x + c*y + e, b*x + d*y + f).
type matrix [6]float64

func identityMatrix() matrix { return matrix{1, 0, 0, 1, 0, 0} }

func (a matrix) mult(b matrix) matrix {
	return matrix{
		a[0]*b[0] + a[1]*b[2],
		a[0]*b[1] + a[1]*b[3],
		a[2]*b[0] + a[3]*b[2],
		a[2]*b[1] + a[3]*b[3],
		a[4]*b[0] + a[5]*b[2] + b[4],
		a[4]*b[1] + a[5]*b[3] + b[5],
	}
}

// fontInfo is the slice of a font resource the analyzers care about.
type fontInfo struct {
	family string
	bold   bool
}

// parseBaseFont derives family and weight from a BaseFont name such as
// "ABCDEF+Arial-BoldMT" or "Times-Roman".
func parseBaseFont(name string) fontInfo {
	// Subset tag: six uppercase letters and a plus sign.
	if len(name) > 7 && name[6] == '+' {
		tag := name[:6]
		if strings.ToUpper(tag) == tag {
			name = name[7:]
		}
	}
	family := name
	if i := strings.IndexAny(name, "-,"); i > 0 {
		family = name[:i]
	}
	lower := strings.ToLower(name)
	// Semibold is a distinct weight, not bold, despite the substring.
	bold := !strings.Contains(lower, "semibold") &&
		(strings.Contains(lower, "bold") ||
			strings.Contains(lower, "black") ||
			strings.Contains(lower, "heavy"))
	return fontInfo{family: family, bold: bold}
}

// textRun is one shown string positioned in PDF user space (origin
// bottom-left, y increasing upward). x,y is the baseline start.
type textRun struct {
	text  string
	x, y  float64
	width float64
	size  float64
	font  fontInfo
	color string
}

// graphicsState carries the parameters saved and restored by q/Q.
type graphicsState struct {
	ctm  matrix
	fill string
}

// textState carries the parameters set between BT and ET.
type textState struct {
	font        fontInfo
	size        float64
	charSpacing float64
	wordSpacing float64
	scale       float64 // horizontal scaling, percent
	leading     float64
	tm, tlm     matrix
}

// interpretContentStream walks a decoded content stream and returns the
// positioned text runs it shows. fonts maps resource names (F1, TT2) to
// their font info; unknown resources fall back to an anonymous font.
func interpretContentStream(data []byte, fonts map[string]fontInfo) []textRun {
	in := interp{
		fonts: fonts,
		gs:    graphicsState{ctm: identityMatrix(), fill: "#000000"},
		ts:    textState{scale: 100, tm: identityMatrix(), tlm: identityMatrix()},
	}
	tz := newTokenizer(data)
	var operands []token
	for {
		tok, ok := tz.next()
		if !ok {
			break
		}
		if tok.kind != tokOperator {
			operands = append(operands, tok)
			continue
		}
		in.apply(tok.name, operands)
		operands = operands[:0]
	}
	return in.runs
}

type interp struct {
	fonts   map[string]fontInfo
	gs      graphicsState
	gsStack []graphicsState
	ts      textState
	runs    []textRun
}

func (in *interp) apply(op string, args []token) {
	switch op {
	case "q":
		in.gsStack = append(in.gsStack, in.gs)
	case "Q":
		if n := len(in.gsStack); n > 0 {
			in.gs = in.gsStack[n-1]
			in.gsStack = in.gsStack[:n-1]
		}
	case "cm":
		if len(args) == 6 {
			in.gs.ctm = argsMatrix(args).mult(in.gs.ctm)
		}
	case "BT":
		in.ts.tm = identityMatrix()
		in.ts.tlm = identityMatrix()
	case "Tc":
		if len(args) == 1 {
			in.ts.charSpacing = args[0].num
		}
	case "Tw":
		if len(args) == 1 {
			in.ts.wordSpacing = args[0].num
		}
	case "Tz":
		if len(args) == 1 && args[0].num != 0 {
			in.ts.scale = args[0].num
		}
	case "TL":
		if len(args) == 1 {
			in.ts.leading = args[0].num
		}
	case "Tf":
		if len(args) == 2 {
			if f, ok := in.fonts[args[0].name]; ok {
				in.ts.font = f
			} else {
				in.ts.font = fontInfo{}
			}
			in.ts.size = args[1].num
		}
	case "Td":
		if len(args) == 2 {
			in.nextLine(args[0].num, args[1].num)
		}
	case "TD":
		if len(args) == 2 {
			in.ts.leading = -args[1].num
			in.nextLine(args[0].num, args[1].num)
		}
	case "Tm":
		if len(args) == 6 {
			in.ts.tm = argsMatrix(args)
			in.ts.tlm = in.ts.tm
		}
	case "T*":
		in.nextLine(0, -in.ts.leading)
	case "Tj":
		if len(args) == 1 {
			in.showText(args[0].str)
		}
	case "TJ":
		if len(args) == 1 {
			for _, el := range args[0].arr {
				if el.kind == tokNumber {
					// Negative adjustments move the pen right.
					shift := -el.num / 1000 * in.ts.size * (in.ts.scale / 100)
					in.ts.tm[4] += shift * in.ts.tm[0]
					in.ts.tm[5] += shift * in.ts.tm[1]
					continue
				}
				if el.kind == tokString {
					in.showText(el.str)
				}
			}
		}
	case "'":
		in.nextLine(0, -in.ts.leading)
		if len(args) == 1 {
			in.showText(args[0].str)
		}
	case "\"":
		if len(args) == 3 {
			in.ts.wordSpacing = args[0].num
			in.ts.charSpacing = args[1].num
			in.nextLine(0, -in.ts.leading)
			in.showText(args[2].str)
		}
	case "rg":
		if len(args) == 3 {
			in.gs.fill = rgbHex(args[0].num, args[1].num, args[2].num)
		}
	case "g":
		if len(args) == 1 {
			in.gs.fill = rgbHex(args[0].num, args[0].num, args[0].num)
		}
	case "k":
		if len(args) == 4 {
			c, m, y, k := args[0].num, args[1].num, args[2].num, args[3].num
			in.gs.fill = rgbHex((1-c)*(1-k), (1-m)*(1-k), (1-y)*(1-k))
		}
	case "sc", "scn":
		// Only plain gray and RGB component counts are mapped; pattern
		// and ICC operands are left alone.
		switch len(args) {
		case 1:
			if args[0].kind == tokNumber {
				in.gs.fill = rgbHex(args[0].num, args[0].num, args[0].num)
			}
		case 3:
			if args[0].kind == tokNumber && args[1].kind == tokNumber && args[2].kind == tokNumber {
				in.gs.fill = rgbHex(args[0].num, args[1].num, args[2].num)
			}
		}
	}
}

// nextLine translates the line matrix and resets the text matrix to it.
func (in *interp) nextLine(tx, ty float64) {
	m := matrix{1, 0, 0, 1, tx, ty}
	in.ts.tlm = m.mult(in.ts.tlm)
	in.ts.tm = in.ts.tlm
}

func (in *interp) showText(raw []byte) {
	text := printableString(raw)
	fm := in.ts.tm.mult(in.gs.ctm)
	x, y := fm[4], fm[5]

	// Vertical scale of the combined matrix carries Tm-scaled sizes
	// (the "Tf 1, Tm 24" pattern) through to the effective size.
	effSize := in.ts.size * math.Hypot(fm[2], fm[3])

	// Without per-glyph widths the advance is estimated at half an em
	// per rune, which is close enough for bounding boxes and gaps.
	runes := utf8.RuneCountInString(text)
	adv := float64(runes)*in.ts.size*0.5 + float64(runes)*in.ts.charSpacing
	adv += float64(strings.Count(text, " ")) * in.ts.wordSpacing
	adv *= in.ts.scale / 100

	if text != "" {
		in.runs = append(in.runs, textRun{
			text:  text,
			x:     x,
			y:     y,
			width: adv * math.Hypot(fm[0], fm[1]),
			size:  effSize,
			font:  in.ts.font,
			color: in.gs.fill,
		})
	}

	in.ts.tm[4] += adv * in.ts.tm[0]
	in.ts.tm[5] += adv * in.ts.tm[1]
}

func argsMatrix(args []token) matrix {
	var m matrix
	for i := 0; i < 6 && i < len(args); i++ {
		m[i] = args[i].num
	}
	return m
}

func rgbHex(r, g, b float64) string {
	clamp := func(v float64) int {
		n := int(math.Round(v * 255))
		if n < 0 {
			return 0
		}
		if n > 255 {
			return 255
		}
		return n
	}
	return fmt.Sprintf("#%02X%02X%02X", clamp(r), clamp(g), clamp(b))
}

// printableString drops control bytes from a shown string, keeping tabs
// and printable characters. High bytes pass through as Latin-1.
func printableString(raw []byte) string {
	var sb strings.Builder
	for _, b := range raw {
		switch {
		case b == '\t':
			sb.WriteByte(' ')
		case b < 0x20 || b == 0x7F:
			// control byte, drop
		case b < 0x80:
			sb.WriteByte(b)
		default:
			sb.WriteRune(rune(b))
		}
	}
	return sb.String()
}

// --- line and block assembly ---

// lineSeg is a horizontal run of text sharing a baseline. Column gaps
// split what would visually read as one "line" into separate segments so
// multi-column pages keep one block per column.
type lineSeg struct {
	runs     []textRun
	baseline float64 // PDF y
	x0, x1   float64
	height   float64 // dominant font size
}

// assembleBlocks groups runs into line segments and segments into
// blocks, then converts to IDM coordinates (origin top-left, y down).
func assembleBlocks(runs []textRun, pageH float64) []idm.Block {
	segs := assembleSegments(runs)
	if len(segs) == 0 {
		return nil
	}

	// Top of page first. PDF y grows upward, so descending baseline
	// order is reading order.
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].baseline > segs[j].baseline })

	type protoBlock struct {
		segs []lineSeg
		last lineSeg
	}
	var blocks []protoBlock
	for _, seg := range segs {
		placed := false
		for i := range blocks {
			b := &blocks[i]
			gap := b.last.baseline - seg.baseline - seg.height
			if gap > blockGapFactor*maxf(seg.height, b.last.height) {
				continue
			}
			if seg.baseline >= b.last.baseline-baselineTolerancePt {
				// Same baseline as the block's last line: a different
				// column, not a continuation.
				continue
			}
			if !overlapsX(b.last, seg) {
				continue
			}
			b.segs = append(b.segs, seg)
			b.last = seg
			placed = true
			break
		}
		if !placed {
			blocks = append(blocks, protoBlock{segs: []lineSeg{seg}, last: seg})
		}
	}

	out := make([]idm.Block, 0, len(blocks))
	for _, pb := range blocks {
		out = append(out, finishBlock(pb.segs, pageH))
	}
	return out
}

// assembleSegments buckets runs by baseline and splits each baseline
// bucket at large horizontal gaps.
func assembleSegments(runs []textRun) []lineSeg {
	ordered := make([]textRun, 0, len(runs))
	for _, r := range runs {
		if strings.TrimSpace(r.text) != "" {
			ordered = append(ordered, r)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if math.Abs(ordered[i].y-ordered[j].y) > baselineTolerancePt {
			return ordered[i].y > ordered[j].y
		}
		return ordered[i].x < ordered[j].x
	})

	var segs []lineSeg
	var cur *lineSeg
	for _, r := range ordered {
		if cur != nil && math.Abs(r.y-cur.baseline) <= baselineTolerancePt {
			gap := r.x - cur.x1
			if gap <= maxf(1.5*r.size, 18) {
				cur.runs = append(cur.runs, r)
				cur.x1 = maxf(cur.x1, r.x+r.width)
				cur.height = maxf(cur.height, r.size)
				continue
			}
		}
		segs = append(segs, lineSeg{
			runs:     []textRun{r},
			baseline: r.y,
			x0:       r.x,
			x1:       r.x + r.width,
			height:   r.size,
		})
		cur = &segs[len(segs)-1]
	}
	return segs
}

// finishBlock builds the idm.Block for a group of segments, merging
// style-identical adjacent runs into spans and flipping to IDM space.
// Runs separated by a kerning-sized gap join without a space; line
// wraps and word-sized gaps join with one.
func finishBlock(segs []lineSeg, pageH float64) idm.Block {
	var spans []idm.Span
	x0, x1 := math.Inf(1), math.Inf(-1)
	topPDF, botPDF := math.Inf(-1), math.Inf(1)

	for _, seg := range segs {
		x0 = math.Min(x0, seg.x0)
		x1 = math.Max(x1, seg.x1)
		// Approximate ascent and descent from the dominant size.
		topPDF = math.Max(topPDF, seg.baseline+0.8*seg.height)
		botPDF = math.Min(botPDF, seg.baseline-0.2*seg.height)

		for ri, r := range seg.runs {
			sep := " "
			if ri > 0 {
				prev := seg.runs[ri-1]
				if r.x-(prev.x+prev.width) <= 0.25*r.size {
					sep = ""
				}
			}
			sp := runSpan(r)
			if n := len(spans); n > 0 && sameStyle(spans[n-1], sp) {
				spans[n-1].Text = joinText(spans[n-1].Text, sep, sp.Text)
				continue
			}
			spans = append(spans, sp)
		}
	}

	return idm.Block{
		BBox: &idm.Rect{
			X0: x0,
			Y0: pageH - topPDF,
			X1: x1,
			Y1: pageH - botPDF,
		},
		Spans: spans,
	}
}

func runSpan(r textRun) idm.Span {
	weight := idm.WeightNormal
	if r.font.bold {
		weight = idm.WeightBold
	}
	return idm.Span{
		Text:       r.text,
		FontFamily: r.font.family,
		SizePt:     math.Round(r.size*10) / 10,
		Weight:     weight,
		ColorHex:   r.color,
	}
}

func sameStyle(a, b idm.Span) bool {
	return a.FontFamily == b.FontFamily &&
		math.Abs(a.SizePt-b.SizePt) < 0.1 &&
		a.Weight == b.Weight &&
		a.ColorHex == b.ColorHex
}

func joinText(a, sep, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	if sep == " " && (strings.HasSuffix(a, " ") || strings.HasPrefix(b, " ")) {
		sep = ""
	}
	return a + sep + b
}

func overlapsX(a, b lineSeg) bool {
	return a.x0 < b.x1 && b.x0 < a.x1
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
