package idm

import "strings"

// Heading heuristic thresholds shared by the semantic digest and the
// layout spacing split. A span is heading-sized at 13pt; shorter bold runs
// also qualify.
const (
	headingSizePt   = 13.0
	headingMaxRunes = 80
)

// Text returns the block's span texts joined with single spaces.
func (b Block) Text() string {
	parts := make([]string, 0, len(b.Spans))
	for _, s := range b.Spans {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// MaxSize returns the largest span size in the block, 0 when unset.
func (b Block) MaxSize() float64 {
	max := 0.0
	for _, s := range b.Spans {
		if s.SizePt > max {
			max = s.SizePt
		}
	}
	return max
}

// HasBold reports whether any span in the block is bold.
func (b Block) HasBold() bool {
	for _, s := range b.Spans {
		if s.Bold() {
			return true
		}
	}
	return false
}

// IsHeadingCandidate reports whether the block looks like a heading:
// heading-sized text, or a short bold run.
func (b Block) IsHeadingCandidate() bool {
	text := b.Text()
	if text == "" {
		return false
	}
	if b.MaxSize() >= headingSizePt {
		return true
	}
	return b.HasBold() && len([]rune(text)) < headingMaxRunes
}

// Text returns the concatenated text of every block in reading order,
// blocks separated by newlines.
func (d *Document) Text() string {
	var sb strings.Builder
	for _, p := range d.Pages {
		for _, b := range p.Blocks {
			t := b.Text()
			if t == "" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(t)
		}
	}
	return sb.String()
}
