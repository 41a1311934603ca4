package semantic

import (
	"strings"

	"github.com/veskar/blueprint/idm"
)

const (
	// titleMaxChars caps heading text inside digest markers.
	titleMaxChars = 120

	truncationMarker = "[... document truncated ...]"
)

// digest is the condensed text handed to the model: heading candidates
// as === marked lines, body blocks as plain lines, cut off at the
// character budget.
type digest struct {
	text      string
	truncated bool
	fraction  float64  // share of document characters that made it in
	headings  []string // heading titles present in the digest, in order
}

func buildDigest(doc *idm.Document, maxChars int) digest {
	var sb strings.Builder
	var headings []string
	truncated := false
	total := 0
	consumed := 0

	for _, pg := range doc.Pages {
		for _, b := range pg.Blocks {
			total += len([]rune(b.Text()))
		}
	}

walk:
	for _, pg := range doc.Pages {
		for _, b := range pg.Blocks {
			text := b.Text()
			if text == "" {
				continue
			}
			line := text
			heading := b.IsHeadingCandidate()
			if heading {
				line = "=== " + truncateRunes(text, titleMaxChars) + " ==="
			}
			if sb.Len()+len(line)+1 > maxChars {
				truncated = true
				break walk
			}
			if heading {
				headings = append(headings, truncateRunes(text, titleMaxChars))
			}
			sb.WriteString(line)
			sb.WriteByte('\n')
			consumed += len([]rune(text))
		}
	}

	if truncated {
		sb.WriteString(truncationMarker)
		sb.WriteByte('\n')
	}

	fraction := 1.0
	if total > 0 {
		fraction = float64(consumed) / float64(total)
	}
	return digest{
		text:      sb.String(),
		truncated: truncated,
		fraction:  fraction,
		headings:  headings,
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
