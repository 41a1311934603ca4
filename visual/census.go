package visual

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/veskar/blueprint/idm"
)

// Role size thresholds in points. A bold span at body size reads as a
// minor heading, not emphasis, for token purposes.
const (
	roleH1MinPt   = 20.0
	roleH2MinPt   = 15.0
	roleH3MinPt   = 13.0
	roleBodyMinPt = 9.0
)

var paletteRoles = []string{"primary", "secondary", "accent", "highlight", "muted", "extra"}

func classifyRole(sizePt float64, weight string) string {
	switch {
	case sizePt <= 0:
		return "body"
	case sizePt >= roleH1MinPt:
		return "h1"
	case sizePt >= roleH2MinPt:
		return "h2"
	case sizePt >= roleH3MinPt:
		return "h3"
	case sizePt >= roleBodyMinPt:
		if weight == idm.WeightBold {
			return "h3"
		}
		return "body"
	}
	return "caption"
}

// styleKey identifies one concrete styling of text.
type styleKey struct {
	family string
	sizePt float64
	weight string
	color  string
}

// censusTokens aggregates span styles weighted by rune count: per role a
// tally of concrete stylings, plus a document-wide color tally that
// skips default black and paper white.
func censusTokens(doc *idm.Document) (map[string]map[styleKey]int, map[string]int) {
	roles := map[string]map[styleKey]int{}
	colors := map[string]int{}

	for _, pg := range doc.Pages {
		for _, b := range pg.Blocks {
			for _, s := range b.Spans {
				n := utf8.RuneCountInString(s.Text)
				if n == 0 {
					continue
				}
				weight := s.Weight
				if weight == "" {
					weight = idm.WeightNormal
				}
				color := s.ColorHex
				if color == "" {
					color = "#000000"
				}

				role := classifyRole(s.SizePt, weight)
				key := styleKey{family: s.FontFamily, sizePt: s.SizePt, weight: weight, color: color}
				m := roles[role]
				if m == nil {
					m = map[styleKey]int{}
					roles[role] = m
				}
				m[key] += n

				if !defaultInk(color) {
					colors[color] += n
				}
			}
		}
	}
	return roles, colors
}

func defaultInk(color string) bool {
	switch strings.ToUpper(color) {
	case "#000000", "#FFFFFF", "#000":
		return true
	}
	return false
}

// buildTypography picks the heaviest styling per role. Ties break on the
// key fields so the result does not depend on map order.
func buildTypography(roles map[string]map[styleKey]int) map[string]TypographyToken {
	out := make(map[string]TypographyToken, len(roles))
	for role, counts := range roles {
		var best styleKey
		bestN := -1
		for key, n := range counts {
			if n > bestN || (n == bestN && lessKey(key, best)) {
				best, bestN = key, n
			}
		}
		if bestN < 0 {
			continue
		}
		out[role] = TypographyToken{
			FontFamily: best.family,
			SizePt:     best.sizePt,
			Weight:     best.weight,
			ColorHex:   best.color,
		}
	}
	return out
}

func lessKey(a, b styleKey) bool {
	if a.family != b.family {
		return a.family < b.family
	}
	if a.sizePt != b.sizePt {
		return a.sizePt < b.sizePt
	}
	if a.weight != b.weight {
		return a.weight < b.weight
	}
	return a.color < b.color
}

// buildPalette maps the most-used colors to semantic roles by rank.
// Background is always paper white unless the vision pass says otherwise.
func buildPalette(colors map[string]int) map[string]string {
	type colorCount struct {
		color string
		n     int
	}
	ranked := make([]colorCount, 0, len(colors))
	for c, n := range colors {
		ranked = append(ranked, colorCount{c, n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].n != ranked[j].n {
			return ranked[i].n > ranked[j].n
		}
		return ranked[i].color < ranked[j].color
	})

	palette := map[string]string{}
	for i, cc := range ranked {
		if i >= len(paletteRoles) {
			break
		}
		palette[paletteRoles[i]] = cc.color
	}
	palette["background"] = "#FFFFFF"
	return palette
}
