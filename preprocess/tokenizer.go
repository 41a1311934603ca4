package preprocess

// Content-stream tokenizer. Produces the operand/operator token flow the
// interpreter consumes. Dictionaries and inline images are skipped whole;
// nothing the text machinery needs lives inside them.

type tokKind int

const (
	tokNumber tokKind = iota
	tokString         // literal or hex string, decoded bytes
	tokName           // /Name without the slash
	tokArray
	tokOperator
)

type token struct {
	kind tokKind
	num  float64
	str  []byte
	name string
	arr  []token
}

type tokenizer struct {
	data []byte
	pos  int
}

func newTokenizer(data []byte) *tokenizer {
	return &tokenizer{data: data}
}

func isDelim(b byte) bool {
	switch b {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

func isSpace(b byte) bool {
	switch b {
	case 0, '\t', '\n', '\f', '\r', ' ':
		return true
	}
	return false
}

func (t *tokenizer) skipSpace() {
	for t.pos < len(t.data) {
		b := t.data[t.pos]
		if isSpace(b) {
			t.pos++
			continue
		}
		if b == '%' {
			for t.pos < len(t.data) && t.data[t.pos] != '\n' && t.data[t.pos] != '\r' {
				t.pos++
			}
			continue
		}
		return
	}
}

// next returns the next token, or ok=false at end of stream.
func (t *tokenizer) next() (token, bool) {
	for {
		t.skipSpace()
		if t.pos >= len(t.data) {
			return token{}, false
		}

		switch b := t.data[t.pos]; {
		case b == '(':
			t.pos++
			return token{kind: tokString, str: t.literalString()}, true
		case b == '<':
			if t.pos+1 < len(t.data) && t.data[t.pos+1] == '<' {
				t.skipDict()
				continue
			}
			t.pos++
			return token{kind: tokString, str: t.hexString()}, true
		case b == '/':
			t.pos++
			return token{kind: tokName, name: t.bareToken()}, true
		case b == '[':
			t.pos++
			return token{kind: tokArray, arr: t.array()}, true
		case b == ']' || b == '>' || b == ')' || b == '{' || b == '}':
			// Stray delimiter; nothing meaningful follows it here.
			t.pos++
			continue
		case b == '+' || b == '-' || b == '.' || (b >= '0' && b <= '9'):
			return token{kind: tokNumber, num: t.number()}, true
		default:
			op := t.bareToken()
			if op == "" {
				t.pos++
				continue
			}
			if op == "BI" {
				t.skipInlineImage()
				continue
			}
			return token{kind: tokOperator, name: op}, true
		}
	}
}

// literalString consumes a (...) string, honoring nested parentheses and
// backslash escapes, and returns the decoded bytes.
func (t *tokenizer) literalString() []byte {
	var out []byte
	depth := 1
	for t.pos < len(t.data) {
		b := t.data[t.pos]
		t.pos++
		switch b {
		case '\\':
			if t.pos >= len(t.data) {
				return out
			}
			e := t.data[t.pos]
			t.pos++
			switch e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b':
				out = append(out, '\b')
			case 'f':
				out = append(out, '\f')
			case '(', ')', '\\':
				out = append(out, e)
			case '\n':
				// Line continuation: swallow.
			case '\r':
				if t.pos < len(t.data) && t.data[t.pos] == '\n' {
					t.pos++
				}
			default:
				if e >= '0' && e <= '7' {
					val := int(e - '0')
					for n := 0; n < 2 && t.pos < len(t.data); n++ {
						d := t.data[t.pos]
						if d < '0' || d > '7' {
							break
						}
						val = val*8 + int(d-'0')
						t.pos++
					}
					out = append(out, byte(val))
				} else {
					out = append(out, e)
				}
			}
		case '(':
			depth++
			out = append(out, b)
		case ')':
			depth--
			if depth == 0 {
				return out
			}
			out = append(out, b)
		default:
			out = append(out, b)
		}
	}
	return out
}

// hexString consumes a <...> string. An odd final digit is padded with
// zero per the PDF spec.
func (t *tokenizer) hexString() []byte {
	var out []byte
	var hi byte
	haveHi := false
	for t.pos < len(t.data) {
		b := t.data[t.pos]
		t.pos++
		if b == '>' {
			break
		}
		v, ok := hexVal(b)
		if !ok {
			continue
		}
		if haveHi {
			out = append(out, hi<<4|v)
			haveHi = false
		} else {
			hi = v
			haveHi = true
		}
	}
	if haveHi {
		out = append(out, hi<<4)
	}
	return out
}

func hexVal(b byte) (byte, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, true
	}
	return 0, false
}

// bareToken consumes a run of regular characters (names, operators).
func (t *tokenizer) bareToken() string {
	start := t.pos
	for t.pos < len(t.data) {
		b := t.data[t.pos]
		if isSpace(b) || isDelim(b) {
			break
		}
		t.pos++
	}
	return string(t.data[start:t.pos])
}

func (t *tokenizer) number() float64 {
	start := t.pos
	if b := t.data[t.pos]; b == '+' || b == '-' {
		t.pos++
	}
	for t.pos < len(t.data) {
		b := t.data[t.pos]
		if (b < '0' || b > '9') && b != '.' {
			break
		}
		t.pos++
	}
	return parseFloat(string(t.data[start:t.pos]))
}

// array consumes tokens until the matching close bracket.
func (t *tokenizer) array() []token {
	var out []token
	for {
		t.skipSpace()
		if t.pos >= len(t.data) || t.data[t.pos] == ']' {
			if t.pos < len(t.data) {
				t.pos++
			}
			return out
		}
		tok, ok := t.next()
		if !ok {
			return out
		}
		out = append(out, tok)
	}
}

// skipDict consumes a << ... >> dictionary, nesting included.
func (t *tokenizer) skipDict() {
	depth := 0
	for t.pos < len(t.data) {
		if t.pos+1 < len(t.data) && t.data[t.pos] == '<' && t.data[t.pos+1] == '<' {
			depth++
			t.pos += 2
			continue
		}
		if t.pos+1 < len(t.data) && t.data[t.pos] == '>' && t.data[t.pos+1] == '>' {
			depth--
			t.pos += 2
			if depth <= 0 {
				return
			}
			continue
		}
		if t.data[t.pos] == '(' {
			t.pos++
			t.literalString()
			continue
		}
		t.pos++
	}
}

// skipInlineImage consumes everything through the EI marker.
func (t *tokenizer) skipInlineImage() {
	for t.pos+1 < len(t.data) {
		if t.data[t.pos] == 'E' && t.data[t.pos+1] == 'I' {
			before := t.pos == 0 || isSpace(t.data[t.pos-1])
			afterEnd := t.pos+2 >= len(t.data) || isSpace(t.data[t.pos+2]) || isDelim(t.data[t.pos+2])
			if before && afterEnd {
				t.pos += 2
				return
			}
		}
		t.pos++
	}
	t.pos = len(t.data)
}

func parseFloat(s string) float64 {
	var sign, val, frac float64 = 1, 0, 0
	div := 1.0
	inFrac := false
	for i := 0; i < len(s); i++ {
		switch b := s[i]; {
		case b == '-' && i == 0:
			sign = -1
		case b == '+' && i == 0:
		case b == '.':
			inFrac = true
		case b >= '0' && b <= '9':
			if inFrac {
				div *= 10
				frac = frac + float64(b-'0')/div
			} else {
				val = val*10 + float64(b-'0')
			}
		}
	}
	return sign * (val + frac)
}
