package safety

// Minimal Python token scanner. It understands comments, string literals
// (including prefixed and triple-quoted forms), names, numbers, and
// operator punctuation — enough to evaluate boolean predicates over
// import statements and call sites without a full parser. Logical line
// boundaries are tracked so statement-level predicates work; newlines
// inside brackets and after a backslash continuation are joined, as the
// real tokenizer does.

type tokenKind int

const (
	tokName tokenKind = iota
	tokNumber
	tokString
	tokOp
	tokNewline
)

type token struct {
	kind tokenKind
	text string // names/operators verbatim; strings hold the unquoted body
	line int
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// stringPrefix reports whether the identifier at src[start:end] is a
// string prefix (r, b, f, u and their combinations) directly followed
// by a quote.
func stringPrefix(name string) bool {
	if len(name) > 2 {
		return false
	}
	for i := 0; i < len(name); i++ {
		switch name[i] {
		case 'r', 'R', 'b', 'B', 'f', 'F', 'u', 'U':
		default:
			return false
		}
	}
	return true
}

// scanPython tokenizes src. It never fails: malformed input produces a
// best-effort token stream, mirroring the engine's fail-open stance on
// unparseable code (the interpreter reports the syntax error later).
func scanPython(src string) []token {
	var toks []token
	line := 1
	depth := 0 // bracket nesting; newlines inside brackets are not logical
	i := 0

	emit := func(k tokenKind, text string) {
		toks = append(toks, token{kind: k, text: text, line: line})
	}

	for i < len(src) {
		c := src[i]

		switch {
		case c == '\n':
			if depth == 0 {
				// Collapse consecutive logical newlines.
				if n := len(toks); n > 0 && toks[n-1].kind != tokNewline {
					emit(tokNewline, "\n")
				}
			}
			line++
			i++

		case c == ' ' || c == '\t' || c == '\r':
			i++

		case c == '\\' && i+1 < len(src) && src[i+1] == '\n':
			// Explicit line continuation.
			line++
			i += 2

		case c == '#':
			for i < len(src) && src[i] != '\n' {
				i++
			}

		case c == '\'' || c == '"':
			body, next := scanString(src, i, &line)
			emit(tokString, body)
			i = next

		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			name := src[start:i]
			// String prefix like r"..." or b'...' — emit as one string token.
			if i < len(src) && (src[i] == '\'' || src[i] == '"') && stringPrefix(name) {
				body, next := scanString(src, i, &line)
				emit(tokString, body)
				i = next
				break
			}
			emit(tokName, name)

		case isDigit(c):
			start := i
			for i < len(src) && (isIdentPart(src[i]) || src[i] == '.') {
				i++
			}
			emit(tokNumber, src[start:i])

		default:
			switch c {
			case '(', '[', '{':
				depth++
			case ')', ']', '}':
				if depth > 0 {
					depth--
				}
			}
			emit(tokOp, string(c))
			i++
		}
	}
	return toks
}

// scanString consumes a string literal starting at the opening quote and
// returns its body plus the index past the closing quote. Triple quotes
// and backslash escapes are handled; an unterminated literal consumes
// the rest of the input.
func scanString(src string, i int, line *int) (string, int) {
	quote := src[i]
	triple := i+2 < len(src) && src[i+1] == quote && src[i+2] == quote
	if triple {
		i += 3
	} else {
		i++
	}
	start := i
	for i < len(src) {
		c := src[i]
		if c == '\\' && !triple {
			i += 2
			continue
		}
		if c == '\n' {
			*line++
			if !triple {
				// Unterminated single-quoted string; stop at the newline.
				return src[start:i], i
			}
		}
		if c == quote {
			if !triple {
				return src[start:i], i + 1
			}
			if i+2 < len(src) && src[i+1] == quote && src[i+2] == quote {
				return src[start:i], i + 3
			}
		}
		i++
	}
	return src[start:], i
}
