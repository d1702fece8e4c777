package safety

// String-obfuscation heuristics. Each is a boolean predicate over the
// token stream matching a known pattern for smuggling denied names past
// the static checks: building strings from character codes, encode/decode
// round-trips, and join() chains feeding evaluation primitives. These are
// pattern matchers, not provers — they have false positives and false
// negatives, and the default thresholds are a starting policy to tune.

// chrCallThreshold is how many chr() calls in one statement look like
// character-code string construction rather than legitimate use.
const chrCallThreshold = 3

func checkObfuscation(toks []token, policy Policy) (Verdict, bool) {
	for _, stmt := range statements(toks) {
		if construct := obfuscatedStatement(stmt); construct != "" {
			return rejected(policy, construct,
				"suspicious string obfuscation pattern (%s) is not allowed in untrusted code",
				construct), false
		}
	}
	return Verdict{}, true
}

// statements splits the token stream on logical newlines and semicolons.
func statements(toks []token) [][]token {
	var out [][]token
	start := 0
	for i, t := range toks {
		if t.kind == tokNewline || (t.kind == tokOp && t.text == ";") {
			if i > start {
				out = append(out, toks[start:i])
			}
			start = i + 1
		}
	}
	if start < len(toks) {
		out = append(out, toks[start:])
	}
	return out
}

// obfuscatedStatement returns the name of the first matching pattern,
// or "" when the statement looks clean.
func obfuscatedStatement(stmt []token) string {
	chrCalls := 0
	joinCall := false
	decodeCall := false
	encodeCall := false
	fromhex := false
	evalFed := false

	for i := 0; i < len(stmt); i++ {
		t := stmt[i]
		if t.kind != tokName {
			continue
		}
		calling := i+1 < len(stmt) && stmt[i+1].kind == tokOp && stmt[i+1].text == "("
		attr := i > 0 && stmt[i-1].kind == tokOp && stmt[i-1].text == "."

		switch t.text {
		case "chr":
			if calling && !attr {
				chrCalls++
			}
		case "join":
			if calling && attr {
				joinCall = true
			}
		case "decode":
			if calling && attr {
				decodeCall = true
			}
		case "encode":
			if calling && attr {
				encodeCall = true
			}
		case "fromhex":
			if calling && attr {
				fromhex = true
			}
		case "eval", "exec", "getattr", "__import__":
			evalFed = true
		}
	}

	switch {
	case chrCalls >= chrCallThreshold:
		return "character-code string construction"
	case fromhex:
		return "hex-decoded string construction"
	case decodeCall && encodeCall:
		return "encode/decode round-trip"
	case joinCall && (chrCalls > 0 || evalFed):
		return "string join feeding an evaluation primitive"
	}
	return ""
}
