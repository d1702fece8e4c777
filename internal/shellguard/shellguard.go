// Package shellguard validates shell command lines before a sandbox
// backend runs them. It tokenizes the line, identifies the leading
// command of every pipeline segment and every control operator, and
// accepts only allowlisted names. It executes nothing itself.
package shellguard

import (
	"fmt"
	"strings"
)

// defaultSafeCommands are basic read-only, listing, and searching
// utilities considered safe without further review.
var defaultSafeCommands = map[string]bool{
	"ls": true, "cat": true, "head": true, "tail": true, "grep": true,
	"rg": true, "find": true, "echo": true, "pwd": true, "wc": true,
	"sort": true, "uniq": true, "cut": true, "tr": true, "which": true,
	"file": true, "stat": true, "du": true, "df": true, "date": true,
	"whoami": true, "env": true, "uname": true, "ps": true, "sed": true,
	"awk": true, "diff": true, "basename": true, "dirname": true,
	"realpath": true, "md5sum": true, "shasum": true, "tree": true,
	"printf": true, "true": true, "false": true,
}

// defaultSafeOperators are the control operators permitted between
// allowlisted commands.
var defaultSafeOperators = map[string]bool{
	"&&": true, "||": true, ";": true, "|": true,
	">": true, ">>": true, "<": true, "2>": true, "2>>": true, "2>&1": true,
}

// Policy supplies caller overrides on top of the defaults.
type Policy struct {
	// AdditionalSafeCommands extends the default command allow-list.
	// A single "*" entry allows every command.
	AdditionalSafeCommands []string
	// AdditionalSafeOperators extends the default operator set.
	// A single "*" entry allows every operator.
	AdditionalSafeOperators []string
	// Bypass disables all checks for this policy. Commands still go
	// through the sandbox backend — this only skips the allow-list.
	Bypass bool
}

// TokenKind distinguishes words from control operators.
type TokenKind int

const (
	// TokenWord is a command name or argument.
	TokenWord TokenKind = iota
	// TokenOperator is a control operator or redirection.
	TokenOperator
)

// Token is one parsed element of the command line.
type Token struct {
	Kind TokenKind
	Text string
}

// Verdict is the outcome of validation. Tokens are returned even on
// rejection so callers can report precisely what was parsed.
type Verdict struct {
	Accepted bool
	Reason   string
	Tokens   []Token
}

// Words returns the token texts in order, for handing to a backend.
func (v Verdict) Words() []string {
	out := make([]string, len(v.Tokens))
	for i, t := range v.Tokens {
		out[i] = t.Text
	}
	return out
}

// Validate tokenizes line and checks every pipeline-segment command
// name and every control operator against the policy. The first
// violation wins and names the offending token.
func Validate(line string, policy Policy) Verdict {
	tokens, err := tokenize(line)
	if err != nil {
		return Verdict{Accepted: false, Reason: err.Error()}
	}
	if len(tokens) == 0 {
		return Verdict{Accepted: false, Reason: "empty command"}
	}
	v := Verdict{Tokens: tokens}
	if policy.Bypass {
		v.Accepted = true
		return v
	}

	allCommands := contains(policy.AdditionalSafeCommands, "*")
	allOperators := contains(policy.AdditionalSafeOperators, "*")

	expectCommand := true // first word of the line and of each segment
	for _, t := range tokens {
		switch t.Kind {
		case TokenOperator:
			if !allOperators && !defaultSafeOperators[t.Text] && !contains(policy.AdditionalSafeOperators, t.Text) {
				v.Reason = fmt.Sprintf("control operator %q is not allowed", t.Text)
				return v
			}
			// A new command starts after segment separators, but not
			// after redirections (their operand is a filename).
			switch t.Text {
			case "&&", "||", ";", "|":
				expectCommand = true
			}
		case TokenWord:
			if !expectCommand {
				continue
			}
			expectCommand = false
			// Skip environment assignments (VAR=value cmd ...).
			if isAssignment(t.Text) {
				expectCommand = true
				continue
			}
			name := commandName(t.Text)
			if !allCommands && !defaultSafeCommands[name] && !contains(policy.AdditionalSafeCommands, name) {
				v.Reason = fmt.Sprintf("command %q is not allowed", name)
				return v
			}
		}
	}
	v.Accepted = true
	return v
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// commandName strips any path prefix so "/bin/ls" and "ls" are judged
// the same way.
func commandName(word string) string {
	if i := strings.LastIndexByte(word, '/'); i >= 0 {
		return word[i+1:]
	}
	return word
}

// isAssignment reports whether word is a VAR=value environment prefix.
func isAssignment(word string) bool {
	i := strings.IndexByte(word, '=')
	if i <= 0 {
		return false
	}
	for _, c := range word[:i] {
		if c != '_' && !(c >= 'a' && c <= 'z') && !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// tokenize splits a command line into words and operators, respecting
// single quotes, double quotes, and backslash escapes.
func tokenize(line string) ([]Token, error) {
	var tokens []Token
	var word strings.Builder
	inWord := false

	flush := func() {
		if inWord {
			tokens = append(tokens, Token{Kind: TokenWord, Text: word.String()})
			word.Reset()
			inWord = false
		}
	}

	i := 0
	for i < len(line) {
		c := line[i]
		switch {
		case c == ' ' || c == '\t':
			flush()
			i++

		case c == '\'':
			end := strings.IndexByte(line[i+1:], '\'')
			if end < 0 {
				return nil, fmt.Errorf("unterminated single quote")
			}
			word.WriteString(line[i+1 : i+1+end])
			inWord = true
			i += end + 2

		case c == '"':
			j := i + 1
			for j < len(line) && line[j] != '"' {
				if line[j] == '\\' && j+1 < len(line) {
					word.WriteByte(line[j+1])
					j += 2
					continue
				}
				word.WriteByte(line[j])
				j++
			}
			if j >= len(line) {
				return nil, fmt.Errorf("unterminated double quote")
			}
			inWord = true
			i = j + 1

		case c == '\\':
			if i+1 < len(line) {
				word.WriteByte(line[i+1])
				inWord = true
				i += 2
			} else {
				i++
			}

		default:
			if op, n := scanOperator(line[i:], word.String(), inWord); n > 0 {
				if op == "2>" || op == "2>>" || op == "2>&1" {
					// The "2" was accumulated as a word prefix; drop it.
					trimmed := strings.TrimSuffix(word.String(), "2")
					word.Reset()
					word.WriteString(trimmed)
					if trimmed == "" {
						inWord = false
					}
				}
				flush()
				tokens = append(tokens, Token{Kind: TokenOperator, Text: op})
				i += n
				continue
			}
			word.WriteByte(c)
			inWord = true
			i++
		}
	}
	flush()
	return tokens, nil
}

// scanOperator matches a control operator at the start of s. The fd
// redirection forms (2>, 2>>, 2>&1) are recognized when the pending
// word is exactly "2".
func scanOperator(s, pending string, inWord bool) (string, int) {
	if inWord && pending == "2" && strings.HasPrefix(s, ">") {
		switch {
		case strings.HasPrefix(s, ">&1"):
			return "2>&1", 3
		case strings.HasPrefix(s, ">>"):
			return "2>>", 2
		default:
			return "2>", 1
		}
	}
	switch {
	case strings.HasPrefix(s, "&&"):
		return "&&", 2
	case strings.HasPrefix(s, "||"):
		return "||", 2
	case strings.HasPrefix(s, ">>"):
		return ">>", 2
	case strings.HasPrefix(s, "&"), strings.HasPrefix(s, "|"),
		strings.HasPrefix(s, ";"), strings.HasPrefix(s, "<"),
		strings.HasPrefix(s, ">"):
		return s[:1], 1
	}
	return "", 0
}
