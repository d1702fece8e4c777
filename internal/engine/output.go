package engine

import (
	"fmt"
	"strings"
	"text/template"
	"unicode/utf8"
)

const (
	defaultMaxLines = 1000
	defaultMaxBytes = 256 * 1024

	// DefaultNoticeTemplate is appended to truncated output. Callers can
	// replace it with their own text/template.
	DefaultNoticeTemplate = "\n[output truncated: showing {{.ShownLines}} of {{.TotalLines}} lines ({{.ShownBytes}} of {{.TotalBytes}} bytes)]"
)

// NoticeData is the template context for the truncation notice.
type NoticeData struct {
	ShownLines int
	TotalLines int
	ShownBytes int
	TotalBytes int
}

// Truncator caps delivered output by lines and bytes, keeping the head
// and appending a rendered notice. Zero limits fall back to defaults.
type Truncator struct {
	MaxLines int
	MaxBytes int
	tmpl     *template.Template
}

// NewTruncator parses the notice template once up front so malformed
// templates fail at configuration time, not on first big output.
func NewTruncator(maxLines, maxBytes int, noticeTemplate string) (*Truncator, error) {
	if maxLines <= 0 {
		maxLines = defaultMaxLines
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	if noticeTemplate == "" {
		noticeTemplate = DefaultNoticeTemplate
	}
	tmpl, err := template.New("notice").Parse(noticeTemplate)
	if err != nil {
		return nil, fmt.Errorf("parsing truncation notice template: %w", err)
	}
	return &Truncator{MaxLines: maxLines, MaxBytes: maxBytes, tmpl: tmpl}, nil
}

// Truncate returns the capped text and whether truncation occurred.
func (t *Truncator) Truncate(s string) (string, bool) {
	totalBytes := len(s)
	totalLines := strings.Count(s, "\n")
	if totalBytes > 0 && !strings.HasSuffix(s, "\n") {
		totalLines++
	}

	truncated := false
	out := s
	if totalLines > t.MaxLines {
		lines := strings.SplitAfterN(out, "\n", t.MaxLines+1)
		out = strings.Join(lines[:t.MaxLines], "")
		truncated = true
	}
	if len(out) > t.MaxBytes {
		// Back off to a rune boundary so the cap never leaves a broken
		// UTF-8 sequence at the cut.
		cut := t.MaxBytes
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
		truncated = true
	}
	if !truncated {
		return s, false
	}

	shownLines := strings.Count(out, "\n")
	if len(out) > 0 && !strings.HasSuffix(out, "\n") {
		shownLines++
	}
	var sb strings.Builder
	sb.WriteString(out)
	if err := t.tmpl.Execute(&sb, NoticeData{
		ShownLines: shownLines,
		TotalLines: totalLines,
		ShownBytes: len(out),
		TotalBytes: totalBytes,
	}); err != nil {
		// Template was validated at construction; an execution failure
		// here means a bad custom field reference. Deliver without notice.
		return out, true
	}
	return sb.String(), true
}
