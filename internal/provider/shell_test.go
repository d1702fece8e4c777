package provider

import "testing"

func TestJoinShellTokens(t *testing.T) {
	cases := []struct {
		name   string
		tokens []string
		want   string
	}{
		{
			name:   "plain words pass bare",
			tokens: []string{"ls", "-la", "/tmp"},
			want:   "ls -la /tmp",
		},
		{
			name:   "operators stay unquoted",
			tokens: []string{"ls", "|", "grep", "txt", "&&", "echo", "done"},
			want:   "ls | grep txt && echo done",
		},
		{
			name:   "spaces force quoting",
			tokens: []string{"echo", "hello world"},
			want:   "echo 'hello world'",
		},
		{
			name:   "glob pattern stays literal",
			tokens: []string{"grep", "a*", "notes.txt"},
			want:   "grep 'a*' notes.txt",
		},
		{
			name:   "question mark and bracket classes stay literal",
			tokens: []string{"grep", "-E", "colou?r", "[abc]"},
			want:   "grep -E 'colou?r' '[abc]'",
		},
		{
			name:   "dollar expansion suppressed",
			tokens: []string{"echo", "$HOME"},
			want:   "echo '$HOME'",
		},
		{
			name:   "embedded single quote escaped",
			tokens: []string{"echo", "it's"},
			want:   `echo 'it'\''s'`,
		},
		{
			name:   "empty token quoted",
			tokens: []string{"printf", ""},
			want:   "printf ''",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := JoinShellTokens(tc.tokens); got != tc.want {
				t.Errorf("JoinShellTokens(%v) = %q, want %q", tc.tokens, got, tc.want)
			}
		})
	}
}
