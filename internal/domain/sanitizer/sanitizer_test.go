package sanitizer

import (
	"strings"
	"testing"
)

func TestSanitize_BuiltinDetectors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{
			name: "path traversal",
			args: map[string]any{"path": "../../etc/passwd"},
			want: "path_traversal",
		},
		{
			name: "shell injection",
			args: map[string]any{"cmd": "foo; rm -rf /"},
			want: "shell_injection",
		},
		{
			name: "sql injection",
			args: map[string]any{"q": "1' or '1'='1"},
			want: "sql_injection",
		},
		{
			name: "ssrf",
			args: map[string]any{"url": "http://169.254.169.254/latest/meta-data"},
			want: "ssrf",
		},
		{
			name: "url scheme",
			args: map[string]any{"href": "javascript:alert(1)"},
			want: "url_schemes",
		},
	}

	s, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := s.Sanitize(tt.args)
			if !got.Rejected {
				t.Fatalf("Sanitize(%v).Rejected = false, want true", tt.args)
			}
			if !strings.Contains(got.RejectionReason, tt.want) {
				t.Errorf("RejectionReason = %q, want substring %q", got.RejectionReason, tt.want)
			}
		})
	}
}

func TestSanitize_BlockedPattern(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.BlockedPatterns = []string{`forbidden-token`}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got := s.Sanitize(map[string]any{"note": "contains forbidden-token here"})
	if !got.Rejected {
		t.Fatalf("Rejected = false, want true")
	}
	if !strings.Contains(got.RejectionReason, "Blocked pattern") {
		t.Errorf("RejectionReason = %q, want mention of blocked pattern", got.RejectionReason)
	}
}

func TestSanitize_DetectorsRunBeforeBlockedPatterns(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.BlockedPatterns = []string{`etc/passwd`}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got := s.Sanitize(map[string]any{"path": "../../etc/passwd"})
	if !got.Rejected {
		t.Fatalf("Rejected = false, want true")
	}
	if !strings.Contains(got.RejectionReason, "path_traversal") {
		t.Errorf("RejectionReason = %q, want the built-in detector to win over the blocked pattern", got.RejectionReason)
	}
}

func TestSanitize_CleanArgsPassThrough(t *testing.T) {
	t.Parallel()

	s, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	args := map[string]any{"file": "notes.txt", "count": 3}
	got := s.Sanitize(args)
	if got.Rejected {
		t.Fatalf("Rejected = true, want false: %s", got.RejectionReason)
	}
	if got.Args["file"] != "notes.txt" {
		t.Errorf("Args[file] = %v, want notes.txt", got.Args["file"])
	}
	if got.Modified {
		t.Errorf("Modified = true, want false for already-clean args")
	}
}

func TestSanitize_TruncatesLongStrings(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxStringLength = 5
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got := s.Sanitize(map[string]any{"note": "abcdefghij"})
	if got.Rejected {
		t.Fatalf("Rejected = true, want false")
	}
	if got.Args["note"] != "abcde" {
		t.Errorf("Args[note] = %v, want truncated to 5 chars", got.Args["note"])
	}
	if !got.Modified {
		t.Errorf("Modified = false, want true")
	}
	if len(got.Warnings) == 0 {
		t.Errorf("Warnings empty, want a truncation warning")
	}
}

func TestSanitize_MaxArgsDepth(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxArgsDepth = 1
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	nested := map[string]any{
		"a": map[string]any{
			"b": map[string]any{
				"c": "too deep",
			},
		},
	}
	got := s.Sanitize(nested)
	if got.Rejected {
		t.Fatalf("Rejected = true, want false")
	}
	if !got.Modified {
		t.Errorf("Modified = false, want true (depth cap should have truncated something)")
	}
	if len(got.Warnings) == 0 {
		t.Errorf("Warnings empty, want a depth warning")
	}
}

func TestSanitize_MaxTotalKeys(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxTotalKeys = 2
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	args := map[string]any{"a": "1", "b": "2", "c": "3", "d": "4"}
	got := s.Sanitize(args)
	if got.Rejected {
		t.Fatalf("Rejected = true, want false")
	}
	if len(got.Args) > 2 {
		t.Errorf("len(Args) = %d, want at most 2", len(got.Args))
	}
	if len(got.Warnings) == 0 {
		t.Errorf("Warnings empty, want a max_total_keys warning")
	}
}

func TestSanitize_StripsControlCharsAndNormalizes(t *testing.T) {
	t.Parallel()

	s, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got := s.Sanitize(map[string]any{"note": "hello\x00\x07 world  "})
	if got.Rejected {
		t.Fatalf("Rejected = true, want false")
	}
	note, _ := got.Args["note"].(string)
	if strings.ContainsAny(note, "\x00\x07") {
		t.Errorf("Args[note] = %q, want control chars stripped", note)
	}
	if !got.Modified {
		t.Errorf("Modified = false, want true")
	}
}

func TestSanitize_InvalidBlockedPattern(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.BlockedPatterns = []string{`(unclosed`}
	if _, err := New(cfg); err == nil {
		t.Fatal("New() error = nil, want an error for an invalid blocked pattern")
	}
}
