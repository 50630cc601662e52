package ruleset

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/policyshield/policyshield/internal/domain/shield"
)

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoad_Basic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeTemp(t, dir, "rules.yaml", `
shield_name: test-shield
version: 1
default_verdict: allow
rules:
  - id: block-shell
    description: block shell execution
    when:
      tool: "execute_shell"
      args:
        command:
          contains: "rm -rf"
    then: block
    severity: critical
    message: "destructive command blocked"
`)

	rs, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if rs.ShieldName != "test-shield" {
		t.Errorf("ShieldName = %q, want %q", rs.ShieldName, "test-shield")
	}
	if len(rs.Rules) != 1 {
		t.Fatalf("len(Rules) = %d, want 1", len(rs.Rules))
	}
	rule := rs.Rules[0]
	if rule.Then != shield.VerdictBlock {
		t.Errorf("Then = %q, want BLOCK", rule.Then)
	}
	if rule.When.Tool != "execute_shell" {
		t.Errorf("When.Tool = %q, want execute_shell", rule.When.Tool)
	}
	if len(rule.When.Args) != 1 || rule.When.Args[0].Predicate != shield.PredicateContains {
		t.Errorf("When.Args = %+v, want one contains predicate", rule.When.Args)
	}
	if !rule.Enabled {
		t.Error("rule should default to enabled")
	}
	if rule.Priority != 1 {
		t.Errorf("Priority = %d, want default 1", rule.Priority)
	}
}

func TestLoad_ToolList(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeTemp(t, dir, "rules.yaml", `
shield_name: s
version: 1
rules:
  - id: r1
    when:
      tool: ["read_file", "write_file"]
    then: allow
`)
	rs, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got := rs.Rules[0].When.ToolList
	want := []string{"read_file", "write_file"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("ToolList = %v, want %v", got, want)
	}
}

func TestLoad_DuplicateID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeTemp(t, dir, "rules.yaml", `
shield_name: s
version: 1
rules:
  - id: dup
    then: allow
  - id: dup
    then: block
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() error = nil, want duplicate id error")
	}
	var rerr *Error
	if !errors.As(err, &rerr) {
		t.Fatalf("error is not *ruleset.Error: %v", err)
	}
	if rerr.Kind != KindDuplicateID {
		t.Errorf("Kind = %q, want %q", rerr.Kind, KindDuplicateID)
	}
}

func TestLoad_UnknownTopLevelKey(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeTemp(t, dir, "rules.yaml", `
shield_name: s
version: 1
not_a_real_field: true
rules: []
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() error = nil, want schema violation")
	}
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Kind != KindSchemaViolation {
		t.Errorf("error = %v, want schema_violation", err)
	}
}

func TestLoad_InvalidRegex(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeTemp(t, dir, "rules.yaml", `
shield_name: s
version: 1
rules:
  - id: bad-regex
    when:
      args:
        path:
          regex: "(unclosed"
    then: block
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() error = nil, want invalid regex error")
	}
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Kind != KindInvalidRegex {
		t.Errorf("error = %v, want invalid_regex", err)
	}
}

func TestLoad_PatternTooLong(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	long := ""
	for i := 0; i < MaxPatternLength+1; i++ {
		long += "a"
	}
	path := writeTemp(t, dir, "rules.yaml", `
shield_name: s
version: 1
rules:
  - id: too-long
    when:
      tool: "`+long+`"
    then: block
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() error = nil, want invalid regex error (length cap)")
	}
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Kind != KindInvalidRegex {
		t.Errorf("error = %v, want invalid_regex", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load() error = nil, want io_error")
	}
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Kind != KindIoError {
		t.Errorf("error = %v, want io_error", err)
	}
}

func TestLoad_HoneypotsAndPIIPatterns(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeTemp(t, dir, "rules.yaml", `
shield_name: s
version: 1
rules: []
honeypots:
  - name: drop_database
    severity: critical
  - tool: admin_backdoor
    alert: "someone hit the backdoor"
pii_patterns:
  - name: internal_id
    pattern: "INT-[0-9]{6}"
`)
	rs, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(rs.Honeypots) != 2 {
		t.Fatalf("len(Honeypots) = %d, want 2", len(rs.Honeypots))
	}
	if rs.Honeypots[0].Alert == "" {
		t.Error("honeypot with no explicit alert should get a default message")
	}
	if rs.Honeypots[1].Name != "admin_backdoor" {
		t.Errorf("honeypot name fallback from 'tool' = %q, want admin_backdoor", rs.Honeypots[1].Name)
	}
	if len(rs.PIIPatterns) != 1 || rs.PIIPatterns[0].Name != "internal_id" {
		t.Errorf("PIIPatterns = %+v", rs.PIIPatterns)
	}
}

func TestLoad_SessionConditions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeTemp(t, dir, "rules.yaml", `
shield_name: s
version: 1
rules:
  - id: too-many-calls
    when:
      session:
        total_calls:
          gte: 10
        pii_tainted: true
    then: block
`)
	rs, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	conds := rs.Rules[0].When.Session
	if len(conds) != 2 {
		t.Fatalf("len(Session) = %d, want 2", len(conds))
	}
	var sawCmp, sawBare bool
	for _, c := range conds {
		if c.IsCmp {
			sawCmp = true
			if c.Cmp != shield.CmpGTE || c.Value != 10 {
				t.Errorf("cmp condition = %+v, want gte 10", c)
			}
		} else {
			sawBare = true
		}
	}
	if !sawCmp || !sawBare {
		t.Errorf("expected both a cmp and bare session condition, got %+v", conds)
	}
}

func TestLoadPath_Directory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTemp(t, dir, "01-base.yaml", `
shield_name: s
version: 2
default_verdict: allow
rules:
  - id: r1
    then: allow
`)
	writeTemp(t, dir, "02-extra.yaml", `
rules:
  - id: r2
    then: block
`)

	rs, err := LoadPath(dir)
	if err != nil {
		t.Fatalf("LoadPath() error = %v", err)
	}
	if rs.ShieldName != "s" || rs.Version != 2 {
		t.Errorf("merged header = %+v, want shield_name=s version=2", rs)
	}
	if len(rs.Rules) != 2 {
		t.Fatalf("len(Rules) = %d, want 2", len(rs.Rules))
	}
}

func TestLoadPath_DuplicateAcrossFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTemp(t, dir, "01.yaml", `
shield_name: s
version: 1
rules:
  - id: shared
    then: allow
`)
	writeTemp(t, dir, "02.yaml", `
rules:
  - id: shared
    then: block
`)

	_, err := LoadPath(dir)
	if err == nil {
		t.Fatal("LoadPath() error = nil, want duplicate id across files")
	}
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Kind != KindDuplicateID {
		t.Errorf("error = %v, want duplicate_id", err)
	}
}

func TestLoadPath_NoMatchingFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTemp(t, dir, "notes.txt", "nothing to see here")

	_, err := LoadPath(dir)
	if err == nil {
		t.Fatal("LoadPath() error = nil, want io_error")
	}
}
