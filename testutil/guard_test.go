package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type recordingFatal struct{ msg string }

func (r *recordingFatal) Fatalf(format string, args ...any) { r.msg = fmt.Sprintf(format, args...) }

func TestImportsAny(t *testing.T) {
	pred := ImportsAny("entitycore/pkg/entity", "entitycore/internal")
	cases := []struct {
		in   string
		want bool
	}{
		{"entitycore/pkg/entity", true},
		{"entitycore/internal/snapshot/core", true},
		{"entitycore/pkg/entityx", false},
		{"entitycore/pkg/query", false},
		{"fmt", false},
	}
	for _, c := range cases {
		if got := pred(c.in); got != c.want {
			t.Fatalf("ImportsAny(%q)=%v want %v", c.in, got, c.want)
		}
	}
}

func TestInternalImportForbiddenPredicate(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"example.com/mod/internal/x", true},
		{"example.com/mod/pkg/x", false},
	}
	for _, c := range cases {
		if got := InternalImportForbidden(c.in); got != c.want {
			t.Fatalf("InternalImportForbidden(%q)=%v want %v", c.in, got, c.want)
		}
	}
}

func writePackage(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, src := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return dir
}

func TestAssertNoDirectImports(t *testing.T) {
	dir := writePackage(t, map[string]string{
		"x.go":      "package tmp\nimport \"fmt\"\nfunc X(){fmt.Println(1)}",
		"x_test.go": "package tmp\nimport _ \"entitycore/pkg/entity\"\n",
	})
	AssertNoDirectImports(t, dir, ImportsAny("entitycore/pkg/entity"), "tests are ignored")
}

func TestDirectImportViolationsReported(t *testing.T) {
	dir := writePackage(t, map[string]string{
		"a.go": "package tmp\nimport (\n\t\"fmt\"\n\t_ \"entitycore/pkg/entity\"\n)\nvar _ = fmt.Sprint\n",
	})
	viols, err := directImportViolations(dir, ImportsAny("entitycore/pkg/entity"))
	if err != nil {
		t.Fatalf("directImportViolations: %v", err)
	}
	if len(viols) != 1 || viols[0] != "entitycore/pkg/entity (in a.go)" {
		t.Fatalf("unexpected violations %v", viols)
	}
	var rec recordingFatal
	failIfDirectViolations(&rec, "layering", viols)
	if !strings.Contains(rec.msg, "layering") || !strings.Contains(rec.msg, "a.go") {
		t.Fatalf("unexpected failure message %q", rec.msg)
	}
	rec = recordingFatal{}
	failIfDirectViolations(&rec, "layering", nil)
	if rec.msg != "" {
		t.Fatalf("expected no failure, got %q", rec.msg)
	}
}

func TestDirectImportViolationsErrors(t *testing.T) {
	if _, err := directImportViolations(filepath.Join(t.TempDir(), "missing"), InternalImportForbidden); err == nil {
		t.Fatal("expected error for a missing directory")
	}
	dir := writePackage(t, map[string]string{"bad.go": "package tmp\nimport (\n"})
	if _, err := directImportViolations(dir, InternalImportForbidden); err == nil {
		t.Fatal("expected parse error")
	}
}
