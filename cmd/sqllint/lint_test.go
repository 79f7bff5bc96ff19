package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeGo(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLintPaths(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		want  []string
	}{
		{
			name:  "clean",
			files: map[string]string{"q.go": "package q\n\nconst QOne = `--sql 11111111-2222-4333-8444-555555555555\nselect 1;`\n\nconst Label = \"made with love\"\n"},
		},
		{
			name:  "missing marker",
			files: map[string]string{"q.go": "package q\n\nconst QBad = `select * from job_history`\n"},
			want:  []string{"missing or invalid"},
		},
		{
			name:  "malformed marker",
			files: map[string]string{"q.go": "package q\n\nconst QBad = `--sql not-a-uuid\ncreate table t (id int)`\n"},
			want:  []string{"missing or invalid"},
		},
		{
			name: "duplicate across files",
			files: map[string]string{
				"a.go": "package q\n\nconst QA = `--sql 11111111-2222-4333-8444-555555555555\nselect 1;`\n",
				"b.go": "package q\n\nconst QB = `--sql 11111111-2222-4333-8444-555555555555\nselect 2;`\n",
			},
			want: []string{"marker already used by QA"},
		},
		{
			name:  "tests ignored",
			files: map[string]string{"q_test.go": "package q\n\nconst QBad = `select 1`\n"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, body := range tc.files {
				writeGo(t, dir, name, body)
			}
			vs, err := lintPaths([]string{dir})
			if err != nil {
				t.Fatalf("lintPaths: %v", err)
			}
			if len(vs) != len(tc.want) {
				t.Fatalf("got %d violations %v, want %d", len(vs), vs, len(tc.want))
			}
			for i, w := range tc.want {
				if !strings.Contains(vs[i].message, w) {
					t.Fatalf("violation %d = %q, want %q", i, vs[i].message, w)
				}
			}
		})
	}
}

func TestRepoQueriesPass(t *testing.T) {
	vs, err := lintPaths([]string{filepath.Join("..", "..", "internal", "sqlinline")})
	if err != nil {
		t.Fatalf("lintPaths: %v", err)
	}
	if len(vs) != 0 {
		t.Fatalf("unexpected violations: %v", vs)
	}
}
