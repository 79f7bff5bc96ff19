package infra

import (
	"errors"
	"testing"

	"github.com/robmcdonald5/vec2art-sub009/internal/sqlinline"
)

func TestExtractMarker(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		marker  string
		body    string
		wantErr error
	}{
		{
			name:   "valid",
			query:  "--sql 0b1c2d3e-4f50-4a6b-8c7d-9e0f1a2b3c4d\nSELECT 1",
			marker: "0b1c2d3e-4f50-4a6b-8c7d-9e0f1a2b3c4d",
			body:   "SELECT 1",
		},
		{
			name:   "leading whitespace",
			query:  "\n  --sql 0b1c2d3e-4f50-4a6b-8c7d-9e0f1a2b3c4d\nSELECT 1\nFROM t",
			marker: "0b1c2d3e-4f50-4a6b-8c7d-9e0f1a2b3c4d",
			body:   "SELECT 1\nFROM t",
		},
		{name: "missing marker", query: "SELECT 1", wantErr: ErrMissingMarker},
		{name: "uppercase uuid", query: "--sql 0B1C2D3E-4F50-4A6B-8C7D-9E0F1A2B3C4D\nSELECT 1", wantErr: ErrMissingMarker},
		{name: "empty", query: "   ", wantErr: ErrEmptyQuery},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			marker, body, err := extractMarker(tc.query)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if marker != tc.marker || body != tc.body {
				t.Fatalf("got (%q, %q), want (%q, %q)", marker, body, tc.marker, tc.body)
			}
		})
	}
}

func TestInlineQueriesCarryMarkers(t *testing.T) {
	queries := map[string]string{
		"create":  sqlinline.QCreateJobHistory,
		"insert":  sqlinline.QInsertJobRecord,
		"get":     sqlinline.QGetJobRecord,
		"recent":  sqlinline.QListRecentJobs,
		"summary": sqlinline.QSummaryByBackend,
	}
	seen := map[string]string{}
	for name, q := range queries {
		marker, _, err := extractMarker(q)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if other, dup := seen[marker]; dup {
			t.Fatalf("%s reuses marker of %s", name, other)
		}
		seen[marker] = name
	}
}
