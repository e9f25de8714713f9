package repository

import (
	"fmt"
	"strings"
	"testing"
)

func TestChunkIDs_Deterministic(t *testing.T) {
	ids := ChunkIDs("doc_abc_123", 3)

	expected := []string{
		"doc_abc_123_chunk_0",
		"doc_abc_123_chunk_1",
		"doc_abc_123_chunk_2",
	}
	if len(ids) != len(expected) {
		t.Fatalf("expected %d ids, got %d", len(expected), len(ids))
	}
	for i, id := range ids {
		if id != expected[i] {
			t.Errorf("chunk %d: expected %q, got %q", i, expected[i], id)
		}
	}
}

func TestChunkIDs_MatchesFormula(t *testing.T) {
	const docID = "doc_x_y"
	const n = 10

	ids := ChunkIDs(docID, n)
	for i := 0; i < n; i++ {
		want := fmt.Sprintf("%s_chunk_%d", docID, i)
		if ids[i] != want {
			t.Errorf("index %d: expected %q, got %q", i, want, ids[i])
		}
	}
}

func TestChunkIDs_Empty(t *testing.T) {
	if ids := ChunkIDs("doc_a_b", 0); len(ids) != 0 {
		t.Errorf("expected no ids for zero chunks, got %v", ids)
	}
}

func TestParseChunkID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantDoc string
		wantIdx int
		wantOK  bool
	}{
		{"simple", "doc_a_b_chunk_0", "doc_a_b", 0, true},
		{"large index", "doc_a_b_chunk_42", "doc_a_b", 42, true},
		{"doc id containing chunk marker", "doc_chunk_x_chunk_1", "doc_chunk_x", 1, true},
		{"no marker", "doc_a_b", "", 0, false},
		{"non-numeric index", "doc_a_b_chunk_x", "", 0, false},
		{"negative index", "doc_a_b_chunk_-1", "", 0, false},
		{"empty", "", "", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, idx, ok := ParseChunkID(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, expected %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if doc != tt.wantDoc || idx != tt.wantIdx {
				t.Errorf("got (%q, %d), expected (%q, %d)", doc, idx, tt.wantDoc, tt.wantIdx)
			}
		})
	}
}

func TestParseChunkID_RoundTrip(t *testing.T) {
	for i := 0; i < 5; i++ {
		id := ChunkID("doc_m3xk_9qz", i)
		doc, idx, ok := ParseChunkID(id)
		if !ok || doc != "doc_m3xk_9qz" || idx != i {
			t.Errorf("round trip failed for %q: (%q, %d, %v)", id, doc, idx, ok)
		}
	}
}

func TestNewDocumentID_Format(t *testing.T) {
	id := NewDocumentID()
	if !strings.HasPrefix(id, "doc_") {
		t.Errorf("expected doc_ prefix, got %q", id)
	}
	parts := strings.Split(id, "_")
	if len(parts) != 3 {
		t.Fatalf("expected 3 parts, got %q", id)
	}
	if parts[1] == "" || parts[2] == "" {
		t.Errorf("empty time or random component in %q", id)
	}
}

func TestNewDocumentID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewDocumentID()
		if seen[id] {
			t.Fatalf("duplicate document ID generated: %q", id)
		}
		seen[id] = true
	}
}
