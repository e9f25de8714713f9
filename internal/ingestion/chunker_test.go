package ingestion

import (
	"strconv"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "normalizes windows newlines",
			in:   "one\r\ntwo\rthree",
			want: "one\ntwo\nthree",
		},
		{
			name: "trims each line",
			in:   "  hello  \n\tworld\t",
			want: "hello\nworld",
		},
		{
			name: "collapses long blank runs to three blank lines",
			in:   "a\n\n\n\n\n\n\n\nb",
			want: "a\n\n\n\nb",
		},
		{
			name: "keeps short blank runs",
			in:   "a\n\n\nb",
			want: "a\n\n\nb",
		},
		{
			name: "trims leading and trailing blank lines",
			in:   "\n\n\nbody\n\n",
			want: "body",
		},
		{
			name: "whitespace only becomes empty",
			in:   "   \n\t\n  ",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clean(tt.in); got != tt.want {
				t.Errorf("Clean(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestChunkEmptyInput(t *testing.T) {
	c := NewChunker(DefaultChunkerConfig())
	if got := c.Chunk("   \n\n\t  ", "doc_1", "t", nil); got != nil {
		t.Errorf("expected nil chunks for blank input, got %d", len(got))
	}
}

func TestChunkSingleShortText(t *testing.T) {
	c := NewChunker(DefaultChunkerConfig())
	chunks := c.Chunk("A short document.", "doc_1", "Short", nil)

	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	ch := chunks[0]
	if ch.Text != "A short document." {
		t.Errorf("unexpected text %q", ch.Text)
	}
	if ch.ID != "doc_1_chunk_0" {
		t.Errorf("unexpected ID %q", ch.ID)
	}
	if ch.StartChar != 0 || ch.EndChar != len(ch.Text) {
		t.Errorf("unexpected offsets [%d, %d)", ch.StartChar, ch.EndChar)
	}
}

func TestChunkPacksParagraphs(t *testing.T) {
	text := "Alpha beta gamma.\n\nDelta epsilon zeta.\n\nEta theta iota."
	c := NewChunker(ChunkerConfig{ChunkSize: 40, ChunkOverlap: 10})
	chunks := c.Chunk(text, "doc_1", "Greek", nil)

	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Text != "Alpha beta gamma.\n\nDelta epsilon zeta." {
		t.Errorf("unexpected first chunk %q", chunks[0].Text)
	}
	if !strings.HasSuffix(chunks[1].Text, "Eta theta iota.") {
		t.Errorf("second chunk missing final paragraph: %q", chunks[1].Text)
	}
	// The second chunk's offsets point at its own paragraph, not the
	// overlap seed borrowed from the first.
	wantStart := strings.Index(text, "Eta")
	if chunks[1].StartChar != wantStart || chunks[1].EndChar != len(text) {
		t.Errorf("offsets [%d, %d), want [%d, %d)",
			chunks[1].StartChar, chunks[1].EndChar, wantStart, len(text))
	}
}

func TestChunkCoversEveryParagraph(t *testing.T) {
	var paras []string
	for i := 0; i < 12; i++ {
		paras = append(paras, "Paragraph number "+strconv.Itoa(i)+" carries some content worth keeping.")
	}
	text := strings.Join(paras, "\n\n")

	c := NewChunker(ChunkerConfig{ChunkSize: 150, ChunkOverlap: 20})
	chunks := c.Chunk(text, "doc_1", "Coverage", nil)

	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for _, p := range paras {
		found := false
		for _, ch := range chunks {
			if strings.Contains(ch.Text, p) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("paragraph %q not covered by any chunk", p)
		}
	}
}

func TestChunkIndicesAndIDs(t *testing.T) {
	var paras []string
	for i := 0; i < 8; i++ {
		paras = append(paras, strings.Repeat("word ", 20))
	}
	c := NewChunker(ChunkerConfig{ChunkSize: 120, ChunkOverlap: 10})
	chunks := c.Chunk(strings.Join(paras, "\n\n"), "doc_42", "Words", nil)

	for i, ch := range chunks {
		if ch.Index != i {
			t.Errorf("chunk %d has Index %d", i, ch.Index)
		}
		want := "doc_42_chunk_" + strconv.Itoa(i)
		if ch.ID != want {
			t.Errorf("chunk %d has ID %q, want %q", i, ch.ID, want)
		}
	}
}

func TestChunkOversizedParagraphPassesThrough(t *testing.T) {
	big := strings.Repeat("x", 900)
	c := NewChunker(ChunkerConfig{ChunkSize: 100, ChunkOverlap: 10})
	chunks := c.Chunk("small lead.\n\n"+big+"\n\nsmall tail.", "doc_1", "Big", nil)

	found := false
	for _, ch := range chunks {
		if strings.Contains(ch.Text, big) {
			found = true
		}
	}
	if !found {
		t.Errorf("oversized paragraph was split; want it intact in one chunk")
	}
}

func TestChunkMetadata(t *testing.T) {
	c := NewChunker(DefaultChunkerConfig())
	chunks := c.Chunk("Some content here.", "doc_7", "My Title",
		map[string]string{"source": "upload", "lang": "en"})

	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	md := chunks[0].Metadata
	want := map[string]string{
		"document_id":    "doc_7",
		"document_title": "My Title",
		"chunk_index":    "0",
		"source":         "upload",
		"lang":           "en",
	}
	for k, v := range want {
		if md[k] != v {
			t.Errorf("metadata[%q] = %q, want %q", k, md[k], v)
		}
	}
	if md["tokens"] == "" || md["start_char"] == "" || md["end_char"] == "" {
		t.Errorf("missing positional metadata: %v", md)
	}
}

func TestOverlapTail(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 100, ChunkOverlap: 12})

	t.Run("starts after sentence boundary", func(t *testing.T) {
		got := c.overlapTail("We shipped the release. Rollback steps follow.")
		if got != "Rollback steps follow." {
			t.Errorf("got %q", got)
		}
	})

	t.Run("falls back to raw tail without boundary", func(t *testing.T) {
		in := "no punctuation anywhere in this text"
		got := c.overlapTail(in)
		want := in[len(in)-12:]
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})

	t.Run("never exceeds the source", func(t *testing.T) {
		got := c.overlapTail("tiny.")
		if got != "tiny." {
			t.Errorf("got %q", got)
		}
	})
}

func TestChunkOverlapBounded(t *testing.T) {
	var paras []string
	for i := 0; i < 10; i++ {
		paras = append(paras, "Sentence one of block "+strconv.Itoa(i)+". Sentence two follows here. Sentence three ends it.")
	}
	overlap := 25
	c := NewChunker(ChunkerConfig{ChunkSize: 200, ChunkOverlap: overlap})
	chunks := c.Chunk(strings.Join(paras, "\n\n"), "doc_1", "Bound", nil)

	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		prev, cur := chunks[i-1].Text, chunks[i].Text
		// The overlap seed is everything before the chunk's first
		// paragraph separator; it must come from the previous chunk
		// and stay within twice the configured overlap.
		seed, _, ok := strings.Cut(cur, "\n\n")
		if !ok {
			continue
		}
		if !strings.HasSuffix(prev, seed) {
			t.Errorf("chunk %d seed %q is not a suffix of its predecessor", i, seed)
		}
		if n := utf8.RuneCountInString(seed); n > 2*overlap {
			t.Errorf("chunk %d overlap %d exceeds bound %d", i, n, 2*overlap)
		}
	}
}
