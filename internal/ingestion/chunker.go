// Package ingestion handles document processing: cleaning, chunking, content
// hashing, text extraction, and the ingestion pipeline itself.
package ingestion

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/corvohq/rag/internal/repository"
	"github.com/corvohq/rag/internal/tokenizer"
)

// ChunkerConfig holds chunking configuration. Sizes are in characters.
type ChunkerConfig struct {
	ChunkSize    int // target chunk size (default 500)
	ChunkOverlap int // target overlap between consecutive chunks (default 50)
}

// DefaultChunkerConfig returns the default chunker configuration.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{ChunkSize: 500, ChunkOverlap: 50}
}

// Chunk is one indexable piece of a document.
type Chunk struct {
	ID        string
	Text      string
	Index     int
	StartChar int // offset of the chunk's first non-overlap character in the cleaned text
	EndChar   int
	Tokens    int
	Metadata  map[string]string
}

// Chunker splits cleaned text into overlapping, sentence-aligned chunks.
type Chunker struct {
	config ChunkerConfig
}

// NewChunker creates a Chunker, applying defaults for unset fields.
func NewChunker(config ChunkerConfig) *Chunker {
	if config.ChunkSize <= 0 {
		config.ChunkSize = 500
	}
	if config.ChunkOverlap < 0 {
		config.ChunkOverlap = 50
	}
	return &Chunker{config: config}
}

var (
	blankRunPattern = regexp.MustCompile(`\n{5,}`)
	paragraphSep    = regexp.MustCompile(`\n{2,}`)

	// A sentence boundary: terminal punctuation, whitespace, then an
	// uppercase letter or a CJK codepoint.
	sentenceBoundary = regexp.MustCompile(`[.?!]\s+([\p{Lu}\x{3400}-\x{4DBF}\x{4E00}-\x{9FFF}\x{F900}-\x{FAFF}])`)
)

// Clean normalizes newlines, trims each line, and collapses runs of four or
// more blank lines down to exactly three.
func Clean(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	text = strings.Join(lines, "\n")

	text = blankRunPattern.ReplaceAllString(text, "\n\n\n\n")
	return strings.Trim(text, "\n")
}

// paragraph is a non-empty run of cleaned text with its byte offsets.
type paragraph struct {
	text       string
	start, end int
}

func splitParagraphs(cleaned string) []paragraph {
	var paras []paragraph
	prev := 0
	for _, loc := range paragraphSep.FindAllStringIndex(cleaned, -1) {
		if seg := cleaned[prev:loc[0]]; strings.TrimSpace(seg) != "" {
			paras = append(paras, paragraph{text: seg, start: prev, end: loc[0]})
		}
		prev = loc[1]
	}
	if seg := cleaned[prev:]; strings.TrimSpace(seg) != "" {
		paras = append(paras, paragraph{text: seg, start: prev, end: len(cleaned)})
	}
	return paras
}

// Chunk splits text into chunks for a document. Paragraphs are packed
// greedily up to ChunkSize; each subsequent chunk is seeded with an overlap
// tail from its predecessor. A paragraph larger than ChunkSize passes
// through whole: the size is a target, not a hard ceiling.
func (c *Chunker) Chunk(text, documentID, documentTitle string, userMetadata map[string]string) []Chunk {
	cleaned := Clean(text)
	if cleaned == "" {
		return nil
	}

	paras := splitParagraphs(cleaned)

	var chunks []Chunk
	var b strings.Builder
	curRunes := 0
	start, end := 0, 0

	emit := func() {
		chunks = append(chunks, c.newChunk(b.String(), len(chunks), start, end,
			documentID, documentTitle, userMetadata))
	}

	for _, p := range paras {
		pRunes := utf8.RuneCountInString(p.text)

		if b.Len() > 0 && curRunes+2+pRunes > c.config.ChunkSize {
			emitted := b.String()
			emit()

			overlap := c.overlapTail(emitted)
			b.Reset()
			curRunes = 0
			if overlap != "" {
				b.WriteString(overlap)
				b.WriteString("\n\n")
				curRunes = utf8.RuneCountInString(overlap) + 2
			}
			start = p.start
			b.WriteString(p.text)
			curRunes += pRunes
			end = p.end
			continue
		}

		if b.Len() == 0 {
			start = p.start
		} else {
			b.WriteString("\n\n")
			curRunes += 2
		}
		b.WriteString(p.text)
		curRunes += pRunes
		end = p.end
	}

	if b.Len() > 0 {
		emit()
	}

	if len(chunks) == 0 {
		chunks = append(chunks, c.newChunk(cleaned, 0, 0, len(cleaned),
			documentID, documentTitle, userMetadata))
	}

	return chunks
}

// overlapTail derives the overlap seed for the next chunk from the end of
// the chunk just emitted. It looks for a sentence boundary within the last
// 2*ChunkOverlap characters and starts the overlap right after it; without
// a boundary it falls back to the last ChunkOverlap characters verbatim.
// The overlap is never larger than the source chunk.
func (c *Chunker) overlapTail(emitted string) string {
	if c.config.ChunkOverlap <= 0 {
		return ""
	}

	runes := []rune(emitted)
	window := 2 * c.config.ChunkOverlap
	if window > len(runes) {
		window = len(runes)
	}
	tail := string(runes[len(runes)-window:])

	if locs := sentenceBoundary.FindAllStringSubmatchIndex(tail, -1); len(locs) > 0 {
		last := locs[len(locs)-1]
		// Group 1 start: the first character of the next sentence.
		return tail[last[2]:]
	}

	fallback := c.config.ChunkOverlap
	if fallback > len(runes) {
		fallback = len(runes)
	}
	return string(runes[len(runes)-fallback:])
}

func (c *Chunker) newChunk(text string, index, start, end int, documentID, documentTitle string, userMetadata map[string]string) Chunk {
	tokens := tokenizer.EstimateTokens(text)

	metadata := make(map[string]string, len(userMetadata)+6)
	for k, v := range userMetadata {
		metadata[k] = v
	}
	metadata["document_id"] = documentID
	metadata["document_title"] = documentTitle
	metadata["chunk_index"] = strconv.Itoa(index)
	metadata["start_char"] = strconv.Itoa(start)
	metadata["end_char"] = strconv.Itoa(end)
	metadata["tokens"] = strconv.Itoa(tokens)

	return Chunk{
		ID:        repository.ChunkID(documentID, index),
		Text:      text,
		Index:     index,
		StartChar: start,
		EndChar:   end,
		Tokens:    tokens,
		Metadata:  metadata,
	}
}
