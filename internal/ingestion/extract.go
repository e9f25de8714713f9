package ingestion

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/corvohq/rag/internal/repository"
)

// ErrUnsupportedMedia is returned for MIME types the pipeline cannot ingest.
var ErrUnsupportedMedia = errors.New("unsupported media type")

// ErrFileTooLarge is returned when an upload exceeds the configured limit.
var ErrFileTooLarge = errors.New("file too large")

// documentMIMEs are formats whose text lives behind external extractors.
// They are accepted and indexed from their title/description; the raw bytes
// go to blob storage untouched.
var documentMIMEs = map[string]bool{
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.ms-powerpoint":                                           true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"application/rtf": true,
}

var textMIMEs = map[string]bool{
	"application/json":       true,
	"application/xml":        true,
	"application/x-yaml":     true,
	"application/javascript": true,
}

// MediaTypeForMIME maps a MIME type onto the document media taxonomy. The
// second return reports whether the type is ingestible at all.
func MediaTypeForMIME(mime string) (string, bool) {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}

	switch {
	case strings.HasPrefix(mime, "text/"), textMIMEs[mime]:
		return repository.MediaText, true
	case strings.HasPrefix(mime, "image/"):
		return repository.MediaImage, true
	case strings.HasPrefix(mime, "video/"):
		return repository.MediaVideo, true
	case strings.HasPrefix(mime, "audio/"):
		return repository.MediaAudio, true
	case documentMIMEs[mime]:
		return repository.MediaDocument, true
	}
	return "", false
}

// ExtractText pulls indexable text out of uploaded bytes. Text formats
// decode directly; document formats return empty (extraction is delegated
// to external tooling), leaving the caller to synthesize a body from the
// document's title and description.
func ExtractText(data []byte, mediaType string) (string, error) {
	switch mediaType {
	case repository.MediaText:
		if !utf8.Valid(data) {
			return "", errors.New("text upload is not valid UTF-8")
		}
		return string(data), nil
	case repository.MediaDocument, repository.MediaImage, repository.MediaVideo, repository.MediaAudio:
		return "", nil
	}
	return "", ErrUnsupportedMedia
}
