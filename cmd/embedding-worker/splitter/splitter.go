// Package splitter implements recursive character splitting of
// document text into overlapping chunks sized for embedding.
package splitter

import (
	"strings"
	"unicode/utf8"
)

// Separator preference order; the empty separator hard-slices by runes
var defaultSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// Splitter chunks text by recursively trying coarser separators first.
// Sizes count runes, not bytes, so multi-byte scripts chunk evenly.
type Splitter struct {
	chunkSize  int
	overlap    int
	separators []string
}

// New creates a splitter. overlap must be smaller than chunkSize.
func New(chunkSize, overlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = 512
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Splitter{
		chunkSize:  chunkSize,
		overlap:    overlap,
		separators: defaultSeparators,
	}
}

// Split chunks the text. Whitespace-only chunks are dropped.
func (s *Splitter) Split(text string) []string {
	return s.split(text, s.separators)
}

func (s *Splitter) split(text string, separators []string) []string {
	if utf8.RuneCountInString(text) <= s.chunkSize {
		chunk := strings.TrimSpace(text)
		if chunk == "" {
			return nil
		}
		return []string{chunk}
	}

	separator := ""
	remaining := []string{}
	for i, sep := range separators {
		if sep == "" || strings.Contains(text, sep) {
			separator = sep
			remaining = separators[i+1:]
			break
		}
	}

	var pieces []string
	if separator == "" {
		pieces = sliceByRunes(text, s.chunkSize)
	} else {
		pieces = splitKeep(text, separator)
	}

	return s.merge(pieces, remaining)
}

// merge greedily packs pieces into chunks up to the size limit,
// retaining a tail of pieces as overlap between consecutive chunks.
func (s *Splitter) merge(pieces []string, separators []string) []string {
	var chunks []string
	var buf []string
	bufLen := 0

	flush := func() {
		if len(buf) == 0 {
			return
		}
		chunk := strings.TrimSpace(strings.Join(buf, ""))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
	}

	for _, piece := range pieces {
		n := utf8.RuneCountInString(piece)

		if n > s.chunkSize {
			flush()
			buf = nil
			bufLen = 0
			chunks = append(chunks, s.split(piece, separators)...)
			continue
		}

		if bufLen+n > s.chunkSize {
			flush()
			for bufLen > s.overlap && len(buf) > 0 {
				bufLen -= utf8.RuneCountInString(buf[0])
				buf = buf[1:]
			}
		}
		buf = append(buf, piece)
		bufLen += n
	}

	flush()
	return chunks
}

// splitKeep splits on sep, keeping the separator attached to the
// preceding piece so joins reconstruct the original text.
func splitKeep(text, sep string) []string {
	parts := strings.SplitAfter(text, sep)
	pieces := parts[:0]
	for _, p := range parts {
		if p != "" {
			pieces = append(pieces, p)
		}
	}
	return pieces
}

// sliceByRunes hard-slices text into rune windows of at most size
func sliceByRunes(text string, size int) []string {
	runes := []rune(text)
	var pieces []string
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		pieces = append(pieces, string(runes[start:end]))
	}
	return pieces
}
