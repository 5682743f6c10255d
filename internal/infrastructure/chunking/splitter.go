package chunking

import (
	"strings"
	"unicode/utf8"
)

// Splitter keeps short texts whole and packs longer ones paragraph by
// paragraph into chunks of at most ChunkSize runes. A paragraph longer than
// ChunkSize is cut into overlapping windows.
type Splitter struct {
	SingleMax int
	ChunkSize int
	Overlap   int
}

func NewSplitter(chunkSize, singleMax, overlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = 900
	}
	if singleMax < chunkSize {
		singleMax = chunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Splitter{
		SingleMax: singleMax,
		ChunkSize: chunkSize,
		Overlap:   overlap,
	}
}

func (s *Splitter) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= s.SingleMax {
		return []string{text}
	}

	var (
		out     []string
		current strings.Builder
		size    int
	)
	flush := func() {
		if size > 0 {
			out = append(out, current.String())
			current.Reset()
			size = 0
		}
	}

	for _, paragraph := range paragraphs(text) {
		n := utf8.RuneCountInString(paragraph)
		if n > s.ChunkSize {
			flush()
			out = append(out, s.windows(paragraph)...)
			continue
		}
		if size > 0 && size+2+n > s.ChunkSize {
			flush()
		}
		if size > 0 {
			current.WriteString("\n\n")
			size += 2
		}
		current.WriteString(paragraph)
		size += n
	}
	flush()
	return out
}

func (s *Splitter) windows(text string) []string {
	runes := []rune(text)
	step := s.ChunkSize - s.Overlap
	if step <= 0 {
		step = s.ChunkSize
	}

	out := make([]string, 0, len(runes)/step+1)
	for start := 0; start < len(runes); start += step {
		end := min(start+s.ChunkSize, len(runes))
		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk != "" {
			out = append(out, chunk)
		}
		if end == len(runes) {
			break
		}
	}
	return out
}

func paragraphs(text string) []string {
	parts := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
