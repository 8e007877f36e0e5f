// Package chunk splits text into overlapping fragments for embedding.
//
// The splitter walks a cascade of separators (paragraph, line, word,
// character) and prefers the largest separator that keeps chunks within the
// size limit. Consecutive chunks share a tail of overlap characters so
// context survives chunk boundaries. Splitting is deterministic: the same
// input and parameters always produce the same chunks.
package chunk

import "strings"

// Defaults used throughout the service.
const (
	DefaultSize    = 500
	DefaultOverlap = 100
)

// separators, largest first. The empty string means "split by character"
// and terminates the cascade.
var separators = []string{"\n\n", "\n", " ", ""}

// Split splits text into chunks of at most size characters with the given
// overlap between consecutive chunks. Text shorter than size yields a
// single chunk. Empty text yields nil.
func Split(text string, size, overlap int) []string {
	if text == "" {
		return nil
	}
	if size <= 0 {
		size = DefaultSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size - 1
	}
	return split(text, separators, size, overlap)
}

func split(text string, seps []string, size, overlap int) []string {
	// Pick the largest separator present in the text.
	sep := seps[len(seps)-1]
	var rest []string
	for i, s := range seps {
		if s == "" || strings.Contains(text, s) {
			sep = s
			rest = seps[i+1:]
			break
		}
	}

	pieces := cut(text, sep)

	var out []string
	var fit []string // consecutive pieces small enough to merge
	for _, p := range pieces {
		if len(p) < size {
			fit = append(fit, p)
			continue
		}
		if len(fit) > 0 {
			out = append(out, merge(fit, sep, size, overlap)...)
			fit = nil
		}
		if len(rest) == 0 {
			out = append(out, p)
		} else {
			out = append(out, split(p, rest, size, overlap)...)
		}
	}
	if len(fit) > 0 {
		out = append(out, merge(fit, sep, size, overlap)...)
	}
	return out
}

// cut splits text on sep, dropping empty pieces. The empty separator splits
// into individual runes.
func cut(text, sep string) []string {
	if sep == "" {
		pieces := make([]string, 0, len(text))
		for _, r := range text {
			pieces = append(pieces, string(r))
		}
		return pieces
	}
	var pieces []string
	for _, p := range strings.Split(text, sep) {
		if p != "" {
			pieces = append(pieces, p)
		}
	}
	return pieces
}

// merge greedily packs pieces into chunks of at most size characters,
// rejoining them with sep. When a chunk is emitted, pieces are dropped from
// the front of the window until at most overlap characters remain; those
// characters open the next chunk.
func merge(pieces []string, sep string, size, overlap int) []string {
	sepLen := len(sep)
	var chunks []string
	var window []string
	total := 0 // length of window pieces plus the separators between them

	for _, p := range pieces {
		extra := 0
		if len(window) > 0 {
			extra = sepLen
		}
		if len(window) > 0 && total+len(p)+extra > size {
			if c := strings.TrimSpace(strings.Join(window, sep)); c != "" {
				chunks = append(chunks, c)
			}
			for len(window) > 0 {
				joinExtra := 0
				if len(window) > 0 {
					joinExtra = sepLen
				}
				if total <= overlap && !(total+len(p)+joinExtra > size && total > 0) {
					break
				}
				head := len(window[0])
				if len(window) > 1 {
					head += sepLen
				}
				total -= head
				window = window[1:]
			}
		}
		window = append(window, p)
		if len(window) > 1 {
			total += sepLen
		}
		total += len(p)
	}
	if c := strings.TrimSpace(strings.Join(window, sep)); c != "" {
		chunks = append(chunks, c)
	}
	return chunks
}
