// Package chunker splits a normalized document into ordered chunks that fit a
// single synthesis call.
//
// Chunks never cross a paragraph break. Within a paragraph, whole sentences
// are packed greedily until the next one would exceed the bound. A sentence
// longer than the bound is cut at the last clause boundary inside the limit,
// then at the last whitespace, then hard at the limit. The bound counts runes.
package chunker

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// wordsPerSecond is the narration rate used for duration estimates.
const wordsPerSecond = 2.5

// Chunk is a bounded span of the document. Text is the whitespace-trimmed
// content of document[Start:End].
type Chunk struct {
	Index             int
	Text              string
	Start             int
	End               int
	EstimatedDuration time.Duration
}

// Runes returns the length of the chunk text in characters.
func (c Chunk) Runes() int { return utf8.RuneCountInString(c.Text) }

// Error is returned for input the chunker cannot split.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return "chunking: " + e.Reason }

type span struct {
	start, end int
}

// Split partitions text into chunks of at most maxChars runes each.
func Split(text string, maxChars int) ([]Chunk, error) {
	if maxChars < 1 {
		return nil, &Error{Reason: fmt.Sprintf("max chunk size must be positive, got %d", maxChars)}
	}
	if !utf8.ValidString(text) {
		return nil, &Error{Reason: "document is not valid UTF-8"}
	}

	var spans []span
	for _, para := range paragraphs(text) {
		spans = append(spans, pack(text, sentences(text, para), maxChars)...)
	}

	chunks := make([]Chunk, 0, len(spans))
	for _, sp := range spans {
		body := strings.TrimSpace(text[sp.start:sp.end])
		if body == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			Index:             len(chunks),
			Text:              body,
			Start:             sp.start,
			End:               sp.end,
			EstimatedDuration: EstimateDuration(body),
		})
	}
	return chunks, nil
}

// EstimateDuration guesses the narrated length of text.
func EstimateDuration(text string) time.Duration {
	words := len(strings.Fields(text))
	return time.Duration(float64(words) / wordsPerSecond * float64(time.Second))
}

// paragraphs returns trimmed, non-empty paragraph spans. A paragraph break is
// a line break followed, after optional whitespace, by another line break.
func paragraphs(text string) []span {
	var out []span
	start := 0
	i := 0
	for i < len(text) {
		if text[i] != '\n' {
			i++
			continue
		}
		j := i + 1
		blank := false
		for j < len(text) {
			r, size := utf8.DecodeRuneInString(text[j:])
			if !unicode.IsSpace(r) {
				break
			}
			if r == '\n' {
				blank = true
			}
			j += size
		}
		if blank {
			out = appendTrimmed(out, text, start, i)
			start = j
		}
		i = j
	}
	return appendTrimmed(out, text, start, len(text))
}

// sentences splits a paragraph span into trimmed sentence spans.
func sentences(text string, para span) []span {
	var out []span
	start := para.start
	i := para.start
	for i < para.end {
		r, size := utf8.DecodeRuneInString(text[i:])
		if !isTerminal(r) {
			i += size
			continue
		}
		j := i + size
		for j < para.end {
			next, n := utf8.DecodeRuneInString(text[j:])
			if !isTerminal(next) && !isCloser(next) {
				break
			}
			j += n
		}
		if j == para.end {
			break
		}
		if next, _ := utf8.DecodeRuneInString(text[j:]); unicode.IsSpace(next) || isWideTerminal(r) {
			out = appendTrimmed(out, text, start, j)
			start = j
		}
		i = j
	}
	return appendTrimmed(out, text, start, para.end)
}

// pack greedily merges sentence spans into chunk spans bounded by maxChars.
func pack(text string, units []span, maxChars int) []span {
	var out []span
	var cur *span
	for _, u := range units {
		if cur != nil && runeLen(text, cur.start, u.end) <= maxChars {
			cur.end = u.end
			continue
		}
		if cur != nil {
			out = append(out, *cur)
			cur = nil
		}
		pieces := forceSplit(text, u, maxChars)
		out = append(out, pieces[:len(pieces)-1]...)
		last := pieces[len(pieces)-1]
		cur = &last
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

// forceSplit cuts an over-long sentence into pieces of at most maxChars runes.
// It always returns at least one span.
func forceSplit(text string, u span, maxChars int) []span {
	var out []span
	start := u.start
	for runeLen(text, start, u.end) > maxChars {
		limit := advance(text, start, maxChars)
		cut := lastClauseBoundary(text, start, limit)
		if cut <= start {
			cut = lastSpace(text, start, limit)
		}
		if cut <= start {
			cut = limit
		}
		out = appendTrimmed(out, text, start, cut)
		start = skipSpace(text, cut, u.end)
	}
	if start < u.end {
		out = append(out, span{start: start, end: u.end})
	}
	if len(out) == 0 {
		out = append(out, u)
	}
	return out
}

// advance returns the byte offset n runes after from.
func advance(text string, from, n int) int {
	i := from
	for k := 0; k < n && i < len(text); k++ {
		_, size := utf8.DecodeRuneInString(text[i:])
		i += size
	}
	return i
}

// lastClauseBoundary returns the offset just after the last clause
// punctuation in text[from:limit], or from when there is none.
func lastClauseBoundary(text string, from, limit int) int {
	for i := limit; i > from; {
		r, size := utf8.DecodeLastRuneInString(text[from:i])
		if isClause(r) {
			return i
		}
		i -= size
	}
	return from
}

// lastSpace returns the offset of the last whitespace rune in
// text[from:limit] (including a space sitting exactly at limit), or from.
func lastSpace(text string, from, limit int) int {
	if limit < len(text) {
		if r, _ := utf8.DecodeRuneInString(text[limit:]); unicode.IsSpace(r) {
			return limit
		}
	}
	for i := limit; i > from; {
		r, size := utf8.DecodeLastRuneInString(text[from:i])
		i -= size
		if unicode.IsSpace(r) {
			if i == from {
				return from
			}
			return i
		}
	}
	return from
}

func skipSpace(text string, from, limit int) int {
	for from < limit {
		r, size := utf8.DecodeRuneInString(text[from:])
		if !unicode.IsSpace(r) {
			break
		}
		from += size
	}
	return from
}

func appendTrimmed(out []span, text string, start, end int) []span {
	for start < end {
		r, size := utf8.DecodeRuneInString(text[start:])
		if !unicode.IsSpace(r) {
			break
		}
		start += size
	}
	for end > start {
		r, size := utf8.DecodeLastRuneInString(text[start:end])
		if !unicode.IsSpace(r) {
			break
		}
		end -= size
	}
	if start >= end {
		return out
	}
	return append(out, span{start: start, end: end})
}

func runeLen(text string, start, end int) int {
	return utf8.RuneCountInString(text[start:end])
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '…', '。', '！', '？':
		return true
	}
	return false
}

// isWideTerminal marks full-width punctuation that ends a sentence without a
// following space.
func isWideTerminal(r rune) bool {
	return r == '。' || r == '！' || r == '？'
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '}', '»', '”', '’', '」', '』':
		return true
	}
	return false
}

func isClause(r rune) bool {
	switch r {
	case ',', ';', ':', '，', '；', '：':
		return true
	}
	return false
}
