package chunker

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func squash(s string) string {
	return strings.Join(strings.Fields(s), "")
}

func requireCovers(t *testing.T, text string, chunks []Chunk, maxChars int) {
	t.Helper()
	var joined []string
	for i, c := range chunks {
		require.Equal(t, i, c.Index)
		require.LessOrEqual(t, utf8.RuneCountInString(c.Text), maxChars, "chunk %d too long: %q", i, c.Text)
		require.NotEmpty(t, c.Text)
		require.Equal(t, strings.TrimSpace(text[c.Start:c.End]), c.Text)
		if i > 0 {
			require.GreaterOrEqual(t, c.Start, chunks[i-1].End)
		}
		joined = append(joined, c.Text)
	}
	require.Equal(t, squash(text), squash(strings.Join(joined, " ")))
}

func TestSplitSentencesUnderLimit(t *testing.T) {
	text := "The first sentence. The second one! And a third?"
	chunks, err := Split(text, 400)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, text, chunks[0].Text)
	requireCovers(t, text, chunks, 400)
}

func TestSplitPacksGreedily(t *testing.T) {
	text := "Alpha beta gamma. Delta epsilon zeta. Eta theta iota."
	chunks, err := Split(text, 40)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, "Alpha beta gamma. Delta epsilon zeta.", chunks[0].Text)
	require.Equal(t, "Eta theta iota.", chunks[1].Text)
	requireCovers(t, text, chunks, 40)
}

func TestSplitAtSentenceBoundary(t *testing.T) {
	long := strings.Repeat("a", 249) + "."
	short := strings.Repeat("b", 19) + "."
	text := long + " " + short
	chunks, err := Split(text, 260)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, long, chunks[0].Text)
	require.Equal(t, short, chunks[1].Text)
}

func TestSplitOverlongSentenceCarriesRemainder(t *testing.T) {
	words := strings.TrimSpace(strings.Repeat("word ", 80)) // 399 runes
	long := words + "."
	short := strings.Repeat("b", 19) + "."
	text := long + " " + short
	chunks, err := Split(text, 300)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.True(t, strings.HasSuffix(chunks[1].Text, short))
	requireCovers(t, text, chunks, 300)
}

func TestSplitPrefersClauseBoundary(t *testing.T) {
	text := "one two three, four five six seven eight nine ten."
	chunks, err := Split(text, 30)
	require.NoError(t, err)
	require.Equal(t, "one two three,", chunks[0].Text)
	requireCovers(t, text, chunks, 30)
}

func TestSplitFallsBackToWhitespace(t *testing.T) {
	text := "one two three four five six seven eight nine ten"
	chunks, err := Split(text, 12)
	require.NoError(t, err)
	for _, c := range chunks {
		require.False(t, strings.HasPrefix(c.Text, " "))
		for _, w := range strings.Fields(c.Text) {
			require.Contains(t, text, w)
		}
	}
	require.Equal(t, "one two", chunks[0].Text)
	requireCovers(t, text, chunks, 12)
}

func TestSplitHardCutWithoutBoundaries(t *testing.T) {
	text := strings.Repeat("x", 25)
	chunks, err := Split(text, 10)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	require.Equal(t, strings.Repeat("x", 10), chunks[0].Text)
	require.Equal(t, strings.Repeat("x", 5), chunks[2].Text)
	requireCovers(t, text, chunks, 10)
}

func TestSplitParagraphsAreHardBoundaries(t *testing.T) {
	text := "First paragraph.\n\nSecond paragraph.\n \t\nThird."
	chunks, err := Split(text, 400)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	require.Equal(t, "First paragraph.", chunks[0].Text)
	require.Equal(t, "Second paragraph.", chunks[1].Text)
	require.Equal(t, "Third.", chunks[2].Text)
}

func TestSplitSingleNewlineDoesNotBreakParagraph(t *testing.T) {
	text := "Line one\ncontinues here."
	chunks, err := Split(text, 400)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
}

func TestSplitCountsRunesNotBytes(t *testing.T) {
	text := "Ça été très agréable. Über Größe!"
	chunks, err := Split(text, utf8.RuneCountInString(text))
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	text = "今日は晴れです。明日は雨でしょう。"
	chunks, err = Split(text, 9)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, "今日は晴れです。", chunks[0].Text)
	require.Equal(t, "明日は雨でしょう。", chunks[1].Text)
}

func TestSplitClosingQuotesStayWithSentence(t *testing.T) {
	text := `"Is it over?" she asked. It was.`
	chunks, err := Split(text, 15)
	require.NoError(t, err)
	require.Equal(t, `"Is it over?"`, chunks[0].Text)
	requireCovers(t, text, chunks, 15)
}

func TestSplitDecimalIsNotSentenceEnd(t *testing.T) {
	units := sentences("Pi is 3.14 roughly. Yes.", span{0, 24})
	require.Len(t, units, 2)
}

func TestSplitEmptyDocument(t *testing.T) {
	chunks, err := Split("  \n\n \t ", 100)
	require.NoError(t, err)
	require.Empty(t, chunks)
}

func TestSplitMaxOneRune(t *testing.T) {
	text := "ab c."
	chunks, err := Split(text, 1)
	require.NoError(t, err)
	requireCovers(t, text, chunks, 1)
}

func TestSplitRejectsInvalidInput(t *testing.T) {
	_, err := Split("text", 0)
	var chunkErr *Error
	require.True(t, errors.As(err, &chunkErr))

	_, err = Split("bad \xff byte", 100)
	require.True(t, errors.As(err, &chunkErr))
	require.Contains(t, err.Error(), "UTF-8")
}

func TestSplitDeterministic(t *testing.T) {
	text := strings.Repeat("A sentence with several words, and a clause. ", 40)
	first, err := Split(text, 120)
	require.NoError(t, err)
	second, err := Split(text, 120)
	require.NoError(t, err)
	require.Equal(t, first, second)
	requireCovers(t, text, first, 120)
}

func TestEstimateDuration(t *testing.T) {
	require.Equal(t, 2*time.Second, EstimateDuration("one two three four five"))
	require.Zero(t, EstimateDuration("   "))
}
