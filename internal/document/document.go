// Package document loads an input file and reduces it to normalized plain
// text ready for chunking.
package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatEPUB     Format = "epub"
	FormatPDF      Format = "pdf"
)

// ErrUnsupported is returned for inputs no loader understands.
var ErrUnsupported = errors.New("unsupported document format")

// Document is the normalized text of one input file. It is not modified
// after Load returns.
type Document struct {
	Path   string
	Title  string
	Format Format
	Text   string
}

// Empty reports whether the document has nothing to narrate.
func (d Document) Empty() bool { return strings.TrimSpace(d.Text) == "" }

// Load reads path and extracts its text.
func Load(ctx context.Context, path string) (Document, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return Document{}, err
	}
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}

	doc := Document{
		Path:   path,
		Format: format,
		Title:  strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
	}
	var text string
	switch format {
	case FormatEPUB:
		var title string
		title, text, err = readEPUB(path)
		if title != "" {
			doc.Title = title
		}
	case FormatPDF:
		text, err = readPDF(path)
	case FormatMarkdown:
		text, err = readTextFile(path)
		text = stripMarkdown(text)
	default:
		text, err = readTextFile(path)
	}
	if err != nil {
		return Document{}, fmt.Errorf("load %s: %w", filepath.Base(path), err)
	}
	doc.Text = Normalize(text)
	return doc, nil
}

// DetectFormat picks a loader by extension, then by content sniffing.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".text":
		return FormatText, nil
	case ".md", ".markdown":
		return FormatMarkdown, nil
	case ".epub":
		return FormatEPUB, nil
	case ".pdf":
		return FormatPDF, nil
	}
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("detect format: %w", err)
	}
	switch {
	case mtype.Is("application/pdf"):
		return FormatPDF, nil
	case mtype.Is("application/epub+zip"):
		return FormatEPUB, nil
	case strings.HasPrefix(mtype.String(), "text/"):
		return FormatText, nil
	}
	return "", fmt.Errorf("%w: %s (%s)", ErrUnsupported, filepath.Base(path), mtype.String())
}

var (
	spaceRun     = regexp.MustCompile(`[ \t]+`)
	newlineRun   = regexp.MustCompile(`\n{3,}`)
	mdHeading    = regexp.MustCompile(`(?m)^[ \t]{0,3}#{1,6}[ \t]+`)
	mdStrong     = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
	mdEmphasis   = regexp.MustCompile(`\*([^*\n]+)\*`)
	mdLink       = regexp.MustCompile(`!?\[([^\]]*)\]\([^)]*\)`)
	mdHorizontal = regexp.MustCompile(`(?m)^[ \t]*([-*_][ \t]*){3,}$`)
)

// Normalize unifies line endings and Unicode composition, collapses runs of
// spaces and tabs, and caps blank lines at one paragraph break.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = norm.NFC.String(text)
	text = spaceRun.ReplaceAllString(text, " ")
	text = newlineRun.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

func stripMarkdown(text string) string {
	text = mdHorizontal.ReplaceAllString(text, "")
	text = mdLink.ReplaceAllString(text, "$1")
	text = mdHeading.ReplaceAllStringFunc(text, func(string) string { return "\n" })
	text = mdStrong.ReplaceAllString(text, "$1")
	return mdEmphasis.ReplaceAllString(text, "$1")
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func readTextFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return decodeText(data)
}

// decodeText returns data as UTF-8, transcoding legacy encodings.
func decodeText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return string(data), nil
	}
	enc, name, _ := charset.DetermineEncoding(data, "text/plain")
	decoded, err := io.ReadAll(transform.NewReader(bytes.NewReader(data), enc.NewDecoder()))
	if err != nil {
		return "", fmt.Errorf("transcode from %s: %w", name, err)
	}
	decoded = bytes.TrimPrefix(decoded, utf8BOM)
	if !utf8.Valid(decoded) {
		return "", fmt.Errorf("transcoded result invalid utf-8")
	}
	return string(decoded), nil
}
