package document

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

type epubContainer struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type epubPackage struct {
	Titles   []string `xml:"metadata>title"`
	Manifest []struct {
		ID        string `xml:"id,attr"`
		Href      string `xml:"href,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"manifest>item"`
	Spine []struct {
		IDRef string `xml:"idref,attr"`
	} `xml:"spine>itemref"`
}

const maxEPUBEntry = 64 << 20

// readEPUB extracts headings and paragraphs from the spine documents in
// reading order.
func readEPUB(p string) (string, string, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return "", "", fmt.Errorf("open epub: %w", err)
	}
	defer zr.Close()

	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	var container epubContainer
	if err := decodeXMLEntry(files, "META-INF/container.xml", &container); err != nil {
		return "", "", err
	}
	if len(container.Rootfiles) == 0 || container.Rootfiles[0].FullPath == "" {
		return "", "", errors.New("epub container names no package document")
	}
	opfPath := container.Rootfiles[0].FullPath
	var pkg epubPackage
	if err := decodeXMLEntry(files, opfPath, &pkg); err != nil {
		return "", "", err
	}

	hrefs := make(map[string]string, len(pkg.Manifest))
	for _, item := range pkg.Manifest {
		if strings.Contains(item.MediaType, "html") {
			hrefs[item.ID] = item.Href
		}
	}

	base := path.Dir(opfPath)
	var sections []string
	for _, ref := range pkg.Spine {
		href, ok := hrefs[ref.IDRef]
		if !ok {
			continue
		}
		if unescaped, err := url.PathUnescape(href); err == nil {
			href = unescaped
		}
		name := path.Clean(path.Join(base, href))
		data, err := readEntry(files, name)
		if err != nil {
			return "", "", err
		}
		text, err := extractHTML(data)
		if err != nil {
			return "", "", fmt.Errorf("parse %s: %w", name, err)
		}
		if text != "" {
			sections = append(sections, text)
		}
	}

	var title string
	if len(pkg.Titles) > 0 {
		title = strings.TrimSpace(pkg.Titles[0])
	}
	return title, strings.Join(sections, "\n\n"), nil
}

func decodeXMLEntry(files map[string]*zip.File, name string, v any) error {
	data, err := readEntry(files, name)
	if err != nil {
		return err
	}
	if err := xml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func readEntry(files map[string]*zip.File, name string) ([]byte, error) {
	f, ok := files[name]
	if !ok {
		return nil, fmt.Errorf("epub entry %s missing", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxEPUBEntry+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if len(data) > maxEPUBEntry {
		return nil, fmt.Errorf("epub entry %s too large", name)
	}
	return data, nil
}

// extractHTML keeps the text of h1-h6 and p elements. Headings are set off
// on their own line.
func extractHTML(data []byte) (string, error) {
	doc, err := html.Parse(strings.NewReader(string(data)))
	if err != nil {
		return "", err
	}
	var blocks []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Head:
				return
			case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				if text := nodeText(n); text != "" {
					blocks = append(blocks, "\n"+text+"\n")
				}
				return
			case atom.P:
				if text := nodeText(n); text != "" {
					blocks = append(blocks, text)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return strings.Join(blocks, "\n\n"), nil
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		switch {
		case n.Type == html.TextNode:
			b.WriteString(n.Data)
			return
		case n.Type == html.ElementNode && n.DataAtom == atom.Br:
			b.WriteByte(' ')
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
