// Package epubsource reads a print EPUB and extracts what a read-along build
// reuses from it: per-chapter plain reading text, stylesheets, images, and
// the cover.
package epubsource

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"readalong/internal/logging"
)

// ChapterText is the extracted reading text of one spine document.
type ChapterText struct {
	// Name is the document path inside the container.
	Name  string
	Title string
	Text  string
}

// Book holds everything extracted from the source EPUB.
type Book struct {
	Chapters   []ChapterText
	CSSFiles   map[string][]byte
	Images     map[string][]byte
	CoverImage string
}

type containerXML struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type packageXML struct {
	Manifest struct {
		Items []struct {
			ID         string `xml:"id,attr"`
			Href       string `xml:"href,attr"`
			MediaType  string `xml:"media-type,attr"`
			Properties string `xml:"properties,attr"`
		} `xml:"item"`
	} `xml:"manifest"`
	Spine struct {
		ItemRefs []struct {
			IDRef  string `xml:"idref,attr"`
			Linear string `xml:"linear,attr"`
		} `xml:"itemref"`
	} `xml:"spine"`
}

// Extract opens the EPUB and pulls chapters in spine order plus CSS and
// image assets. Documents that fail to parse are skipped with a warning
// rather than failing the extraction.
func Extract(epubPath string, logger *slog.Logger) (*Book, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	reader, err := zip.OpenReader(epubPath)
	if err != nil {
		return nil, fmt.Errorf("open source epub: %w", err)
	}
	defer reader.Close()

	files := make(map[string]*zip.File, len(reader.File))
	for _, f := range reader.File {
		files[f.Name] = f
	}

	opfPath, err := rootfilePath(files)
	if err != nil {
		return nil, err
	}
	opfData, err := readZipFile(files[opfPath])
	if err != nil {
		return nil, fmt.Errorf("read package document: %w", err)
	}
	var pkg packageXML
	if err := xml.Unmarshal(opfData, &pkg); err != nil {
		return nil, fmt.Errorf("parse package document: %w", err)
	}

	book := &Book{
		CSSFiles: make(map[string][]byte),
		Images:   make(map[string][]byte),
	}
	opfDir := path.Dir(opfPath)

	hrefByID := make(map[string]string, len(pkg.Manifest.Items))
	for _, item := range pkg.Manifest.Items {
		href := resolveHref(opfDir, item.Href)
		hrefByID[item.ID] = href
		name := path.Base(href)
		switch {
		case item.MediaType == "text/css":
			if data, err := readNamed(files, href); err == nil {
				book.CSSFiles[name] = data
			}
		case strings.HasPrefix(item.MediaType, "image/"):
			data, err := readNamed(files, href)
			if err != nil {
				continue
			}
			book.Images[name] = data
			if strings.Contains(item.Properties, "cover-image") ||
				(book.CoverImage == "" && strings.Contains(strings.ToLower(name), "cover")) {
				book.CoverImage = name
			}
		}
	}

	for _, ref := range pkg.Spine.ItemRefs {
		if ref.Linear == "no" {
			continue
		}
		href, ok := hrefByID[ref.IDRef]
		if !ok {
			continue
		}
		data, err := readNamed(files, href)
		if err != nil {
			logger.Warn("skipping unreadable spine document",
				logging.String("href", href), logging.Error(err))
			continue
		}
		title, text, err := extractText(data)
		if err != nil {
			logger.Warn("skipping unparsable spine document",
				logging.String("href", href), logging.Error(err))
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		book.Chapters = append(book.Chapters, ChapterText{
			Name:  path.Base(href),
			Title: title,
			Text:  text,
		})
	}

	logger.Info("extracted source epub",
		logging.Int("chapters", len(book.Chapters)),
		logging.Int("stylesheets", len(book.CSSFiles)),
		logging.Int("images", len(book.Images)))
	return book, nil
}

func rootfilePath(files map[string]*zip.File) (string, error) {
	containerFile, ok := files["META-INF/container.xml"]
	if !ok {
		return "", fmt.Errorf("source epub has no META-INF/container.xml")
	}
	data, err := readZipFile(containerFile)
	if err != nil {
		return "", fmt.Errorf("read container descriptor: %w", err)
	}
	var container containerXML
	if err := xml.Unmarshal(data, &container); err != nil {
		return "", fmt.Errorf("parse container descriptor: %w", err)
	}
	for _, root := range container.Rootfiles {
		if root.FullPath != "" {
			if _, ok := files[root.FullPath]; ok {
				return root.FullPath, nil
			}
		}
	}
	return "", fmt.Errorf("container descriptor names no readable package document")
}

func resolveHref(opfDir, href string) string {
	if opfDir == "." || opfDir == "" {
		return href
	}
	return path.Join(opfDir, href)
}

func readNamed(files map[string]*zip.File, name string) ([]byte, error) {
	f, ok := files[name]
	if !ok {
		return nil, fmt.Errorf("%s not in container", name)
	}
	return readZipFile(f)
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// extractText walks the document tree collecting visible text. The first
// heading becomes the chapter title and is excluded from the body text.
func extractText(data []byte) (title, text string, err error) {
	doc, err := html.Parse(strings.NewReader(string(data)))
	if err != nil {
		return "", "", err
	}

	var b strings.Builder
	var walk func(n *html.Node, inHeading bool)
	walk = func(n *html.Node, inHeading bool) {
		switch n.Type {
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Head:
				return
			case atom.H1, atom.H2, atom.H3:
				if title == "" {
					title = strings.TrimSpace(nodeText(n))
					return
				}
				inHeading = true
			case atom.P, atom.Div, atom.Br, atom.Li, atom.Section:
				b.WriteString("\n")
			}
		case html.TextNode:
			if !inHeading {
				b.WriteString(n.Data)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inHeading)
		}
	}
	walk(doc, false)

	return title, collapseWhitespace(b.String()), nil
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
