package epub

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"readalong/internal/overlay"
	"readalong/internal/syncdoc"
)

// now is swapped in tests so package documents are reproducible.
var now = time.Now

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

func escape(s string) string { return xmlEscaper.Replace(s) }

func sortedNames(m map[string][]byte) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func imageMediaType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".svg":
		return "image/svg+xml"
	default:
		return "image/jpeg"
	}
}

func manifestID(prefix, name string) string {
	sanitized := strings.NewReplacer(".", "_", "-", "_").Replace(name)
	return prefix + "_" + sanitized
}

// buildPackageDocument renders content.opf: metadata with per-overlay
// durations, a manifest linking each content document to its overlay, and
// the spine in chapter order.
func buildPackageDocument(pkg *overlay.Package) []byte {
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n")
	b.WriteString(`<package xmlns="http://www.idpf.org/2007/opf" version="3.0" unique-identifier="pubID" xml:lang="en" prefix="rendition: http://www.idpf.org/vocab/rendition/# media: http://www.idpf.org/vocab/overlays/#">`)
	b.WriteString("\n")

	lang := pkg.Metadata.Language
	if lang == "" {
		lang = "en"
	}

	b.WriteString("  <metadata xmlns:dc=\"http://purl.org/dc/elements/1.1/\" xmlns:opf=\"http://www.idpf.org/2007/opf\">\n")
	fmt.Fprintf(&b, "    <dc:identifier id=\"pubID\">urn:uuid:%s</dc:identifier>\n", pkg.ID)
	fmt.Fprintf(&b, "    <dc:title>%s</dc:title>\n", escape(pkg.Metadata.Title))
	fmt.Fprintf(&b, "    <dc:creator>%s</dc:creator>\n", escape(pkg.Metadata.Author))
	if pkg.Metadata.Narrator != "" {
		fmt.Fprintf(&b, "    <dc:contributor id=\"narrator\">%s</dc:contributor>\n", escape(pkg.Metadata.Narrator))
		b.WriteString("    <meta refines=\"#narrator\" property=\"role\" scheme=\"marc:relators\">nrt</meta>\n")
	}
	fmt.Fprintf(&b, "    <dc:language>%s</dc:language>\n", escape(lang))
	fmt.Fprintf(&b, "    <meta property=\"dcterms:modified\">%s</meta>\n", now().UTC().Format("2006-01-02T15:04:05Z"))
	fmt.Fprintf(&b, "    <meta property=\"media:duration\">%s</meta>\n", syncdoc.FormatClock(pkg.TotalDurationMS))
	for _, entry := range pkg.Entries {
		fmt.Fprintf(&b, "    <meta property=\"media:duration\" refines=\"#smil_%03d\">%s</meta>\n",
			entry.Chapter.Index, syncdoc.FormatClock(entry.Chapter.DurationMS))
	}
	b.WriteString("    <meta property=\"media:active-class\">playing</meta>\n")
	b.WriteString("  </metadata>\n")

	b.WriteString("  <manifest>\n")
	b.WriteString("    <item id=\"nav\" href=\"Text/nav.xhtml\" media-type=\"application/xhtml+xml\" properties=\"nav\"/>\n")
	b.WriteString("    <item id=\"ncx\" href=\"toc.ncx\" media-type=\"application/x-dtbncx+xml\"/>\n")
	b.WriteString("    <item id=\"css\" href=\"Styles/style.css\" media-type=\"text/css\"/>\n")
	for _, name := range sortedNames(pkg.CSSFiles) {
		fmt.Fprintf(&b, "    <item id=\"%s\" href=\"Styles/%s\" media-type=\"text/css\"/>\n",
			manifestID("css", name), escape(name))
	}
	for _, name := range sortedNames(pkg.Images) {
		props := ""
		if name == pkg.CoverImage {
			props = ` properties="cover-image"`
		}
		fmt.Fprintf(&b, "    <item id=\"%s\" href=\"Images/%s\" media-type=\"%s\"%s/>\n",
			manifestID("img", name), escape(name), imageMediaType(name), props)
	}
	for _, entry := range pkg.Entries {
		idx := entry.Chapter.Index
		fmt.Fprintf(&b, "    <item id=\"audio_%03d\" href=\"Audio/%s\" media-type=\"audio/mpeg\"/>\n",
			idx, escape(entry.Chapter.AudioFile))
		fmt.Fprintf(&b, "    <item id=\"xhtml_%03d\" href=\"Text/%s\" media-type=\"application/xhtml+xml\" media-overlay=\"smil_%03d\"/>\n",
			idx, entry.Document.XHTMLName, idx)
		fmt.Fprintf(&b, "    <item id=\"smil_%03d\" href=\"Text/%s\" media-type=\"application/smil+xml\"/>\n",
			idx, entry.Document.SMILName)
	}
	b.WriteString("  </manifest>\n")

	b.WriteString("  <spine toc=\"ncx\">\n")
	for _, entry := range pkg.Entries {
		fmt.Fprintf(&b, "    <itemref idref=\"xhtml_%03d\"/>\n", entry.Chapter.Index)
	}
	b.WriteString("  </spine>\n</package>\n")
	return []byte(b.String())
}

func buildNCX(pkg *overlay.Package) []byte {
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n")
	b.WriteString("<ncx xmlns=\"http://www.daisy.org/z3986/2005/ncx/\" version=\"2005-1\">\n")
	b.WriteString("    <head>\n")
	fmt.Fprintf(&b, "        <meta name=\"dtb:uid\" content=\"urn:uuid:%s\"/>\n", pkg.ID)
	b.WriteString("        <meta name=\"dtb:depth\" content=\"1\"/>\n")
	b.WriteString("        <meta name=\"dtb:totalPageCount\" content=\"0\"/>\n")
	b.WriteString("        <meta name=\"dtb:maxPageNumber\" content=\"0\"/>\n")
	b.WriteString("    </head>\n")
	fmt.Fprintf(&b, "    <docTitle>\n        <text>%s</text>\n    </docTitle>\n", escape(pkg.Metadata.Title))
	b.WriteString("    <navMap>\n")
	for order, entry := range pkg.Entries {
		fmt.Fprintf(&b, "        <navPoint id=\"navpoint-%d\" playOrder=\"%d\">\n", entry.Chapter.Index, order+1)
		fmt.Fprintf(&b, "            <navLabel>\n                <text>%s</text>\n            </navLabel>\n", escape(entry.Chapter.Title))
		fmt.Fprintf(&b, "            <content src=\"Text/%s\"/>\n", entry.Document.XHTMLName)
		b.WriteString("        </navPoint>\n")
	}
	b.WriteString("    </navMap>\n</ncx>\n")
	return []byte(b.String())
}

func buildNav(pkg *overlay.Package) []byte {
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n")
	b.WriteString("<html xmlns=\"http://www.w3.org/1999/xhtml\" xmlns:epub=\"http://www.idpf.org/2007/ops\" lang=\"en\" xml:lang=\"en\">\n")
	b.WriteString("<head>\n    <title>Navigation</title>\n")
	b.WriteString("    <link rel=\"stylesheet\" href=\"../Styles/style.css\" type=\"text/css\"/>\n")
	b.WriteString("</head>\n<body>\n")
	b.WriteString("    <nav epub:type=\"toc\" id=\"toc\">\n        <h1>Table of Contents</h1>\n        <ol>\n")
	for _, entry := range pkg.Entries {
		fmt.Fprintf(&b, "            <li><a href=\"%s\">%s</a></li>\n",
			entry.Document.XHTMLName, escape(entry.Chapter.Title))
	}
	b.WriteString("        </ol>\n    </nav>\n</body>\n</html>\n")
	return []byte(b.String())
}

const defaultCSS = `/* Read-along presentation styles */

body {
    font-family: serif;
    line-height: 1.5;
    margin: 2em;
}

h1, h2, h3 {
    color: #333;
    margin-top: 1.5em;
    margin-bottom: 0.5em;
}

.chapter-title {
    font-size: 1.5em;
    font-weight: bold;
    margin-bottom: 1em;
}

.playing {
    background-color: yellow;
}
`
