// Package syncdoc renders a chapter's anchor-tagged XHTML content document
// and its parallel SMIL media-overlay document.
package syncdoc

import (
	"fmt"
	"strings"

	"readalong/internal/book"
)

// TimingOverlapError reports two timing entries claiming overlapping clip
// ranges. The aligner never emits these, so seeing one means corrupt input,
// typically a bad cache entry.
type TimingOverlapError struct {
	AnchorID string
	BeginMS  int64
	PrevEnd  int64
}

func (e *TimingOverlapError) Error() string {
	return fmt.Sprintf("timing for %s begins at %dms before previous clip ends at %dms",
		e.AnchorID, e.BeginMS, e.PrevEnd)
}

// Document is the rendered pair for one chapter.
type Document struct {
	XHTMLName string
	SMILName  string
	XHTML     []byte
	SMIL      []byte
}

// Options carry presentation inputs the package layout dictates.
type Options struct {
	// CSSHrefs are stylesheet links relative to the content document.
	CSSHrefs []string
	// AudioHref is the audio source relative to the SMIL document.
	AudioHref string
	Language  string
}

func XHTMLFileName(chapterIndex int) string {
	return fmt.Sprintf("chapter_%03d.xhtml", chapterIndex)
}

func SMILFileName(chapterIndex int) string {
	return fmt.Sprintf("chapter_%03d.smil", chapterIndex)
}

// FormatClock renders milliseconds in the HH:MM:SS.mmm clock form the
// overlay documents use.
func FormatClock(ms int64) string {
	secs := float64(ms%60000) / 1000.0
	minutes := (ms / 60000) % 60
	hours := ms / 3600000
	return fmt.Sprintf("%02d:%02d:%06.3f", hours, minutes, secs)
}

// Build renders both documents for a chapter. It re-validates the timing
// sequence before rendering so corrupt cached timings surface here instead
// of inside a reading system.
func Build(chapter *book.Chapter, opts Options) (*Document, error) {
	if err := checkOverlap(chapter.Timings); err != nil {
		return nil, err
	}
	if err := chapter.ValidateTimings(); err != nil {
		return nil, err
	}
	doc := &Document{
		XHTMLName: XHTMLFileName(chapter.Index),
		SMILName:  SMILFileName(chapter.Index),
	}
	doc.XHTML = []byte(renderXHTML(chapter, opts))
	doc.SMIL = []byte(renderSMIL(chapter, doc.XHTMLName, opts))
	return doc, nil
}

func checkOverlap(timings []book.TimingEntry) error {
	var prevEnd int64 = -1
	for _, t := range timings {
		if t.ClipBeginMS < prevEnd {
			return &TimingOverlapError{AnchorID: t.AnchorID, BeginMS: t.ClipBeginMS, PrevEnd: prevEnd}
		}
		prevEnd = t.ClipEndMS
	}
	return nil
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

func escape(s string) string {
	return xmlEscaper.Replace(s)
}

// renderXHTML emits one span per sync unit in unit order. Units with no
// timing entry render the same way; they simply have no overlay reference.
// Spans are grouped into paragraphs at sentence boundaries every few units
// so long chapters stay readable.
func renderXHTML(chapter *book.Chapter, opts Options) string {
	lang := opts.Language
	if lang == "" {
		lang = "en"
	}

	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n")
	fmt.Fprintf(&b, "<html xmlns=\"http://www.w3.org/1999/xhtml\" xmlns:epub=\"http://www.idpf.org/2007/ops\" lang=\"%s\" xml:lang=\"%s\">\n", lang, lang)
	b.WriteString("<head>\n")
	fmt.Fprintf(&b, "    <title>%s</title>\n", escape(chapter.Title))
	for _, href := range opts.CSSHrefs {
		fmt.Fprintf(&b, "    <link rel=\"stylesheet\" type=\"text/css\" href=\"%s\"/>\n", escape(href))
	}
	b.WriteString("</head>\n<body>\n")
	b.WriteString("    <div class=\"Basic-Text-Frame\">\n")
	fmt.Fprintf(&b, "        <section epub:type=\"chapter\" id=\"chapter_%03d\">\n", chapter.Index)
	fmt.Fprintf(&b, "            <h1 class=\"chapter-title\" id=\"title_%03d\"><span>%s</span></h1>\n",
		chapter.Index, escape(chapter.Title))

	var paragraph []string
	flush := func() {
		if len(paragraph) == 0 {
			return
		}
		fmt.Fprintf(&b, "            <p class=\"Body_Text\">%s</p>\n", strings.Join(paragraph, " "))
		paragraph = paragraph[:0]
	}
	for i, unit := range chapter.Units {
		paragraph = append(paragraph, fmt.Sprintf("<span id=\"%s\" class=\"%s\">%s</span>",
			unit.AnchorID, unit.Granularity, escape(unit.Text)))
		if len(paragraph) >= 3 && endsSentence(unit.Text) && i < len(chapter.Units)-1 {
			flush()
		}
	}
	flush()

	b.WriteString("        </section>\n    </div>\n</body>\n</html>\n")
	return b.String()
}

func endsSentence(text string) bool {
	return strings.HasSuffix(text, ".") || strings.HasSuffix(text, "!") || strings.HasSuffix(text, "?")
}

// renderSMIL emits a par per timing entry in clip order. A leading par over
// the chapter title gives reading systems a highlight target while the
// narrator announces the chapter.
func renderSMIL(chapter *book.Chapter, xhtmlName string, opts Options) string {
	var b strings.Builder
	b.WriteString("<smil xmlns=\"http://www.w3.org/ns/SMIL\" xmlns:epub=\"http://www.idpf.org/2007/ops\" version=\"3.0\">\n")
	b.WriteString("<body>\n")
	fmt.Fprintf(&b, "    <seq id=\"seq_%03d\" epub:textref=\"%s\" epub:type=\"bodymatter chapter\">\n",
		chapter.Index, xhtmlName)

	fmt.Fprintf(&b, "        <par id=\"par_title_%03d\">\n", chapter.Index)
	fmt.Fprintf(&b, "            <text src=\"%s#title_%03d\"/>\n", xhtmlName, chapter.Index)
	fmt.Fprintf(&b, "            <audio clipBegin=\"%s\" clipEnd=\"%s\" src=\"%s\"/>\n",
		FormatClock(0), FormatClock(titleClipEnd(chapter)), opts.AudioHref)
	b.WriteString("        </par>\n")

	for _, timing := range chapter.Timings {
		fmt.Fprintf(&b, "        <par id=\"par_%s\">\n", timing.AnchorID)
		fmt.Fprintf(&b, "            <text src=\"%s#%s\"/>\n", xhtmlName, timing.AnchorID)
		fmt.Fprintf(&b, "            <audio clipBegin=\"%s\" clipEnd=\"%s\" src=\"%s\"/>\n",
			FormatClock(timing.ClipBeginMS), FormatClock(timing.ClipEndMS), opts.AudioHref)
		b.WriteString("        </par>\n")
	}

	b.WriteString("    </seq>\n</body>\n</smil>\n")
	return b.String()
}

// titleClipEnd bounds the title par to one second or the first timed clip,
// whichever comes first.
func titleClipEnd(chapter *book.Chapter) int64 {
	end := int64(1000)
	if len(chapter.Timings) > 0 && chapter.Timings[0].ClipBeginMS < end {
		end = chapter.Timings[0].ClipBeginMS
	}
	if end <= 0 {
		end = 1
	}
	return end
}
