// Package epub writes the assembled overlay package as an EPUB 3 container.
package epub

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"readalong/internal/overlay"
)

const mimetypeContent = "application/epub+zip"

const containerXML = `<?xml version="1.0" encoding="UTF-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
    <rootfiles>
        <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
    </rootfiles>
</container>
`

// Write packages the model into an EPUB zip at outputPath. The write is
// atomic: content goes to a sibling temp file that is renamed into place
// only after the archive is complete.
func Write(pkg *overlay.Package, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(outputPath), ".readalong-*.epub")
	if err != nil {
		return fmt.Errorf("create temporary container: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpPath)
	}()

	if err := writeArchive(tmp, pkg); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("flush container: %w", err)
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		return fmt.Errorf("finalize container: %w", err)
	}
	return nil
}

func writeArchive(w io.Writer, pkg *overlay.Package) error {
	zw := zip.NewWriter(w)

	// The mimetype entry must come first and must be stored uncompressed
	// so reading systems can identify the container from its first bytes.
	mimeHeader := &zip.FileHeader{Name: "mimetype", Method: zip.Store}
	mw, err := zw.CreateHeader(mimeHeader)
	if err != nil {
		return fmt.Errorf("write mimetype: %w", err)
	}
	if _, err := mw.Write([]byte(mimetypeContent)); err != nil {
		return fmt.Errorf("write mimetype: %w", err)
	}

	add := func(name string, data []byte) error {
		fw, err := zw.Create(name)
		if err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		if _, err := fw.Write(data); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		return nil
	}

	if err := add("META-INF/container.xml", []byte(containerXML)); err != nil {
		return err
	}
	if err := add("OEBPS/content.opf", buildPackageDocument(pkg)); err != nil {
		return err
	}
	if err := add("OEBPS/toc.ncx", buildNCX(pkg)); err != nil {
		return err
	}
	if err := add("OEBPS/Text/nav.xhtml", buildNav(pkg)); err != nil {
		return err
	}
	if err := add("OEBPS/Styles/style.css", []byte(defaultCSS)); err != nil {
		return err
	}
	for _, name := range sortedNames(pkg.CSSFiles) {
		if err := add("OEBPS/Styles/"+name, pkg.CSSFiles[name]); err != nil {
			return err
		}
	}
	for _, name := range sortedNames(pkg.Images) {
		if err := add("OEBPS/Images/"+name, pkg.Images[name]); err != nil {
			return err
		}
	}

	for _, entry := range pkg.Entries {
		if err := add("OEBPS/Text/"+entry.Document.XHTMLName, entry.Document.XHTML); err != nil {
			return err
		}
		if err := add("OEBPS/Text/"+entry.Document.SMILName, entry.Document.SMIL); err != nil {
			return err
		}
		if err := copyAudio(zw, entry); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("close container: %w", err)
	}
	return nil
}

func copyAudio(zw *zip.Writer, entry overlay.Entry) error {
	src, err := os.Open(entry.Chapter.AudioPath)
	if err != nil {
		return fmt.Errorf("open chapter audio: %w", err)
	}
	defer src.Close()
	fw, err := zw.Create("OEBPS/Audio/" + entry.Chapter.AudioFile)
	if err != nil {
		return fmt.Errorf("write chapter audio: %w", err)
	}
	if _, err := io.Copy(fw, src); err != nil {
		return fmt.Errorf("write chapter audio: %w", err)
	}
	return nil
}
