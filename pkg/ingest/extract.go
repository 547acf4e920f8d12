// Package ingest turns uploaded document bytes into ordered pages with a
// pinned parser version. Changing any extractor is a breaking change and
// must ship under a new parser version string, because chunk IDs and cached
// runs cite the extracted text.
package ingest

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// Parser version strings recorded on every DocumentPage row.
const (
	ParserPDF  = "pdf-text-v1"
	ParserDocx = "docx-xml-v1"
	ParserRaw  = "raw-bytes-v1"
)

// Page is one extracted page, ordered by Number starting at 1.
type Page struct {
	Number        int
	Text          string
	CharCount     int
	ParserVersion string
}

// ExtractPages dispatches on the filename extension. PDF and DOCX failures
// fall back to the raw decoder so ingestion never hard-fails on a readable
// file; the fallback is visible through the parser version.
func ExtractPages(data []byte, filename string) []Page {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		pages, err := extractPDF(data)
		if err == nil {
			return pages
		}
	case ".docx":
		pages, err := extractDocx(data)
		if err == nil {
			return pages
		}
	}
	return []Page{rawPage(data)}
}

func extractPDF(data []byte) ([]Page, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("ingest: open pdf: %w", err)
	}
	total := reader.NumPage()
	if total < 1 {
		return nil, fmt.Errorf("ingest: pdf has no pages")
	}
	pages := make([]Page, 0, total)
	for i := 1; i <= total; i++ {
		p := reader.Page(i)
		text := ""
		if !p.V.IsNull() {
			// Extraction errors on a single page degrade to empty text
			// rather than failing the document.
			if t, err := p.GetPlainText(nil); err == nil {
				text = sanitize(t)
			}
		}
		pages = append(pages, Page{
			Number:        i,
			Text:          text,
			CharCount:     utf8.RuneCountInString(text),
			ParserVersion: ParserPDF,
		})
	}
	return pages, nil
}

// docx XML shape: document > body > p* > r* > t*. Paragraph text is the
// concatenation of its runs; paragraphs join with a single newline.
type docxDocument struct {
	Body struct {
		Paragraphs []docxParagraph `xml:"p"`
	} `xml:"body"`
}

type docxParagraph struct {
	Runs []struct {
		Texts []string `xml:"t"`
	} `xml:"r"`
}

func extractDocx(data []byte) ([]Page, error) {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("ingest: open docx: %w", err)
	}
	var docXML []byte
	for _, f := range archive.File {
		if f.Name == "word/document.xml" {
			rc, err := f.Open()
			if err != nil {
				return nil, fmt.Errorf("ingest: open document.xml: %w", err)
			}
			docXML, err = io.ReadAll(rc)
			_ = rc.Close()
			if err != nil {
				return nil, fmt.Errorf("ingest: read document.xml: %w", err)
			}
			break
		}
	}
	if docXML == nil {
		return nil, fmt.Errorf("ingest: docx missing word/document.xml")
	}

	var doc docxDocument
	if err := xml.Unmarshal(docXML, &doc); err != nil {
		return nil, fmt.Errorf("ingest: parse document.xml: %w", err)
	}

	paragraphs := make([]string, 0, len(doc.Body.Paragraphs))
	for _, p := range doc.Body.Paragraphs {
		var sb strings.Builder
		for _, r := range p.Runs {
			for _, t := range r.Texts {
				sb.WriteString(t)
			}
		}
		paragraphs = append(paragraphs, sb.String())
	}
	text := sanitize(strings.Join(paragraphs, "\n"))
	return []Page{{
		Number:        1,
		Text:          text,
		CharCount:     utf8.RuneCountInString(text),
		ParserVersion: ParserDocx,
	}}, nil
}

func rawPage(data []byte) Page {
	text := sanitize(decodeLossy(data))
	return Page{
		Number:        1,
		Text:          text,
		CharCount:     utf8.RuneCountInString(text),
		ParserVersion: ParserRaw,
	}
}

// decodeLossy drops bytes that do not form valid UTF-8, matching a decode
// with errors ignored rather than replaced.
func decodeLossy(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	var sb strings.Builder
	sb.Grow(len(data))
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r != utf8.RuneError || size > 1 {
			sb.WriteRune(r)
		}
		data = data[size:]
	}
	return sb.String()
}

// sanitize strips NUL runes, which databases reject in text columns.
func sanitize(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}
