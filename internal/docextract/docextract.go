// Package docextract implements spec §4.6's text-extraction step of
// DocumentProcessor: route by MIME/extension to a TXT, PDF, or DOCX
// backend; unknown types are a permanent error.
//
// Grounded on goreason's parser/registry.go (a Registry mapping extensions
// to Parser implementations) and parser/{pdf,docx}.go (per-format
// extraction shape), simplified from their section/heading/image-aware
// ParseResult down to the plain extracted text DocumentProcessor chunks.
package docextract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"stjgraph/internal/errs"
)

// Extract routes bytes to a backend by MIME type (falling back to the
// filename extension), returning the extracted plain text. An unrecognized
// type is a permanent error (spec §4.6).
func Extract(data []byte, mime, filename string) (string, error) {
	switch backendFor(mime, filename) {
	case "txt":
		return extractTXT(data)
	case "pdf":
		return extractPDF(data)
	case "docx":
		return extractDOCX(data)
	default:
		return "", errs.New(errs.PermanentInput, fmt.Sprintf("unsupported document type: mime=%q filename=%q", mime, filename), nil)
	}
}

func backendFor(mime, filename string) string {
	switch {
	case strings.Contains(mime, "pdf"):
		return "pdf"
	case strings.Contains(mime, "wordprocessingml"), strings.Contains(mime, "docx"):
		return "docx"
	case strings.HasPrefix(mime, "text/"):
		return "txt"
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return "pdf"
	case ".docx":
		return "docx"
	case ".txt":
		return "txt"
	}
	return ""
}

func extractTXT(data []byte) (string, error) {
	if !isValidUTF8(data) {
		return "", errs.New(errs.PermanentInput, "text content is not valid UTF-8", nil)
	}
	return string(data), nil
}

func isValidUTF8(b []byte) bool {
	return strings.ToValidUTF8(string(b), "�") == string(b)
}

func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", errs.New(errs.PermanentInput, "parsing PDF: "+err.Error(), err)
	}

	var b strings.Builder
	total := reader.NumPage()
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String(), nil
}

type docxDocument struct {
	XMLName xml.Name `xml:"document"`
	Body    docxBody `xml:"body"`
}

type docxBody struct {
	Paras []docxPara `xml:"p"`
}

type docxPara struct {
	Runs []docxRun `xml:"r"`
}

type docxRun struct {
	Text []docxText `xml:"t"`
}

type docxText struct {
	Content string `xml:",chardata"`
}

func extractDOCX(data []byte) (string, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", errs.New(errs.PermanentInput, "opening DOCX: "+err.Error(), err)
	}

	var docFile *zip.File
	for _, f := range r.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return "", errs.New(errs.PermanentInput, "word/document.xml not found in DOCX", nil)
	}

	rc, err := docFile.Open()
	if err != nil {
		return "", errs.New(errs.PermanentInput, "opening document.xml: "+err.Error(), err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return "", errs.New(errs.PermanentInput, "reading document.xml: "+err.Error(), err)
	}

	var doc docxDocument
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return "", errs.New(errs.PermanentInput, "parsing document.xml: "+err.Error(), err)
	}

	var b strings.Builder
	for _, para := range doc.Body.Paras {
		for _, run := range para.Runs {
			for _, t := range run.Text {
				b.WriteString(t.Content)
			}
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}
