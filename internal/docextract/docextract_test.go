package docextract

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stjgraph/internal/errs"
)

func TestBackendFor_PrefersMimeOverExtension(t *testing.T) {
	assert.Equal(t, "pdf", backendFor("application/pdf", "foo.txt"))
	assert.Equal(t, "docx", backendFor("application/vnd.openxmlformats-officedocument.wordprocessingml.document", "foo"))
	assert.Equal(t, "txt", backendFor("text/plain", "foo"))
}

func TestBackendFor_FallsBackToExtension(t *testing.T) {
	assert.Equal(t, "pdf", backendFor("", "resource.PDF"))
	assert.Equal(t, "docx", backendFor("application/octet-stream", "file.docx"))
}

func TestBackendFor_UnknownReturnsEmpty(t *testing.T) {
	assert.Equal(t, "", backendFor("application/octet-stream", "file.bin"))
}

func TestExtract_UnsupportedTypeIsPermanentError(t *testing.T) {
	_, err := Extract([]byte("data"), "application/octet-stream", "file.bin")
	require.Error(t, err)
	assert.Equal(t, errs.PermanentInput, errs.Classify(err))
}

func TestExtract_TXT_RoundTrips(t *testing.T) {
	text, err := Extract([]byte("Ementa do acórdão."), "text/plain", "doc.txt")
	require.NoError(t, err)
	assert.Equal(t, "Ementa do acórdão.", text)
}

func buildMinimalDOCX(t *testing.T, paragraphText string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create("word/document.xml")
	require.NoError(t, err)
	xmlBody := `<?xml version="1.0" encoding="UTF-8"?>
<document><body><p><r><t>` + paragraphText + `</t></r></p></body></document>`
	_, err = f.Write([]byte(xmlBody))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestExtract_DOCX_ExtractsParagraphText(t *testing.T) {
	data := buildMinimalDOCX(t, "Recurso especial provido.")
	text, err := Extract(data, "application/vnd.openxmlformats-officedocument.wordprocessingml.document", "doc.docx")
	require.NoError(t, err)
	assert.Contains(t, text, "Recurso especial provido.")
}

func TestExtract_DOCX_MissingDocumentXMLIsPermanentError(t *testing.T) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	_, err := w.Create("not-a-document.xml")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = Extract(buf.Bytes(), "application/vnd.openxmlformats-officedocument.wordprocessingml.document", "doc.docx")
	require.Error(t, err)
	assert.Equal(t, errs.PermanentInput, errs.Classify(err))
}
