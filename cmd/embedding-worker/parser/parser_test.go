package parser

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract_PlainText(t *testing.T) {
	text, err := Extract(".txt", []byte("안녕하세요\n문서 내용입니다"))
	require.NoError(t, err)
	assert.Equal(t, "안녕하세요\n문서 내용입니다", text)

	text, err = Extract("md", []byte("# 제목\n본문"))
	require.NoError(t, err)
	assert.Equal(t, "# 제목\n본문", text)
}

func TestExtract_InvalidUTF8(t *testing.T) {
	_, err := Extract("txt", []byte{0xff, 0xfe, 0x00})
	assert.Error(t, err)
}

func TestExtract_UnsupportedExtension(t *testing.T) {
	_, err := Extract(".xlsx", []byte("data"))
	assert.Error(t, err)
}

func TestExtract_CorruptPDF(t *testing.T) {
	_, err := Extract("pdf", []byte("not a pdf"))
	assert.Error(t, err)
}

func buildDOCX(t *testing.T, documentXML string) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create("word/document.xml")
	require.NoError(t, err)
	_, err = f.Write([]byte(documentXML))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestExtract_DOCX(t *testing.T) {
	data := buildDOCX(t, `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>첫 번째 문단</w:t></w:r></w:p>
    <w:p><w:r><w:t>두 번째 </w:t></w:r><w:r><w:t>문단</w:t></w:r></w:p>
  </w:body>
</w:document>`)

	text, err := Extract("docx", data)
	require.NoError(t, err)
	assert.Contains(t, text, "첫 번째 문단\n")
	assert.Contains(t, text, "두 번째 문단\n")
}

func TestExtract_DOCXWithoutDocumentPart(t *testing.T) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create("word/styles.xml")
	require.NoError(t, err)
	_, err = f.Write([]byte("<styles/>"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = Extract("docx", buf.Bytes())
	assert.Error(t, err)
}
