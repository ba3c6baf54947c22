package probe

import (
	"bytes"
	"encoding/base64"
	"fmt"
)

// Probe instructions. Short so probes stay cheap.
const (
	textInstruction  = "Reply with the single word OK."
	imageInstruction = "What color is this image? Answer in one word."
	pdfInstruction   = "What word appears in this document? Answer in one word."
)

// pngFixture is a 1x1 opaque PNG.
var pngFixture = mustDecode("iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mP8z8BQDwAEhQGAhKmMIQAAAABJRU5ErkJggg==")

// pdfFixture is a one-page PDF with a catalog, page tree, page, content
// stream and font object, and a correct xref table.
var pdfFixture = buildPDF("PROBE")

func mustDecode(s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

func buildPDF(word string) []byte {
	stream := fmt.Sprintf("BT /F1 24 Tf 20 50 Td (%s) Tj ET", word)
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 200 100] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

// media returns the fixture bytes and MIME type for a media probe kind.
func media(kind Kind) ([]byte, string) {
	if kind == KindPDF {
		return pdfFixture, "application/pdf"
	}
	return pngFixture, "image/png"
}

func instruction(kind Kind) string {
	switch kind {
	case KindImage:
		return imageInstruction
	case KindPDF:
		return pdfInstruction
	default:
		return textInstruction
	}
}
