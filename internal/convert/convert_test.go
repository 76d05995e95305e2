package convert

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"
)

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestCSVToMarkdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.csv")
	os.WriteFile(path, []byte("name,score\nada,10\n\"b|c\",\n"), 0o644)

	out, err := ToMarkdown(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(out) != "data.md" {
		t.Errorf("out = %q", out)
	}
	want := "| name | score |\n| --- | --- |\n| ada | 10 |\n| b\\|c |  |\n"
	if got := readFile(t, out); got != want {
		t.Errorf("markdown = %q, want %q", got, want)
	}
}

func TestXLSXToMarkdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "book.xlsx")
	f := excelize.NewFile()
	f.SetCellValue("Sheet1", "A1", "item")
	f.SetCellValue("Sheet1", "B1", "qty")
	f.SetCellValue("Sheet1", "A2", "bolts")
	f.SetCellValue("Sheet1", "B2", 4)
	if err := f.SaveAs(path); err != nil {
		t.Fatal(err)
	}
	f.Close()

	out, err := ToMarkdown(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	want := "## Sheet1\n\n| item | qty |\n| --- | --- |\n| bolts | 4 |\n"
	if got := readFile(t, out); got != want {
		t.Errorf("markdown = %q, want %q", got, want)
	}
}

const documentXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:pPr><w:pStyle w:val="Heading2"/></w:pPr><w:r><w:t>Plan</w:t></w:r></w:p>
<w:p><w:r><w:t xml:space="preserve">First </w:t></w:r><w:r><w:t>step.</w:t></w:r></w:p>
<w:p><w:pPr><w:pStyle w:val="ListParagraph"/></w:pPr><w:r><w:t>item</w:t></w:r></w:p>
<w:p></w:p>
</w:body>
</w:document>`

func TestDOCXToMarkdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.docx")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, _ := zw.Create("word/document.xml")
	w.Write([]byte(documentXML))
	zw.Close()
	f.Close()

	out, err := ToMarkdown(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	want := "## Plan\n\nFirst step.\n\n- item\n"
	if got := readFile(t, out); got != want {
		t.Errorf("markdown = %q, want %q", got, want)
	}
}

func TestToMarkdownErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := ToMarkdown(context.Background(), filepath.Join(dir, "gone.csv")); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing file err = %v, want ErrNotFound", err)
	}

	bin := filepath.Join(dir, "blob.bin")
	os.WriteFile(bin, []byte{0}, 0o644)
	if _, err := ToMarkdown(context.Background(), bin); !errors.Is(err, ErrUnsupported) {
		t.Errorf("unsupported err = %v, want ErrUnsupported", err)
	}

	orig := lookPath
	lookPath = func(string) (string, error) { return "", errors.New("not in PATH") }
	defer func() { lookPath = orig }()
	odt := filepath.Join(dir, "doc.odt")
	os.WriteFile(odt, []byte("x"), 0o644)
	if _, err := ToMarkdown(context.Background(), odt); !errors.Is(err, ErrMissingTool) {
		t.Errorf("pandoc err = %v, want ErrMissingTool", err)
	}
}

func TestCompressPDFKeepsOriginalWithoutGhostscript(t *testing.T) {
	orig := lookPath
	lookPath = func(string) (string, error) { return "", errors.New("not in PATH") }
	defer func() { lookPath = orig }()

	dir := t.TempDir()
	in := filepath.Join(dir, "in.pdf")
	os.WriteFile(in, []byte("%PDF-1.4"), 0o644)
	if got := CompressPDF(context.Background(), in, filepath.Join(dir, "out.pdf")); got != in {
		t.Errorf("CompressPDF = %q, want original", got)
	}
	if got := CompressPDF(context.Background(), filepath.Join(dir, "missing.pdf"), filepath.Join(dir, "o.pdf")); got != filepath.Join(dir, "missing.pdf") {
		t.Errorf("CompressPDF(missing) = %q", got)
	}
}

func TestNeedsConversion(t *testing.T) {
	for path, want := range map[string]bool{"a.DOCX": true, "b.csv": true, "c.odt": true, "d.png": false, "e.pdf": false} {
		if got := NeedsConversion(path); got != want {
			t.Errorf("NeedsConversion(%q) = %v, want %v", path, got, want)
		}
	}
}
