package convert

import (
	"archive/zip"
	"encoding/csv"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"
)

// table renders rows as a GitHub markdown table; the first row is the
// header.
func table(rows [][]string) string {
	width := 0
	for _, r := range rows {
		width = max(width, len(r))
	}
	if width == 0 {
		return ""
	}
	var b strings.Builder
	writeRow := func(r []string) {
		b.WriteString("|")
		for i := 0; i < width; i++ {
			cell := ""
			if i < len(r) {
				cell = r[i]
			}
			cell = strings.ReplaceAll(strings.TrimSpace(cell), "|", `\|`)
			cell = strings.ReplaceAll(cell, "\n", "<br>")
			b.WriteString(" " + cell + " |")
		}
		b.WriteString("\n")
	}
	writeRow(rows[0])
	b.WriteString("|" + strings.Repeat(" --- |", width) + "\n")
	for _, r := range rows[1:] {
		writeRow(r)
	}
	return b.String()
}

func csvToMarkdown(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	rows, err := r.ReadAll()
	if err != nil {
		return "", err
	}
	return table(rows), nil
}

func xlsxToMarkdown(path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("sheet %s: %w", sheet, err)
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "## %s\n\n", sheet)
		if t := table(rows); t != "" {
			b.WriteString(t)
		} else {
			b.WriteString("_(empty)_\n")
		}
	}
	return b.String(), nil
}

// docxToMarkdown extracts paragraphs from word/document.xml. Heading and
// list paragraph styles map to markdown prefixes; other formatting is
// dropped.
func docxToMarkdown(path string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", err
	}
	defer zr.Close()
	var doc *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return "", errors.New("not a word document: word/document.xml missing")
	}
	rc, err := doc.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	return parseDocumentXML(rc)
}

func parseDocumentXML(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var (
		out    []string
		para   strings.Builder
		style  string
		inText bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				para.Reset()
				style = ""
			case "pStyle":
				for _, a := range t.Attr {
					if a.Name.Local == "val" {
						style = a.Value
					}
				}
			case "t":
				inText = true
			case "tab":
				para.WriteByte('\t')
			case "br":
				para.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if text := strings.TrimSpace(para.String()); text != "" {
					out = append(out, stylePrefix(style)+text)
				}
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		}
	}
	return strings.Join(out, "\n\n") + "\n", nil
}

func stylePrefix(style string) string {
	s := strings.ToLower(style)
	switch {
	case s == "title":
		return "# "
	case strings.HasPrefix(s, "heading"):
		level := 1
		if n := strings.TrimPrefix(s, "heading"); len(n) == 1 && n[0] >= '1' && n[0] <= '6' {
			level = int(n[0] - '0')
		}
		return strings.Repeat("#", level) + " "
	case strings.HasPrefix(s, "listparagraph"), strings.HasPrefix(s, "listbullet"):
		return "- "
	}
	return ""
}
