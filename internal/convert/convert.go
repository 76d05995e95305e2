// Package convert prepares uploaded files for the agent: office documents
// and spreadsheets become markdown, PDFs are recompressed.
package convert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

var (
	ErrNotFound    = errors.New("file not found")
	ErrUnsupported = errors.New("unsupported file type")
	ErrMissingTool = errors.New("conversion tool not installed")
)

// lookPath is replaced in tests.
var lookPath = exec.LookPath

// pandocFormats are converted by shelling out to pandoc.
var pandocFormats = map[string]string{
	".odt":  "odt",
	".rtf":  "rtf",
	".pptx": "pptx",
	".epub": "epub",
	".html": "html",
	".htm":  "html",
}

// NeedsConversion reports whether ToMarkdown handles files like path.
func NeedsConversion(path string) bool {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".docx", ".xlsx", ".xlsm", ".csv":
		return true
	default:
		_, ok := pandocFormats[ext]
		return ok
	}
}

// ToMarkdown converts path to a markdown file next to it and returns the
// new path.
func ToMarkdown(ctx context.Context, path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", err
	}
	ext := strings.ToLower(filepath.Ext(path))
	out := strings.TrimSuffix(path, filepath.Ext(path)) + ".md"

	var (
		md  string
		err error
	)
	switch ext {
	case ".docx":
		md, err = docxToMarkdown(path)
	case ".xlsx", ".xlsm":
		md, err = xlsxToMarkdown(path)
	case ".csv":
		md, err = csvToMarkdown(path)
	default:
		from, ok := pandocFormats[ext]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnsupported, ext)
		}
		return out, pandoc(ctx, from, path, out)
	}
	if err != nil {
		return "", fmt.Errorf("convert %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(out, []byte(md), 0o644); err != nil {
		return "", fmt.Errorf("write markdown: %w", err)
	}
	return out, nil
}

func pandoc(ctx context.Context, from, in, out string) error {
	bin, err := lookPath("pandoc")
	if err != nil {
		return fmt.Errorf("%w: pandoc", ErrMissingTool)
	}
	cmd := exec.CommandContext(ctx, bin, "-f", from, "-t", "gfm", "-o", out, in)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("pandoc: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// CompressPDF rewrites in to out with ghostscript and returns out, or in
// when ghostscript is missing, fails, or does not make the file smaller.
func CompressPDF(ctx context.Context, in, out string) string {
	before, err := os.Stat(in)
	if err != nil {
		return in
	}
	bin, err := lookPath("gs")
	if err != nil {
		return in
	}
	cmd := exec.CommandContext(ctx, bin,
		"-sDEVICE=pdfwrite", "-dCompatibilityLevel=1.4", "-dPDFSETTINGS=/ebook",
		"-dNOPAUSE", "-dQUIET", "-dBATCH",
		"-sOutputFile="+out, in)
	if err := cmd.Run(); err != nil {
		os.Remove(out)
		return in
	}
	after, err := os.Stat(out)
	if err != nil || after.Size() == 0 || after.Size() >= before.Size() {
		os.Remove(out)
		return in
	}
	return out
}
