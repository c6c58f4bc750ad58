package parser

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-shiori/go-readability"

	"github.com/univy/docpipe/internal/task"
)

// Page is the text of one page of a source document. Number is 1-based;
// formats without pagination produce a single page numbered 1.
type Page struct {
	Number int
	Text   string
}

// Extractor pulls the text out of one file format.
type Extractor interface {
	Extract(ctx context.Context, path string) ([]Page, error)
}

// ExtractError wraps an extraction failure with the failure kind that
// should be recorded on the task.
type ExtractError struct {
	Kind string // one of the task.Fail* kinds
	Err  error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ExtractError) Unwrap() error { return e.Err }

func extractErrf(kind, format string, args ...any) *ExtractError {
	return &ExtractError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Extensions lists the file extensions the pipeline recognizes.
func Extensions() []string {
	return []string{".pdf", ".txt", ".md", ".html"}
}

// Supported reports whether an extractor exists for the path's extension.
func Supported(path string) bool {
	_, err := ForFile(path)
	return err == nil
}

// ForFile selects the extractor for a path by extension. An unrecognized
// extension is an unsupported-format ExtractError.
func ForFile(path string) (Extractor, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return PDF{}, nil
	case ".txt", ".md":
		return Text{}, nil
	case ".html", ".htm":
		return HTML{}, nil
	default:
		return nil, extractErrf(task.FailUnsupported, "unsupported file extension %q", filepath.Ext(path))
	}
}

// Text reads plain text and markdown files as a single page.
type Text struct{}

func (Text) Extract(ctx context.Context, path string) ([]Page, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, extractErrf(task.FailUnreadable, "reading %s: %v", filepath.Base(path), err)
	}
	// Tolerate stray non-UTF-8 bytes rather than rejecting the file.
	text := strings.ToValidUTF8(string(data), "�")
	return []Page{{Number: 1, Text: strings.TrimSpace(text)}}, nil
}

// HTML extracts the readable article content from an HTML file, dropping
// navigation, boilerplate and scripts.
type HTML struct{}

func (HTML) Extract(ctx context.Context, path string) ([]Page, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, extractErrf(task.FailUnreadable, "opening %s: %v", filepath.Base(path), err)
	}
	defer f.Close()

	pageURL := &url.URL{Scheme: "file", Path: path}
	article, err := readability.FromReader(f, pageURL)
	if err != nil {
		return nil, extractErrf(task.FailExtract, "extracting article from %s: %v", filepath.Base(path), err)
	}

	text := strings.TrimSpace(article.TextContent)
	if article.Title != "" {
		text = article.Title + "\n\n" + text
	}
	return []Page{{Number: 1, Text: text}}, nil
}
