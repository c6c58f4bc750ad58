package parser

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/univy/docpipe/internal/task"
)

// PDF extracts per-page text from PDF files.
//
// pdfcpu gives us validated page content streams; decoding the text-showing
// operators out of those streams is done locally (see DecodeContent). This
// handles the common simple-font case well and degrades gracefully on
// exotic encodings.
type PDF struct{}

// Extracted content files are named like <stem>_Content_page_<n>.txt.
var pageNumRe = regexp.MustCompile(`_page_(\d+)\.txt$`)

func (PDF) Extract(ctx context.Context, path string) ([]Page, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, extractErrf(task.FailUnreadable, "reading %s: %v", filepath.Base(path), err)
	}

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	if err := api.ValidateFile(path, conf); err != nil {
		return nil, extractErrf(task.FailCorrupt, "validating %s: %v", filepath.Base(path), err)
	}

	pageCount, err := api.PageCountFile(path)
	if err != nil {
		return nil, extractErrf(task.FailCorrupt, "counting pages of %s: %v", filepath.Base(path), err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tmpDir, err := os.MkdirTemp("", "docpipe-extract-*")
	if err != nil {
		return nil, extractErrf(task.FailStorage, "creating scratch directory: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := api.ExtractContentFile(path, tmpDir, nil, conf); err != nil {
		return nil, extractErrf(task.FailExtract, "extracting content of %s: %v", filepath.Base(path), err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	contentFiles, err := filepath.Glob(filepath.Join(tmpDir, "*.txt"))
	if err != nil {
		return nil, extractErrf(task.FailExtract, "listing extracted content: %v", err)
	}

	pages := make([]Page, 0, len(contentFiles))
	for i, cf := range contentFiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stream, err := os.ReadFile(cf)
		if err != nil {
			return nil, extractErrf(task.FailExtract, "reading extracted content: %v", err)
		}

		number := i + 1
		if m := pageNumRe.FindStringSubmatch(filepath.Base(cf)); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				number = n
			}
		}
		pages = append(pages, Page{
			Number: number,
			Text:   strings.TrimSpace(DecodeContent(stream)),
		})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].Number < pages[j].Number })

	// A PDF with no extractable text (scans, pure graphics) still succeeds
	// structurally; the caller decides whether empty output is a failure.
	if len(pages) == 0 && pageCount > 0 {
		pages = append(pages, Page{Number: 1})
	}
	return pages, nil
}
