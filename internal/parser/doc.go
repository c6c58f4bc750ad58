// Package parser turns uploaded documents into chunked text artifacts.
//
// A Worker drives the full lifecycle of one parse task: claim it through a
// status transition, extract text with a deadline, segment the text into
// page- and offset-tagged chunks, write the artifacts under the task's
// output directory, and record the terminal state. Document-level problems
// (unsupported format, corrupt file, extraction timeout) are captured on
// the task itself; only infrastructure faults surface to the caller so the
// queue can redeliver.
//
// Extraction is pluggable per file type: pdfcpu for PDFs, a
// readability-based extractor for HTML, and a plain reader for text and
// markdown. Each extractor returns per-page text; non-paginated formats
// count as a single page.
package parser
