package parser

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxChunkChars bounds the byte length of a chunk when no explicit
// limit is configured.
const DefaultMaxChunkChars = 2000

// Chunk is one retrievable segment of a parsed document. Offset is the
// byte position of the chunk's first character within its page's text, so
// consumers can map a chunk back to its source location.
type Chunk struct {
	Index  int    `json:"index"`
	Page   int    `json:"page"`
	Offset int    `json:"offset"`
	Text   string `json:"text"`
}

// Split segments page texts into chunks. Paragraphs are kept whole and
// packed together up to maxChars; a paragraph longer than maxChars is
// split at word boundaries. Chunk indices are sequential across pages.
func Split(pages []Page, maxChars int) []Chunk {
	if maxChars <= 0 {
		maxChars = DefaultMaxChunkChars
	}
	var chunks []Chunk
	for _, p := range pages {
		for _, seg := range splitPage(p.Text, maxChars) {
			chunks = append(chunks, Chunk{
				Index:  len(chunks),
				Page:   p.Number,
				Offset: seg.offset,
				Text:   seg.text,
			})
		}
	}
	return chunks
}

type segment struct {
	offset int
	text   string
}

func splitPage(text string, maxChars int) []segment {
	var segs []segment
	var cur strings.Builder
	curOffset := 0

	flush := func() {
		if cur.Len() == 0 {
			return
		}
		segs = append(segs, segment{offset: curOffset, text: cur.String()})
		cur.Reset()
	}

	for _, p := range paragraphs(text) {
		if len(p.text) > maxChars {
			flush()
			segs = append(segs, hardSplit(p.text, p.offset, maxChars)...)
			continue
		}
		if cur.Len() > 0 && cur.Len()+2+len(p.text) > maxChars {
			flush()
		}
		if cur.Len() == 0 {
			curOffset = p.offset
		} else {
			cur.WriteString("\n\n")
		}
		cur.WriteString(p.text)
	}
	flush()
	return segs
}

// paragraphs splits text at blank lines, returning trimmed paragraphs with
// the byte offset of their first character.
func paragraphs(text string) []segment {
	var paras []segment
	add := func(s string, off int) {
		lead := len(s) - len(strings.TrimLeft(s, " \t\r\n"))
		trimmed := strings.TrimSpace(s)
		if trimmed != "" {
			paras = append(paras, segment{offset: off + lead, text: trimmed})
		}
	}

	start := 0
	i := 0
	for i < len(text) {
		if text[i] == '\n' {
			j := i + 1
			blank := false
			for j < len(text) {
				c := text[j]
				if c == '\n' {
					blank = true
				} else if c != '\r' && c != ' ' && c != '\t' {
					break
				}
				j++
			}
			if blank {
				add(text[start:i], start)
				start = j
				i = j
				continue
			}
		}
		i++
	}
	add(text[start:], start)
	return paras
}

// hardSplit cuts an oversized paragraph into pieces of at most maxChars
// bytes, preferring a space boundary and never splitting inside a rune.
func hardSplit(text string, base, maxChars int) []segment {
	var segs []segment
	off := 0
	for len(text)-off > maxChars {
		cut := off + maxChars
		if idx := strings.LastIndexByte(text[off:cut], ' '); idx > maxChars/2 {
			cut = off + idx
		} else {
			for cut > off && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == off {
				cut = off + maxChars
			}
		}
		piece := strings.TrimSpace(text[off:cut])
		if piece != "" {
			lead := len(text[off:cut]) - len(strings.TrimLeft(text[off:cut], " \t\r\n"))
			segs = append(segs, segment{offset: base + off + lead, text: piece})
		}
		off = cut
		for off < len(text) && text[off] == ' ' {
			off++
		}
	}
	if rest := strings.TrimSpace(text[off:]); rest != "" {
		lead := len(text[off:]) - len(strings.TrimLeft(text[off:], " \t\r\n"))
		segs = append(segs, segment{offset: base + off + lead, text: rest})
	}
	return segs
}
