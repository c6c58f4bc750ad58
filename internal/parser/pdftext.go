package parser

import (
	"strconv"
	"strings"
	"unicode/utf16"
)

// In a TJ array, a horizontal displacement at or beyond this magnitude
// (thousandths of a text-space unit) is treated as a word gap.
const wordGapThreshold = 180

// DecodeContent extracts the text drawn by a PDF content stream.
//
// It walks the stream for the text-showing operators (Tj, TJ, ' and ") and
// decodes their literal and hex string operands. Positioning operators that
// imply a line break (Td, TD, T*) and text-object boundaries (BT, ET)
// become newlines. Glyph-to-unicode mapping is approximate: single-byte
// strings are read as Latin-1, which covers the common simple-font case,
// and UTF-16BE strings are detected by BOM or embedded NUL high bytes.
// Composite fonts with custom CID maps come out garbled; decoding those
// would require the font resources, which the content stream alone does not
// carry.
func DecodeContent(stream []byte) string {
	var out strings.Builder
	var operands []string
	inArray := false
	needBreak := false

	emit := func() {
		s := strings.Join(operands, "")
		operands = operands[:0]
		if s == "" {
			return
		}
		if needBreak {
			if out.Len() > 0 {
				out.WriteByte('\n')
			}
			needBreak = false
		}
		out.WriteString(s)
	}

	i := 0
	for i < len(stream) {
		c := stream[i]
		switch {
		case c == '%':
			for i < len(stream) && stream[i] != '\n' && stream[i] != '\r' {
				i++
			}
		case c == '(':
			var s string
			s, i = parseLiteralString(stream, i)
			operands = append(operands, s)
		case c == '<':
			if i+1 < len(stream) && stream[i+1] == '<' {
				i += 2
			} else {
				var s string
				s, i = parseHexString(stream, i)
				operands = append(operands, s)
			}
		case c == '[':
			inArray = true
			i++
		case c == ']':
			inArray = false
			i++
		case c == '/':
			_, i = parseToken(stream, i+1)
		case isPDFDelimiter(c) || isPDFSpace(c):
			i++
		default:
			var tok string
			tok, i = parseToken(stream, i)
			if tok == "" {
				i++
				continue
			}
			if v, err := strconv.ParseFloat(tok, 64); err == nil {
				if inArray && v <= -wordGapThreshold {
					operands = append(operands, " ")
				}
				continue
			}
			switch tok {
			case "Tj", "TJ":
				emit()
			case "'", "\"":
				needBreak = true
				emit()
			case "Td", "TD", "T*", "BT", "ET":
				needBreak = true
				operands = operands[:0]
			case "BI":
				// Inline image: skip the raw binary through the closing EI.
				i = skipInlineImage(stream, i)
				operands = operands[:0]
			default:
				operands = operands[:0]
			}
		}
	}
	return out.String()
}

// parseLiteralString consumes a ( ... ) string starting at b[start] and
// returns its decoded text and the index after the closing parenthesis.
func parseLiteralString(b []byte, start int) (string, int) {
	i := start + 1
	depth := 1
	var raw []byte
	for i < len(b) {
		c := b[i]
		if c == '\\' {
			if i+1 >= len(b) {
				i++
				break
			}
			e := b[i+1]
			switch {
			case e == 'n':
				raw = append(raw, '\n')
				i += 2
			case e == 'r':
				raw = append(raw, '\r')
				i += 2
			case e == 't':
				raw = append(raw, '\t')
				i += 2
			case e == 'b' || e == 'f':
				i += 2
			case e == '(' || e == ')' || e == '\\':
				raw = append(raw, e)
				i += 2
			case e == '\r':
				// Escaped EOL is a line continuation.
				i += 2
				if i < len(b) && b[i] == '\n' {
					i++
				}
			case e == '\n':
				i += 2
			case e >= '0' && e <= '7':
				v := int(e - '0')
				j := i + 2
				for n := 0; n < 2 && j < len(b) && b[j] >= '0' && b[j] <= '7'; n++ {
					v = v*8 + int(b[j]-'0')
					j++
				}
				raw = append(raw, byte(v))
				i = j
			default:
				raw = append(raw, e)
				i += 2
			}
			continue
		}
		if c == '(' {
			depth++
			raw = append(raw, c)
			i++
			continue
		}
		if c == ')' {
			depth--
			i++
			if depth == 0 {
				break
			}
			raw = append(raw, c)
			continue
		}
		raw = append(raw, c)
		i++
	}
	return decodeTextBytes(raw), i
}

// parseHexString consumes a < ... > string starting at b[start].
func parseHexString(b []byte, start int) (string, int) {
	i := start + 1
	var digits []byte
	for i < len(b) && b[i] != '>' {
		if isHexDigit(b[i]) {
			digits = append(digits, b[i])
		}
		i++
	}
	if i < len(b) {
		i++ // consume '>'
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	raw := make([]byte, 0, len(digits)/2)
	for j := 0; j+1 < len(digits); j += 2 {
		raw = append(raw, hexVal(digits[j])<<4|hexVal(digits[j+1]))
	}
	return decodeTextBytes(raw), i
}

// parseToken reads a run of regular characters.
func parseToken(b []byte, start int) (string, int) {
	i := start
	for i < len(b) && !isPDFDelimiter(b[i]) && !isPDFSpace(b[i]) {
		i++
	}
	return string(b[start:i]), i
}

// skipInlineImage advances past an inline image's binary data to just
// after the EI marker.
func skipInlineImage(b []byte, from int) int {
	for i := from; i+2 < len(b); i++ {
		if isPDFSpace(b[i]) && b[i+1] == 'E' && b[i+2] == 'I' {
			if i+3 >= len(b) || isPDFSpace(b[i+3]) || isPDFDelimiter(b[i+3]) {
				return i + 3
			}
		}
	}
	return len(b)
}

// decodeTextBytes converts raw PDF string bytes to readable text.
func decodeTextBytes(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	if len(raw) >= 2 && raw[0] == 0xFE && raw[1] == 0xFF {
		return decodeUTF16BE(raw[2:])
	}
	// NUL never appears in single-byte text, so an even-length string with
	// NUL high bytes is UTF-16BE without a BOM.
	if len(raw) >= 2 && len(raw)%2 == 0 {
		for j := 0; j < len(raw); j += 2 {
			if raw[j] == 0 {
				return decodeUTF16BE(raw)
			}
		}
	}
	var sb strings.Builder
	for _, c := range raw {
		switch {
		case c == '\n' || c == '\t':
			sb.WriteByte(c)
		case c < 0x20 || c == 0x7f:
			// control byte, drop
		default:
			sb.WriteRune(rune(c)) // Latin-1
		}
	}
	return sb.String()
}

func decodeUTF16BE(raw []byte) string {
	u16 := make([]uint16, 0, len(raw)/2)
	for j := 0; j+1 < len(raw); j += 2 {
		u16 = append(u16, uint16(raw[j])<<8|uint16(raw[j+1]))
	}
	var sb strings.Builder
	for _, r := range utf16.Decode(u16) {
		if r >= 0x20 || r == '\n' || r == '\t' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func isPDFSpace(c byte) bool {
	switch c {
	case 0x00, '\t', '\n', '\f', '\r', ' ':
		return true
	}
	return false
}

func isPDFDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
