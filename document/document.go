// Package document converts between byte offsets in a buffer and the line/character positions used by editors.
// Characters are counted in UTF-16 code units and `\n`, `\r\n` and `\r` all terminate a line, matching the
// Language Server Protocol.
package document

import (
	"unicode/utf8"

	"go.lsp.dev/protocol"
)

// PositionAt returns the position of the given byte offset within text.
// Offsets outside the text are clamped to its bounds.
func PositionAt(text string, offset int) protocol.Position {
	offset = clamp(offset, len(text))

	var line, char uint32

	for i := 0; i < offset; {
		switch c := text[i]; c {
		case '\r':
			// a \r\n pair counts as a single line break
			if i+1 < len(text) && text[i+1] == '\n' {
				if i+1 == offset {
					return protocol.Position{Line: line, Character: char}
				}
				i++
			}

			fallthrough
		case '\n':
			line++
			char = 0
			i++
		default:
			r, size := utf8.DecodeRuneInString(text[i:])
			char += utf16Len(r)
			i += size
		}
	}

	return protocol.Position{Line: line, Character: char}
}

// OffsetAt returns the byte offset of pos within text.
// A character past the end of a line resolves to the end of that line, a line past the end of the text resolves to
// the end of the text.
func OffsetAt(text string, pos protocol.Position) int {
	var line uint32

	i := 0
	for line < pos.Line {
		if i >= len(text) {
			return len(text)
		}

		switch text[i] {
		case '\r':
			if i+1 < len(text) && text[i+1] == '\n' {
				i++
			}

			fallthrough
		case '\n':
			line++
		}
		i++
	}

	var char uint32
	for i < len(text) && char < pos.Character {
		if text[i] == '\n' || text[i] == '\r' {
			break
		}

		r, size := utf8.DecodeRuneInString(text[i:])
		char += utf16Len(r)
		i += size
	}

	return i
}

// FullRange returns the range spanning the whole of text, from offset 0 to len(text).
func FullRange(text string) protocol.Range {
	return protocol.Range{
		Start: protocol.Position{Line: 0, Character: 0},
		End:   PositionAt(text, len(text)),
	}
}

// Replace returns text with the given range substituted by newText.
func Replace(text string, rng protocol.Range, newText string) string {
	start := OffsetAt(text, rng.Start)
	end := OffsetAt(text, rng.End)

	if end < start {
		start, end = end, start
	}

	return text[:start] + newText + text[end:]
}

func utf16Len(r rune) uint32 {
	if r >= 0x10000 {
		return 2
	}

	return 1
}

func clamp(offset int, length int) int {
	if offset < 0 {
		return 0
	} else if offset > length {
		return length
	}

	return offset
}
