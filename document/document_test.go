package document_test

import (
	"testing"

	"github.com/numtide/vfmt/document"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/protocol"
)

func pos(line, char uint32) protocol.Position {
	return protocol.Position{Line: line, Character: char}
}

func TestPositionAt(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		offset int
		want   protocol.Position
	}{
		{"empty", "", 0, pos(0, 0)},
		{"start", "module m;\nendmodule", 0, pos(0, 0)},
		{"first line", "module m;\nendmodule", 6, pos(0, 6)},
		{"after newline", "module m;\nendmodule", 10, pos(1, 0)},
		{"end", "module m;\nendmodule", 19, pos(1, 9)},
		{"trailing newline", "a\n", 2, pos(1, 0)},
		{"crlf counts once", "a\r\nb", 4, pos(1, 1)},
		{"between cr and lf", "a\r\nb", 2, pos(0, 1)},
		{"lone cr", "a\rb", 3, pos(1, 1)},
		{"surrogate pair", "// 😀\n", 7, pos(0, 5)},
		{"multi byte bmp", "// é", 5, pos(0, 4)},
		{"negative clamps", "abc", -4, pos(0, 0)},
		{"overflow clamps", "abc", 40, pos(0, 3)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, document.PositionAt(tt.text, tt.offset))
		})
	}
}

func TestOffsetAt(t *testing.T) {
	as := require.New(t)

	text := "module m;\r\n  wire 😀x;\nendmodule"

	as.Equal(0, document.OffsetAt(text, pos(0, 0)))
	as.Equal(9, document.OffsetAt(text, pos(0, 9)))
	as.Equal(9, document.OffsetAt(text, pos(0, 99)), "past end of line")
	as.Equal(11, document.OffsetAt(text, pos(1, 0)))
	as.Equal(18, document.OffsetAt(text, pos(1, 7)))
	as.Equal(22, document.OffsetAt(text, pos(1, 9)), "after surrogate pair")
	as.Equal(len(text), document.OffsetAt(text, pos(2, 9)))
	as.Equal(len(text), document.OffsetAt(text, pos(9, 0)), "past end of text")

	// offsets and positions agree for every rune boundary
	for offset := range text {
		if offset > 0 && text[offset-1] == '\r' {
			continue
		}
		as.Equal(offset, document.OffsetAt(text, document.PositionAt(text, offset)), "offset %d", offset)
	}
}

func TestFullRange(t *testing.T) {
	as := require.New(t)

	as.Equal(protocol.Range{Start: pos(0, 0), End: pos(0, 0)}, document.FullRange(""))
	as.Equal(protocol.Range{Start: pos(0, 0), End: pos(1, 9)}, document.FullRange("module m;\nendmodule"))
	as.Equal(protocol.Range{Start: pos(0, 0), End: pos(2, 0)}, document.FullRange("module m;\nendmodule\n"))
}

func TestReplace(t *testing.T) {
	as := require.New(t)

	text := "module m;\nendmodule"

	as.Equal("module top;\nendmodule", document.Replace(text, protocol.Range{Start: pos(0, 7), End: pos(0, 8)}, "top"))
	as.Equal("module m;\n  wire w;\nendmodule",
		document.Replace(text, protocol.Range{Start: pos(1, 0), End: pos(1, 0)}, "  wire w;\n"))
	as.Equal("x", document.Replace(text, document.FullRange(text), "x"))
}
