package format

import (
	"github.com/numtide/vfmt/document"
	"go.lsp.dev/protocol"
)

// WholeDocumentEdit returns a single edit replacing everything in original, from offset 0 to len(original), with
// replacement.
func WholeDocumentEdit(original string, replacement string) protocol.TextEdit {
	return protocol.TextEdit{
		Range:   document.FullRange(original),
		NewText: replacement,
	}
}
