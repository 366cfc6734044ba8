package lsp

import (
	"github.com/numtide/vfmt/build"
	"go.lsp.dev/protocol"
)

const (
	// CommandFormat formats the document whose URI is passed as the first argument and applies the result.
	CommandFormat = "vfmt.format"
	// CommandFormatAlias is the name editor extensions historically bound the format command to.
	CommandFormatAlias = "verilog.format"
)

func serverCapabilities() protocol.ServerCapabilities {
	return protocol.ServerCapabilities{
		TextDocumentSync: &protocol.TextDocumentSyncOptions{
			Change:    protocol.TextDocumentSyncKindIncremental,
			OpenClose: true,
		},
		ExecuteCommandProvider: &protocol.ExecuteCommandOptions{
			Commands: []string{CommandFormat, CommandFormatAlias},
		},
		DocumentFormattingProvider: true,
	}
}

func serverInfo() *protocol.ServerInfo {
	return &protocol.ServerInfo{
		Name:    build.Name,
		Version: build.Version,
	}
}
