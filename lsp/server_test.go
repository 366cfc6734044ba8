package lsp

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/numtide/vfmt/config"
	"github.com/numtide/vfmt/test"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
)

const (
	unformatted = "module top;\nwire a;\nendmodule"
	formatted   = "module top;\n  wire a;\nendmodule\n"
)

// client plays the editor side of the connection, recording what the server sends it.
type client struct {
	conn jsonrpc2.Conn

	mu       sync.Mutex
	messages []protocol.ShowMessageParams
	applied  []protocol.ApplyWorkspaceEditParams
	prompts  int
	action   *protocol.MessageActionItem
}

func (c *client) handle(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch req.Method() {
	case protocol.MethodWindowShowMessage:
		var params protocol.ShowMessageParams
		if err := json.Unmarshal(req.Params(), &params); err != nil {
			return err
		}

		c.messages = append(c.messages, params)

		return reply(ctx, nil, nil)

	case protocol.MethodWindowShowMessageRequest:
		c.prompts++

		return reply(ctx, c.action, nil)

	case protocol.MethodWorkspaceApplyEdit:
		var params protocol.ApplyWorkspaceEditParams
		if err := json.Unmarshal(req.Params(), &params); err != nil {
			return err
		}

		c.applied = append(c.applied, params)

		return reply(ctx, protocol.ApplyWorkspaceEditResponse{Applied: true}, nil)

	default:
		return jsonrpc2.MethodNotFoundHandler(ctx, reply, req)
	}
}

func (c *client) setAction(title string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if title == "" {
		c.action = nil
	} else {
		c.action = &protocol.MessageActionItem{Title: title}
	}
}

func (c *client) lastMessage(t *testing.T) protocol.ShowMessageParams {
	t.Helper()

	c.mu.Lock()
	defer c.mu.Unlock()

	require.NotEmpty(t, c.messages, "no messages received")

	return c.messages[len(c.messages)-1]
}

func (c *client) call(t *testing.T, method string, params interface{}, result interface{}) error {
	t.Helper()

	_, err := c.conn.Call(context.Background(), method, params, result)

	return err //nolint:wrapcheck
}

func (c *client) notify(t *testing.T, method string, params interface{}) {
	t.Helper()

	require.NoError(t, c.conn.Notify(context.Background(), method, params))
}

func (c *client) open(t *testing.T, docURI protocol.DocumentURI, text string) {
	t.Helper()

	c.notify(t, protocol.MethodTextDocumentDidOpen, &protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{
			URI:        docURI,
			LanguageID: "verilog",
			Version:    1,
			Text:       text,
		},
	})
}

func (c *client) format(t *testing.T, docURI protocol.DocumentURI) []protocol.TextEdit {
	t.Helper()

	var edits []protocol.TextEdit

	require.NoError(t, c.call(t, protocol.MethodTextDocumentFormatting, &protocol.DocumentFormattingParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: docURI},
	}, &edits))

	return edits
}

// setup starts a server configured with args and connects a client to it over an in-memory pipe.
func setup(t *testing.T, args ...string) (*client, *Server) {
	t.Helper()

	v, err := config.NewViper()
	require.NoError(t, err)

	fs := pflag.NewFlagSet("vfmt", pflag.ContinueOnError)
	config.SetFlags(fs)
	require.NoError(t, fs.Parse(args))
	require.NoError(t, config.BindFlags(v, fs))

	return connect(t, v)
}

// connect starts a server backed by v and connects a client to it over an in-memory pipe.
func connect(t *testing.T, v *viper.Viper) (*client, *Server) {
	t.Helper()

	serverSide, clientSide := net.Pipe()

	serverConn := jsonrpc2.NewConn(jsonrpc2.NewStream(serverSide))
	server, err := New(serverConn, v)
	require.NoError(t, err)

	ctx := context.Background()
	serverConn.Go(ctx, server.Handle)

	c := &client{conn: jsonrpc2.NewConn(jsonrpc2.NewStream(clientSide))}
	c.conn.Go(ctx, c.handle)

	t.Cleanup(func() {
		_ = c.conn.Close()
		_ = serverConn.Close()
	})

	return c, server
}

// requireInvalidParams checks err is an invalid params reply carrying a message which contains msg.
func requireInvalidParams(t *testing.T, err error, msg string) {
	t.Helper()

	var rpcErr *jsonrpc2.Error

	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, jsonrpc2.InvalidParams, rpcErr.Code)
	require.Contains(t, rpcErr.Message, msg)
}

// tempDocument writes content to a .v file and returns its URI.
func tempDocument(t *testing.T, content string) (string, protocol.DocumentURI) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "top.v")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path, protocol.DocumentURI(uri.File(path))
}

func TestInitialize(t *testing.T) {
	as := require.New(t)

	fake := test.NewFakeFormatter(t)
	c, server := setup(t)

	var result protocol.InitializeResult

	as.NoError(c.call(t, protocol.MethodInitialize, map[string]interface{}{
		"processId": 1,
		"rootUri":   string(uri.File(t.TempDir())),
		"initializationOptions": map[string]interface{}{
			"verilog-format": map[string]interface{}{
				"path":    fake.Path,
				"charset": "utf8",
			},
		},
	}, &result))

	as.Equal("vfmt", result.ServerInfo.Name)
	as.Equal(true, result.Capabilities.DocumentFormattingProvider)
	as.ElementsMatch([]string{CommandFormat, CommandFormatAlias}, result.Capabilities.ExecuteCommandProvider.Commands)

	as.Equal(fake.Path, server.Config().VerilogFormat.Path)
	as.Equal("UTF-8", server.Config().VerilogFormat.Charset)

	c.notify(t, protocol.MethodInitialized, &protocol.InitializedParams{})
}

func TestFormatting(t *testing.T) {
	as := require.New(t)

	fake := test.NewFakeFormatter(t, test.WithOutput(formatted))
	c, _ := setup(t, "--formatter", fake.Path)

	path, docURI := tempDocument(t, "// stale content on disk\n")

	t.Run("synchronized document", func(t *testing.T) {
		c.open(t, docURI, unformatted)

		edits := c.format(t, docURI)
		as.Len(edits, 1)
		as.Equal(formatted, edits[0].NewText)
		as.Equal(protocol.Range{End: protocol.Position{Line: 2, Character: 9}}, edits[0].Range)

		// verilog-format was handed the editor's buffer, not the file on disk
		as.Equal(unformatted, fake.Input(t))
		as.Equal([]string{"-f", fake.Calls(t)[0]}, fake.Args(t))

		msg := c.lastMessage(t)
		as.Equal(protocol.MessageTypeInfo, msg.Type)
		as.Equal("formatted "+path, msg.Message)
	})

	t.Run("incremental change", func(t *testing.T) {
		c.notify(t, protocol.MethodTextDocumentDidChange, map[string]interface{}{
			"textDocument": map[string]interface{}{"uri": docURI, "version": 2},
			"contentChanges": []interface{}{
				map[string]interface{}{
					"range": protocol.Range{
						Start: protocol.Position{Line: 1, Character: 5},
						End:   protocol.Position{Line: 1, Character: 6},
					},
					"text": "b",
				},
			},
		})

		as.Len(c.format(t, docURI), 1)
		as.Equal("module top;\nwire b;\nendmodule", fake.Input(t))
	})

	t.Run("full change", func(t *testing.T) {
		c.notify(t, protocol.MethodTextDocumentDidChange, map[string]interface{}{
			"textDocument":   map[string]interface{}{"uri": docURI, "version": 3},
			"contentChanges": []interface{}{map[string]interface{}{"text": "module other;\nendmodule\n"}},
		})

		edits := c.format(t, docURI)
		as.Len(edits, 1)
		as.Equal(protocol.Position{Line: 2, Character: 0}, edits[0].Range.End)
		as.Equal("module other;\nendmodule\n", fake.Input(t))
	})

	t.Run("closed document is read from disk", func(t *testing.T) {
		c.notify(t, protocol.MethodTextDocumentDidClose, &protocol.DidCloseTextDocumentParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: docURI},
		})

		as.Len(c.format(t, docURI), 1)
		as.Equal("// stale content on disk\n", fake.Input(t))
	})

	t.Run("unknown document", func(t *testing.T) {
		err := c.call(t, protocol.MethodTextDocumentFormatting, &protocol.DocumentFormattingParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: "untitled:Untitled-1"},
		}, nil)
		requireInvalidParams(t, err, "unknown document")
	})
}

func TestFormattingFailures(t *testing.T) {
	as := require.New(t)

	t.Run("missing executable", func(t *testing.T) {
		c, _ := setup(t)
		_, docURI := tempDocument(t, unformatted)

		as.Empty(c.format(t, docURI))

		msg := c.lastMessage(t)
		as.Equal(protocol.MessageTypeError, msg.Type)
		as.Contains(msg.Message, config.KeyPath)
	})

	t.Run("non-zero exit", func(t *testing.T) {
		fake := test.NewFakeFormatter(t, test.WithOutput(formatted), test.WithExitCode(1))
		c, _ := setup(t, "--formatter", fake.Path)
		_, docURI := tempDocument(t, unformatted)

		as.Empty(c.format(t, docURI))
		as.Len(fake.Calls(t), 1)

		msg := c.lastMessage(t)
		as.Equal(protocol.MessageTypeError, msg.Type)
		as.Contains(msg.Message, "exit status 1")
	})

	t.Run("apply on failure", func(t *testing.T) {
		fake := test.NewFakeFormatter(t, test.WithOutput(formatted), test.WithExitCode(1))
		c, _ := setup(t, "--formatter", fake.Path, "--apply-on-failure")
		_, docURI := tempDocument(t, unformatted)

		edits := c.format(t, docURI)
		as.Len(edits, 1)
		as.Equal(formatted, edits[0].NewText)
	})
}

func TestExecuteCommand(t *testing.T) {
	as := require.New(t)

	fake := test.NewFakeFormatter(t, test.WithOutput(formatted))
	c, _ := setup(t, "--formatter", fake.Path)

	_, docURI := tempDocument(t, unformatted)
	c.open(t, docURI, unformatted)

	for _, command := range []string{CommandFormat, CommandFormatAlias} {
		t.Run(command, func(t *testing.T) {
			var edits []protocol.TextEdit

			as.NoError(c.call(t, protocol.MethodWorkspaceExecuteCommand, &protocol.ExecuteCommandParams{
				Command:   command,
				Arguments: []interface{}{string(docURI)},
			}, &edits))

			as.Len(edits, 1)

			c.mu.Lock()
			defer c.mu.Unlock()

			as.NotEmpty(c.applied)
			applied := c.applied[len(c.applied)-1]
			as.Equal(edits, applied.Edit.Changes[docURI])
		})
	}

	t.Run("missing argument", func(t *testing.T) {
		err := c.call(t, protocol.MethodWorkspaceExecuteCommand, &protocol.ExecuteCommandParams{
			Command: CommandFormat,
		}, nil)
		requireInvalidParams(t, err, "expects a document URI")
	})

	t.Run("unknown command", func(t *testing.T) {
		err := c.call(t, protocol.MethodWorkspaceExecuteCommand, &protocol.ExecuteCommandParams{
			Command: "vfmt.unknown",
		}, nil)
		requireInvalidParams(t, err, "unknown command")
	})
}

func TestPromptCharset(t *testing.T) {
	as := require.New(t)

	fake := test.NewFakeFormatter(t, test.WithOutput(formatted))
	c, _ := setup(t, "--formatter", fake.Path, "--prompt-charset")

	_, docURI := tempDocument(t, unformatted)

	t.Run("selected", func(t *testing.T) {
		c.setAction("GBK")

		as.Len(c.format(t, docURI), 1)
		as.Equal([]string{"-f", fake.Calls(t)[0], "-c", "GBK"}, fake.Args(t))
	})

	t.Run("dismissed", func(t *testing.T) {
		c.setAction("")

		as.Empty(c.format(t, docURI))

		// verilog-format was not run again
		as.Len(fake.Calls(t), 1)

		c.mu.Lock()
		defer c.mu.Unlock()

		as.Equal(2, c.prompts)
	})
}

func TestDidChangeConfiguration(t *testing.T) {
	as := require.New(t)

	fake := test.NewFakeFormatter(t, test.WithOutput(formatted))
	c, server := setup(t)

	_, docURI := tempDocument(t, unformatted)

	c.notify(t, protocol.MethodWorkspaceDidChangeConfiguration, &protocol.DidChangeConfigurationParams{
		Settings: map[string]interface{}{
			"verilog-format": map[string]interface{}{
				"path":    fake.Path,
				"charset": "GBK",
			},
		},
	})

	as.Len(c.format(t, docURI), 1)
	as.Equal([]string{"-f", fake.Calls(t)[0], "-c", "GBK"}, fake.Args(t))

	// an invalid charset is reported and the previous configuration kept
	c.notify(t, protocol.MethodWorkspaceDidChangeConfiguration, &protocol.DidChangeConfigurationParams{
		Settings: map[string]interface{}{
			"verilog-format": map[string]interface{}{"charset": "latin1"},
		},
	})

	as.Len(c.format(t, docURI), 1)
	as.Equal("GBK", server.Config().VerilogFormat.Charset)
	as.Equal(fake.Path, server.Config().VerilogFormat.Path)

	c.mu.Lock()
	defer c.mu.Unlock()

	var reported bool

	for _, msg := range c.messages {
		if msg.Type == protocol.MessageTypeError {
			as.Contains(msg.Message, "charset must be one of")

			reported = true
		}
	}

	as.True(reported)
}

func TestShutdown(t *testing.T) {
	as := require.New(t)

	fake := test.NewFakeFormatter(t, test.WithOutput(formatted))
	c, _ := setup(t, "--formatter", fake.Path)

	_, docURI := tempDocument(t, unformatted)

	as.NoError(c.call(t, protocol.MethodShutdown, nil, nil))

	err := c.call(t, protocol.MethodTextDocumentFormatting, &protocol.DocumentFormattingParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: docURI},
	}, nil)
	as.ErrorContains(err, ErrShutdown.Error())
	as.Nil(fake.Args(t))

	c.notify(t, protocol.MethodExit, nil)
	<-c.conn.Done()
}

func TestUnknownMethod(t *testing.T) {
	c, _ := setup(t)

	err := c.call(t, "vfmt/unknown", nil, nil)
	require.ErrorContains(t, err, "method not found")
}

func TestMalformedParams(t *testing.T) {
	c, _ := setup(t)

	err := c.call(t, protocol.MethodTextDocumentFormatting, "not an object", nil)
	requireInvalidParams(t, err, protocol.MethodTextDocumentFormatting)
}
