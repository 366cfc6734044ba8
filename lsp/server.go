// Package lsp serves the format pipeline over the Language Server Protocol.
package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/numtide/vfmt/config"
	"github.com/numtide/vfmt/document"
	"github.com/numtide/vfmt/format"
	"github.com/spf13/viper"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
)

var ErrShutdown = errors.New("server is shutting down")

// Server handles requests from a single client connection.
type Server struct {
	conn jsonrpc2.Conn
	v    *viper.Viper
	log  *log.Logger

	cfgMu     sync.RWMutex
	cfg       *config.Config
	formatter *format.Formatter
	// settings sent by the client, in the order they were applied
	clientSettings []map[string]interface{}
	// contents of the config file as last accepted
	configData []byte

	docMu     sync.RWMutex
	documents map[protocol.DocumentURI]string

	shutdown atomic.Bool
	exitOnce sync.Once
	exited   chan struct{}
}

// New creates a server for conn, reading its configuration from v.
// Settings sent by the client are merged into v, so flags and env bound to v keep their precedence.
func New(conn jsonrpc2.Conn, v *viper.Viper) (*Server, error) {
	s := &Server{
		conn:      conn,
		v:         v,
		log:       log.WithPrefix("lsp"),
		documents: make(map[protocol.DocumentURI]string),
		exited:    make(chan struct{}),
	}

	if err := s.reload(); err != nil {
		return nil, err
	}

	return s, nil
}

// Config returns the configuration currently in use.
func (s *Server) Config() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()

	return s.cfg
}

// Exited is closed once the client has sent the exit notification.
func (s *Server) Exited() <-chan struct{} {
	return s.exited
}

// ShutdownRequested reports whether the client asked the server to shut down.
func (s *Server) ShutdownRequested() bool {
	return s.shutdown.Load()
}

func (s *Server) Handle(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	s.log.Debugf("received %s", req.Method())

	switch req.Method() {
	case protocol.MethodInitialize:
		return s.handleInitialize(ctx, reply, req)
	case protocol.MethodInitialized:
		return reply(ctx, nil, nil)
	case protocol.MethodTextDocumentDidOpen:
		return s.handleDidOpen(ctx, reply, req)
	case protocol.MethodTextDocumentDidChange:
		return s.handleDidChange(ctx, reply, req)
	case protocol.MethodTextDocumentDidClose:
		return s.handleDidClose(ctx, reply, req)
	case protocol.MethodTextDocumentFormatting:
		return s.handleFormatting(ctx, reply, req)
	case protocol.MethodWorkspaceExecuteCommand:
		return s.handleExecuteCommand(ctx, reply, req)
	case protocol.MethodWorkspaceDidChangeConfiguration:
		return s.handleDidChangeConfiguration(ctx, reply, req)
	case protocol.MethodShutdown:
		s.shutdown.Store(true)

		return reply(ctx, nil, nil)
	case protocol.MethodExit:
		s.log.Debug("exiting")
		s.exitOnce.Do(func() { close(s.exited) })

		return s.conn.Close()
	default:
		return jsonrpc2.MethodNotFoundHandler(ctx, reply, req)
	}
}

func (s *Server) handleInitialize(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.InitializeParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return replyInvalidParams(ctx, reply, req, err)
	}

	s.log.Infof("initializing for %s", params.RootURI)

	if params.InitializationOptions != nil {
		if err := s.applySettings(params.InitializationOptions); err != nil {
			return reply(ctx, nil, fmt.Errorf("failed to apply initialization options: %w", err))
		}
	}

	return reply(ctx, protocol.InitializeResult{
		Capabilities: serverCapabilities(),
		ServerInfo:   serverInfo(),
	}, nil)
}

func (s *Server) handleDidOpen(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.DidOpenTextDocumentParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return replyInvalidParams(ctx, reply, req, err)
	}

	s.docMu.Lock()
	s.documents[params.TextDocument.URI] = params.TextDocument.Text
	s.docMu.Unlock()

	return reply(ctx, nil, nil)
}

// contentChange is a protocol.TextDocumentContentChangeEvent whose range can be told apart from an empty one.
// A missing range replaces the whole document.
type contentChange struct {
	Range *protocol.Range `json:"range,omitempty"`
	Text  string          `json:"text"`
}

type didChangeParams struct {
	TextDocument   protocol.VersionedTextDocumentIdentifier `json:"textDocument"`
	ContentChanges []contentChange                          `json:"contentChanges"`
}

func (s *Server) handleDidChange(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params didChangeParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return replyInvalidParams(ctx, reply, req, err)
	}

	s.docMu.Lock()
	defer s.docMu.Unlock()

	text := s.documents[params.TextDocument.URI]

	for _, change := range params.ContentChanges {
		if change.Range == nil {
			text = change.Text
		} else {
			text = document.Replace(text, *change.Range, change.Text)
		}
	}

	s.documents[params.TextDocument.URI] = text

	return reply(ctx, nil, nil)
}

func (s *Server) handleDidClose(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.DidCloseTextDocumentParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return replyInvalidParams(ctx, reply, req, err)
	}

	s.docMu.Lock()
	delete(s.documents, params.TextDocument.URI)
	s.docMu.Unlock()

	return reply(ctx, nil, nil)
}

func (s *Server) handleFormatting(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.DocumentFormattingParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return replyInvalidParams(ctx, reply, req, err)
	} else if s.shutdown.Load() {
		return reply(ctx, nil, ErrShutdown)
	}

	docURI := params.TextDocument.URI

	text, err := s.document(docURI)
	if err != nil {
		return reply(ctx, nil, err)
	}

	// formatting may prompt the client for a charset, so it cannot block the connection's read loop
	go func() {
		_ = reply(ctx, s.format(ctx, docURI, text), nil)
	}()

	return nil
}

func (s *Server) handleExecuteCommand(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.ExecuteCommandParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return replyInvalidParams(ctx, reply, req, err)
	}

	switch params.Command {
	case CommandFormat, CommandFormatAlias:
	default:
		return reply(ctx, nil, invalidParams("unknown command %q", params.Command))
	}

	if s.shutdown.Load() {
		return reply(ctx, nil, ErrShutdown)
	}

	var docURI protocol.DocumentURI

	if len(params.Arguments) > 0 {
		if arg, ok := params.Arguments[0].(string); ok {
			docURI = protocol.DocumentURI(arg)
		}
	}

	if docURI == "" {
		return reply(ctx, nil, invalidParams("%s expects a document URI argument", params.Command))
	}

	text, err := s.document(docURI)
	if err != nil {
		return reply(ctx, nil, err)
	}

	go func() {
		edits := s.format(ctx, docURI, text)
		if len(edits) > 0 {
			s.applyEdits(ctx, docURI, edits)
		}

		_ = reply(ctx, edits, nil)
	}()

	return nil
}

func (s *Server) handleDidChangeConfiguration(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.DidChangeConfigurationParams
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return replyInvalidParams(ctx, reply, req, err)
	}

	if err := s.applySettings(params.Settings); err != nil {
		s.showMessage(ctx, protocol.MessageTypeError, fmt.Sprintf("failed to apply settings: %v", err))
	}

	return reply(ctx, nil, nil)
}

// applySettings merges a settings object such as {"verilog-format": {"path": "..."}} into the configuration.
// The previous configuration stays in place when the result is invalid.
func (s *Server) applySettings(settings interface{}) error {
	values, ok := settings.(map[string]interface{})
	if !ok {
		return fmt.Errorf("expected a settings object, got %T", settings)
	}

	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	previous := s.v.AllSettings()

	if err := s.v.MergeConfigMap(values); err != nil {
		return fmt.Errorf("failed to merge settings: %w", err)
	}

	if err := s.reloadLocked(); err != nil {
		if restoreErr := s.v.MergeConfigMap(previous); restoreErr != nil {
			s.log.Errorf("failed to restore previous settings: %v", restoreErr)
		}

		return err
	}

	s.clientSettings = append(s.clientSettings, values)

	return nil
}

func (s *Server) reload() error {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	return s.reloadLocked()
}

func (s *Server) reloadLocked() error {
	cfg, err := config.FromViper(s.v)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var selector format.CharsetSelector
	if cfg.VerilogFormat.PromptCharset {
		selector = format.CharsetSelectorFunc(s.promptCharset)
	}

	s.cfg = cfg
	s.formatter = format.New(cfg, s, selector)

	s.log.Debugf("verilog-format = %q, charset = %q", cfg.VerilogFormat.Path, cfg.VerilogFormat.Charset)

	return nil
}

// document returns the synchronized content of docURI, falling back to the file on disk for documents the client
// never opened.
func (s *Server) document(docURI protocol.DocumentURI) (string, error) {
	s.docMu.RLock()
	text, ok := s.documents[docURI]
	s.docMu.RUnlock()

	if ok {
		return text, nil
	}

	path := documentPath(docURI)
	if path == "" {
		return "", invalidParams("unknown document %s", docURI)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}

	return string(b), nil
}

// format runs text through the pipeline. Failures have already been reported to the user by the time it returns,
// so they only result in an empty set of edits.
func (s *Server) format(ctx context.Context, docURI protocol.DocumentURI, text string) []protocol.TextEdit {
	s.cfgMu.RLock()
	formatter := s.formatter
	s.cfgMu.RUnlock()

	result, err := formatter.Format(ctx, &format.Request{
		Text: text,
		Path: documentPath(docURI),
	})
	if err != nil {
		s.log.Debugf("failed to format %s: %v", docURI, err)
	}

	if len(result.Edits) == 0 {
		return []protocol.TextEdit{}
	}

	return result.Edits
}

func (s *Server) applyEdits(ctx context.Context, docURI protocol.DocumentURI, edits []protocol.TextEdit) {
	params := &protocol.ApplyWorkspaceEditParams{
		Label: "Format Verilog",
		Edit: protocol.WorkspaceEdit{
			Changes: map[protocol.DocumentURI][]protocol.TextEdit{docURI: edits},
		},
	}

	var resp protocol.ApplyWorkspaceEditResponse
	if _, err := s.conn.Call(ctx, protocol.MethodWorkspaceApplyEdit, params, &resp); err != nil {
		s.showMessage(ctx, protocol.MessageTypeError, fmt.Sprintf("failed to apply edits: %v", err))
	} else if !resp.Applied {
		s.showMessage(ctx, protocol.MessageTypeError, "failed to apply edits: "+resp.FailureReason)
	}
}

// promptCharset asks the user which charset verilog-format should use for the current request.
func (s *Server) promptCharset(ctx context.Context) (string, error) {
	actions := []protocol.MessageActionItem{{Title: format.DefaultCharset}}

	for _, charset := range config.Charsets {
		if charset != format.DefaultCharset {
			actions = append(actions, protocol.MessageActionItem{Title: charset})
		}
	}

	params := &protocol.ShowMessageRequestParams{
		Type:    protocol.MessageTypeInfo,
		Message: "Select the charset passed to verilog-format",
		Actions: actions,
	}

	var action *protocol.MessageActionItem
	if _, err := s.conn.Call(ctx, protocol.MethodWindowShowMessageRequest, params, &action); err != nil {
		return "", fmt.Errorf("failed to request a charset: %w", err)
	}

	if action == nil || action.Title == "" {
		return "", format.ErrSelectionCancelled
	}

	return config.NormalizeCharset(action.Title)
}

// Info implements format.Notifier.
func (s *Server) Info(ctx context.Context, message string) {
	s.showMessage(ctx, protocol.MessageTypeInfo, message)
}

// Error implements format.Notifier.
func (s *Server) Error(ctx context.Context, message string) {
	s.showMessage(ctx, protocol.MessageTypeError, message)
}

func (s *Server) showMessage(ctx context.Context, messageType protocol.MessageType, message string) {
	params := &protocol.ShowMessageParams{Type: messageType, Message: message}
	if err := s.conn.Notify(ctx, protocol.MethodWindowShowMessage, params); err != nil {
		s.log.Errorf("failed to send window message: %v", err)
	}
}

func replyInvalidParams(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request, err error) error {
	return reply(ctx, nil, invalidParams("%s: %v", req.Method(), err))
}

// invalidParams builds an error reply which keeps its message, as a wrapped jsonrpc2 error is sent without one.
func invalidParams(format string, args ...interface{}) *jsonrpc2.Error {
	return jsonrpc2.NewError(jsonrpc2.InvalidParams, fmt.Sprintf(format, args...))
}

// documentPath returns the local path of a file URI, or an empty string for any other scheme.
func documentPath(docURI protocol.DocumentURI) string {
	if !strings.HasPrefix(string(docURI), uri.FileScheme+"://") {
		return ""
	}

	return uri.URI(docURI).Filename()
}
