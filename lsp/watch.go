package lsp

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.lsp.dev/protocol"
)

// WatchConfig reloads the configuration whenever the config file at path is written, until ctx is cancelled or the
// client exits. Settings received from the client are applied again on top of the new file contents.
func (s *Server) WatchConfig(ctx context.Context, path string) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to get absolute path for %s: %w", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	s.cfgMu.Lock()
	s.configData = data
	s.cfgMu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// watch the directory, as editors often replace a file rather than writing to it
	if err = watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()

		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.exited:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				if filepath.Clean(event.Name) != path || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
					continue
				}

				s.log.Infof("config file changed: %s", path)

				if err := s.reloadConfigFile(path); err != nil {
					s.showMessage(ctx, protocol.MessageTypeError, fmt.Sprintf("failed to reload %s: %v", path, err))
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}

				s.log.Warnf("failed to watch %s: %v", path, err)
			}
		}
	}()

	return nil
}

func (s *Server) reloadConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	if err = s.loadConfigData(data); err != nil {
		// put the last accepted file back so none of the rejected values linger in viper
		if restoreErr := s.loadConfigData(s.configData); restoreErr != nil {
			s.log.Errorf("failed to restore previous config file: %v", restoreErr)
		}

		return err
	}

	s.configData = data

	return nil
}

// loadConfigData replaces the config file values with data, applies the client settings on top and reloads.
func (s *Server) loadConfigData(data []byte) error {
	if err := s.v.ReadConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	for _, settings := range s.clientSettings {
		if err := s.v.MergeConfigMap(settings); err != nil {
			return fmt.Errorf("failed to merge client settings: %w", err)
		}
	}

	return s.reloadLocked()
}
