package format

import (
	"fmt"
	"os"
	"strings"
)

// StagingFile is a temporary copy of a document used as verilog-format's input and output.
// It is owned by a single format request and must be removed once the request completes.
type StagingFile struct {
	path string
}

// Stage writes text into a newly created temporary file, keeping ext as the file's extension.
// Any failure is reported as ErrStaging and leaves nothing behind on disk.
func Stage(text string, ext string) (*StagingFile, error) {
	// the extension is only cosmetic, drop anything which could be mistaken for a path
	if strings.ContainsAny(ext, `/\*`) {
		ext = ""
	}

	file, err := os.CreateTemp("", "vfmt-*"+ext)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create temporary file: %w", ErrStaging, err)
	}

	staged := &StagingFile{path: file.Name()}

	if _, err = file.WriteString(text); err != nil {
		_ = file.Close()
		_ = staged.Remove()

		return nil, fmt.Errorf("%w: failed to write %s: %w", ErrStaging, staged.path, err)
	}

	if err = file.Close(); err != nil {
		_ = staged.Remove()

		return nil, fmt.Errorf("%w: failed to close %s: %w", ErrStaging, staged.path, err)
	}

	return staged, nil
}

// Path returns the absolute path of the staging file.
func (s *StagingFile) Path() string {
	return s.path
}

// Read returns the current contents of the staging file.
func (s *StagingFile) Read() (string, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", s.path, err)
	}

	return string(b), nil
}

// Remove deletes the staging file. Removing a file which no longer exists is not an error.
func (s *StagingFile) Remove() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", s.path, err)
	}

	return nil
}
