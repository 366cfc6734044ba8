package format

import (
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
)

// LocalSettingsFile is the name of the per-directory settings file picked up from the document's directory.
const LocalSettingsFile = ".verilog-format.properties"

// ValidFile reports whether path is non-empty and names an existing filesystem entry.
// It does not check file type or permissions. Any error accessing path is treated as invalid.
func ValidFile(path string) bool {
	if path == "" {
		return false
	}

	_, err := os.Stat(path)

	return err == nil
}

// LocalSettings returns the path of the settings file next to the document at docPath.
func LocalSettings(docPath string) string {
	return filepath.Join(filepath.Dir(docPath), LocalSettingsFile)
}

// ResolveSettings determines which settings file, if any, should be passed to verilog-format for the document at
// docPath. A settings file next to the document wins over the global settings file. An empty string means no
// settings file should be passed.
func ResolveSettings(docPath string, global string) string {
	if docPath != "" {
		if local := LocalSettings(docPath); ValidFile(local) {
			log.Debugf("using local settings: %s", local)

			return local
		}
	}

	if ValidFile(global) {
		log.Debugf("using global settings: %s", global)

		return global
	}

	return ""
}
