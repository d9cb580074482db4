package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// configFilePermissions is the standard permission mode for config files.
// Owner read/write, group and others read-only.
const configFilePermissions = 0o644

// configDirPermissions is the standard permission mode for config directories.
const configDirPermissions = 0o755

// sectionHeaderPrefix marks any top-level or dotted-table TOML header line,
// used to detect section boundaries in line-based edits.
const sectionHeaderPrefix = `[`

// configTemplate is the default config file content written on first login.
// Global settings are present as commented-out defaults so users can
// discover every option without reading docs. Written once; user edits to
// the rest of the file are preserved by the line-level edits below.
const configTemplate = `# dropbox-go configuration
# Docs: https://github.com/tonimelisma/dropbox-go

# -- Global settings --
# Uncomment and modify to override defaults.

# Log level: debug, info, warn, error
# [logging]
# log_level = "info"

# -- Profiles --
# Added automatically by 'login'. Each section name is the profile used
# with --profile. Filter, transfers, safety, sync, logging, and network
# settings may be overridden per profile by adding a nested table, e.g.
# [profile.work.filter].
`

// profileSection generates the TOML text for a new profile section.
func profileSection(name, appKey, accountID, syncDir, remotePath string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "\n[profile.%q]\n", name)
	fmt.Fprintf(&b, "sync_dir = %q\n", syncDir)

	if remotePath != "" && remotePath != defaultRemotePath {
		fmt.Fprintf(&b, "remote_path = %q\n", remotePath)
	}

	if appKey != "" {
		fmt.Fprintf(&b, "app_key = %q\n", appKey)
	}

	if accountID != "" {
		fmt.Fprintf(&b, "account_id = %q\n", accountID)
	}

	return b.String()
}

// CreateConfigWithProfile creates a new config file from the default
// template and appends a profile section. Used on first login when no
// config file exists. The write is atomic (temp file + rename) and parent
// directories are created as needed.
func CreateConfigWithProfile(path, name, appKey, accountID, syncDir, remotePath string) error {
	slog.Info("creating config file with profile",
		"path", path,
		"profile", name,
		"sync_dir", syncDir,
	)

	content := configTemplate + profileSection(name, appKey, accountID, syncDir, remotePath)

	return atomicWriteFile(path, []byte(content))
}

// AppendProfileSection appends a new profile section at the end of an
// existing config file. Used by logins for a second profile. The write is
// atomic to avoid partial writes on crash.
func AppendProfileSection(path, name, appKey, accountID, syncDir, remotePath string) error {
	slog.Info("appending profile section to config",
		"path", path,
		"profile", name,
		"sync_dir", syncDir,
	)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	content := string(data)

	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}

	content += profileSection(name, appKey, accountID, syncDir, remotePath)

	return atomicWriteFile(path, []byte(content))
}

// SetProfileKey finds a profile section by name and sets a key-value pair.
// If the key already exists within the section, its line is replaced. If
// not found, the key is inserted on the line after the section header.
//
// Value formatting: booleans ("true"/"false") are written without quotes;
// all other values are written as quoted strings.
func SetProfileKey(path, name, key, value string) error {
	slog.Info("setting profile key in config",
		"path", path,
		"profile", name,
		"key", key,
		"value", value,
	)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	lines := strings.Split(string(data), "\n")

	headerLine, sectionStart := findProfileHeader(lines, name)
	if sectionStart < 0 {
		return fmt.Errorf("profile section %q not found in config", name)
	}

	formattedValue := formatTOMLValue(value)
	newLine := fmt.Sprintf("%s = %s", key, formattedValue)

	lines = setKeyInSection(lines, headerLine, sectionStart, key, newLine)

	return atomicWriteFile(path, []byte(strings.Join(lines, "\n")))
}

// DeleteProfileKey removes a single key from a profile section. Idempotent:
// returns nil if the key does not exist in the section.
func DeleteProfileKey(path, name, key string) error {
	slog.Info("deleting profile key from config",
		"path", path,
		"profile", name,
		"key", key,
	)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	lines := strings.Split(string(data), "\n")

	headerLine, sectionStart := findProfileHeader(lines, name)
	if sectionStart < 0 {
		return fmt.Errorf("profile section %q not found in config", name)
	}

	lines = deleteKeyInSection(lines, headerLine, sectionStart, key)

	return atomicWriteFile(path, []byte(strings.Join(lines, "\n")))
}

// DeleteProfileSection removes a profile section (header + all keys) from
// the config file. Also removes blank lines immediately preceding the
// section header for clean formatting. Used by `logout --purge`.
func DeleteProfileSection(path, name string) error {
	slog.Info("deleting profile section from config", "path", path, "profile", name)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	lines := strings.Split(string(data), "\n")

	headerLine, sectionStart := findProfileHeader(lines, name)
	if sectionStart < 0 {
		return fmt.Errorf("profile section %q not found in config", name)
	}

	sectionEnd := findSectionEnd(lines, sectionStart)

	blankStart := headerLine
	for blankStart > 0 && strings.TrimSpace(lines[blankStart-1]) == "" {
		blankStart--
	}

	lines = append(lines[:blankStart], lines[sectionEnd:]...)

	return atomicWriteFile(path, []byte(strings.Join(lines, "\n")))
}

// findProfileHeader locates the line index of a profile section header.
// Returns the header line index and the section content start (header + 1).
// Returns -1 for both if the section is not found.
func findProfileHeader(lines []string, name string) (int, int) {
	header := fmt.Sprintf("[profile.%q]", name)

	for i, line := range lines {
		if strings.TrimSpace(line) == header {
			return i, i + 1
		}
	}

	return -1, -1
}

// findSectionEnd returns the index of the first line after the section's
// own content. This excludes blank lines and comments that precede the
// next section header (those belong to the next section's preamble, not
// this section's content).
func findSectionEnd(lines []string, sectionStart int) int {
	nextHeader := len(lines)

	for i := sectionStart; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if strings.HasPrefix(trimmed, sectionHeaderPrefix) {
			nextHeader = i

			break
		}
	}

	end := nextHeader
	for end > sectionStart {
		trimmed := strings.TrimSpace(lines[end-1])
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			end--

			continue
		}

		break
	}

	return end
}

// deleteKeyInSection removes a key line from a section if it exists.
// Returns the original slice unchanged if the key is not found.
func deleteKeyInSection(lines []string, headerLine, sectionStart int, key string) []string {
	sectionEnd := findSectionEnd(lines, sectionStart)
	keyPrefix := key + " "
	keyPrefixEq := key + "="

	for i := headerLine + 1; i < sectionEnd; i++ {
		trimmed := strings.TrimSpace(lines[i])
		if strings.HasPrefix(trimmed, keyPrefix) || strings.HasPrefix(trimmed, keyPrefixEq) {
			return append(lines[:i], lines[i+1:]...)
		}
	}

	return lines
}

// setKeyInSection either replaces an existing key line or inserts a new
// one after the section header.
func setKeyInSection(lines []string, headerLine, sectionStart int, key, newLine string) []string {
	sectionEnd := findSectionEnd(lines, sectionStart)
	keyPrefix := key + " "
	keyPrefixEq := key + "="

	for i := headerLine + 1; i < sectionEnd; i++ {
		trimmed := strings.TrimSpace(lines[i])
		if strings.HasPrefix(trimmed, keyPrefix) || strings.HasPrefix(trimmed, keyPrefixEq) {
			lines[i] = newLine

			return lines
		}
	}

	inserted := make([]string, 0, len(lines)+1)
	inserted = append(inserted, lines[:headerLine+1]...)
	inserted = append(inserted, newLine)
	inserted = append(inserted, lines[headerLine+1:]...)

	return inserted
}

// formatTOMLValue formats a value for TOML output. Booleans are written
// bare (true/false); all other values are quoted strings.
func formatTOMLValue(value string) string {
	if value == "true" || value == "false" {
		return value
	}

	return fmt.Sprintf("%q", value)
}

// atomicWriteFile writes data to a temporary file in the same directory as
// path, then renames it to the target path. This prevents partial writes
// from corrupting the config file on crash. Parent directories are created
// as needed.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return fmt.Errorf("syncing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}

// ConfigFileExists reports whether a config file exists at path.
func ConfigFileExists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}
