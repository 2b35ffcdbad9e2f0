package script

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// isDefinitionFile reports whether name looks like a script definition.
func isDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// ParseFile reads and validates one script definition.
func ParseFile(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var s Script
	unmarshal := yaml.Unmarshal
	if strings.EqualFold(filepath.Ext(path), ".json") {
		unmarshal = json.Unmarshal
	}
	if err := unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalidScript, path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &s, nil
}

// LoadDir parses every definition file directly under dir. Files that fail
// to parse or validate are logged and skipped. When two files declare the
// same slug the first in name order wins. A missing directory yields an
// empty set.
func LoadDir(dir string, logger *slog.Logger) (map[string]*Script, error) {
	scripts := make(map[string]*Script)

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("scripts directory does not exist", "dir", dir)
		return scripts, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading scripts directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, e := range entries {
		if e.IsDir() || !isDefinitionFile(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())

		s, err := ParseFile(path)
		if err != nil {
			logger.Warn("skipping script file", "file", path, "error", err)
			continue
		}
		if prev, ok := scripts[s.Slug]; ok {
			logger.Warn("duplicate script slug, keeping first", "slug", s.Slug, "file", path, "kept", prev.Name)
			continue
		}
		scripts[s.Slug] = s
		logger.Debug("loaded script", "slug", s.Slug, "questions", len(s.Questions()))
	}

	return scripts, nil
}
