// Package audio manages the pre-rendered prompt recordings served to the
// telephony provider. Files live at <dir>/<slug>/<key>.mp3 and are reached
// at <baseURL>/static/<slug>/<key>.mp3.
package audio

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Ext is the file extension of every prompt recording.
const Ext = ".mp3"

// StaticPrefix is the URL path the recordings are served under.
const StaticPrefix = "/static"

// Library looks up and removes prompt recordings.
type Library struct {
	dir     string
	baseURL string
}

// NewLibrary returns a library rooted at dir whose files are public at
// baseURL + StaticPrefix.
func NewLibrary(dir, baseURL string) *Library {
	return &Library{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}
}

// Dir returns the root directory of the library.
func (l *Library) Dir() string {
	return l.dir
}

// validName rejects anything that could leave the library directory.
func validName(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

func (l *Library) path(slug, key string) (string, bool) {
	if !validName(slug) || !validName(key) {
		return "", false
	}
	return filepath.Join(l.dir, slug, key+Ext), true
}

// Exists reports whether a recording for slug/key is present.
func (l *Library) Exists(slug, key string) bool {
	p, ok := l.path(slug, key)
	if !ok {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// URL returns the public address of the recording for slug/key.
func (l *Library) URL(slug, key string) string {
	return l.baseURL + StaticPrefix + "/" + url.PathEscape(slug) + "/" + url.PathEscape(key) + Ext
}

// DeleteFailure describes a recording that could not be removed.
type DeleteFailure struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

// DeleteResult lists the outcome of a Delete call.
type DeleteResult struct {
	Deleted []string        `json:"deleted"`
	Failed  []DeleteFailure `json:"failed"`
}

// Delete removes the recordings for keys under slug. Keys without a file
// are skipped silently.
func (l *Library) Delete(slug string, keys []string) (DeleteResult, error) {
	res := DeleteResult{Deleted: []string{}, Failed: []DeleteFailure{}}
	if !validName(slug) {
		return res, fmt.Errorf("invalid script slug %q", slug)
	}

	for _, key := range keys {
		file := key + Ext
		p, ok := l.path(slug, key)
		if !ok {
			res.Failed = append(res.Failed, DeleteFailure{File: file, Error: "invalid key"})
			continue
		}
		err := os.Remove(p)
		switch {
		case err == nil:
			res.Deleted = append(res.Deleted, file)
		case errors.Is(err, fs.ErrNotExist):
		default:
			res.Failed = append(res.Failed, DeleteFailure{File: file, Error: err.Error()})
		}
	}
	return res, nil
}
