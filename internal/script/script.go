// Package script holds the typed conversation script model and the ways a
// script is found at call time: the persistent store, and a file-backed
// cache registry that is reloaded as a whole.
package script

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/flowpbx/callscript/internal/database/models"
)

// ErrNotFound is returned when a slug resolves to no script.
var ErrNotFound = errors.New("script not found")

// ErrInvalidScript is wrapped by every validation failure.
var ErrInvalidScript = errors.New("invalid script")

// VoiceType selects the synthesized voice used for text prompts.
type VoiceType string

const (
	VoiceMale    VoiceType = "male"
	VoiceFemale  VoiceType = "female"
	VoiceNeutral VoiceType = "neutral"
)

// Valid reports whether v is a known voice type.
func (v VoiceType) Valid() bool {
	switch v {
	case VoiceMale, VoiceFemale, VoiceNeutral:
		return true
	}
	return false
}

const (
	defaultLanguage  = "en-US"
	defaultVoiceType = VoiceFemale
)

// Well-known flow keys for the non-question prompts. A script may carry
// items with these keys to override the built-in greeting, error and
// closing text.
const (
	KeyIntro = "intro"
	KeyError = "error"
	KeyOutro = "outro"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidSlug reports whether slug is acceptable as a script identifier.
func ValidSlug(slug string) bool {
	return slugPattern.MatchString(slug)
}

// FlowItem is one prompt in a script. Items with IsQuestion set are asked
// and answered; the rest are spoken text such as the introduction.
type FlowItem struct {
	Key        string `json:"key" yaml:"key"`
	Text       string `json:"text" yaml:"text"`
	Hints      string `json:"hints,omitempty" yaml:"hints,omitempty"`
	IsQuestion bool   `json:"is_question" yaml:"is_question"`
}

// Script is a loaded conversation definition. A Script value is never
// mutated after it has been validated; reloading produces a new value.
type Script struct {
	Slug      string     `json:"slug" yaml:"slug"`
	Name      string     `json:"name" yaml:"name"`
	Language  string     `json:"language" yaml:"language"`
	VoiceType VoiceType  `json:"voice_type" yaml:"voice_type"`
	Flow      []FlowItem `json:"flow" yaml:"flow"`
	Version   int        `json:"version,omitempty" yaml:"-"`

	questions []FlowItem
}

// Questions returns the question items in flow order.
func (s *Script) Questions() []FlowItem {
	if s.questions == nil {
		return filterQuestions(s.Flow)
	}
	return s.questions
}

// Item returns the flow item with the given key.
func (s *Script) Item(key string) (FlowItem, bool) {
	for _, it := range s.Flow {
		if it.Key == key {
			return it, true
		}
	}
	return FlowItem{}, false
}

func filterQuestions(flow []FlowItem) []FlowItem {
	qs := make([]FlowItem, 0, len(flow))
	for _, it := range flow {
		if it.IsQuestion {
			qs = append(qs, it)
		}
	}
	return qs
}

// Validate fills defaults, checks the script and caches its question list.
// Errors wrap ErrInvalidScript.
func (s *Script) Validate() error {
	if s.Language == "" {
		s.Language = defaultLanguage
	}
	if s.VoiceType == "" {
		s.VoiceType = defaultVoiceType
	}

	if !ValidSlug(s.Slug) {
		return fmt.Errorf("%w: slug %q must match %s", ErrInvalidScript, s.Slug, slugPattern)
	}
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidScript)
	}
	if !s.VoiceType.Valid() {
		return fmt.Errorf("%w: voice_type must be male, female or neutral, got %q", ErrInvalidScript, s.VoiceType)
	}

	seen := make(map[string]bool, len(s.Flow))
	for i, it := range s.Flow {
		if strings.TrimSpace(it.Key) == "" {
			return fmt.Errorf("%w: flow item %d has no key", ErrInvalidScript, i)
		}
		if strings.ContainsAny(it.Key, `/\`) || it.Key == "." || it.Key == ".." {
			return fmt.Errorf("%w: flow key %q is not a valid file name", ErrInvalidScript, it.Key)
		}
		if seen[it.Key] {
			return fmt.Errorf("%w: duplicate flow key %q", ErrInvalidScript, it.Key)
		}
		seen[it.Key] = true
	}

	qs := filterQuestions(s.Flow)
	if len(qs) == 0 {
		return fmt.Errorf("%w: flow has no questions", ErrInvalidScript)
	}
	s.questions = qs
	return nil
}

// FromModel decodes and validates a stored script row.
func FromModel(m *models.Script) (*Script, error) {
	s := &Script{
		Slug:      m.Slug,
		Name:      m.Name,
		Language:  m.Language,
		VoiceType: VoiceType(m.VoiceType),
		Version:   m.Version,
	}
	if err := json.Unmarshal([]byte(m.Flow), &s.Flow); err != nil {
		return nil, fmt.Errorf("%w: decoding flow of %q: %v", ErrInvalidScript, m.Slug, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// ToModel encodes the script for storage.
func (s *Script) ToModel() (*models.Script, error) {
	flow, err := json.Marshal(s.Flow)
	if err != nil {
		return nil, fmt.Errorf("encoding flow: %w", err)
	}
	return &models.Script{
		Slug:      s.Slug,
		Name:      s.Name,
		Language:  s.Language,
		VoiceType: string(s.VoiceType),
		Flow:      string(flow),
		Version:   s.Version,
	}, nil
}
