package script

import (
	"errors"
	"testing"

	"github.com/flowpbx/callscript/internal/database/models"
)

func demoScript() *Script {
	return &Script{
		Slug: "demo",
		Name: "Demo",
		Flow: []FlowItem{
			{Key: "intro", Text: "Welcome to the demo."},
			{Key: "q1", Text: "Pick a number.", Hints: "one,two", IsQuestion: true},
			{Key: "note", Text: "Almost done."},
			{Key: "q2", Text: "Do you agree?", IsQuestion: true},
		},
	}
}

func TestValidateDefaultsAndQuestions(t *testing.T) {
	s := demoScript()
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if s.Language != "en-US" {
		t.Errorf("Language = %q, want en-US", s.Language)
	}
	if s.VoiceType != VoiceFemale {
		t.Errorf("VoiceType = %q, want female", s.VoiceType)
	}

	qs := s.Questions()
	if len(qs) != 2 || qs[0].Key != "q1" || qs[1].Key != "q2" {
		t.Fatalf("Questions() = %+v, want q1,q2 in flow order", qs)
	}
	if qs[0].Hints != "one,two" {
		t.Errorf("Hints = %q", qs[0].Hints)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Script)
	}{
		{"bad slug", func(s *Script) { s.Slug = "Demo Script" }},
		{"empty slug", func(s *Script) { s.Slug = "" }},
		{"missing name", func(s *Script) { s.Name = " " }},
		{"unknown voice", func(s *Script) { s.VoiceType = "robot" }},
		{"duplicate key", func(s *Script) { s.Flow[3].Key = "q1" }},
		{"empty key", func(s *Script) { s.Flow[0].Key = "" }},
		{"path key", func(s *Script) { s.Flow[1].Key = "../q1" }},
		{"no questions", func(s *Script) {
			for i := range s.Flow {
				s.Flow[i].IsQuestion = false
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := demoScript()
			tt.mutate(s)
			err := s.Validate()
			if !errors.Is(err, ErrInvalidScript) {
				t.Fatalf("Validate() = %v, want ErrInvalidScript", err)
			}
		})
	}
}

func TestValidSlug(t *testing.T) {
	tests := []struct {
		slug string
		want bool
	}{
		{"demo", true},
		{"agro-sathi_2", true},
		{"0start", true},
		{"-leading", false},
		{"Upper", false},
		{"has space", false},
		{"../etc", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidSlug(tt.slug); got != tt.want {
			t.Errorf("ValidSlug(%q) = %v, want %v", tt.slug, got, tt.want)
		}
	}
}

func TestModelRoundTrip(t *testing.T) {
	s := demoScript()
	s.VoiceType = VoiceMale
	if err := s.Validate(); err != nil {
		t.Fatal(err)
	}
	m, err := s.ToModel()
	if err != nil {
		t.Fatalf("ToModel() error: %v", err)
	}
	m.Version = 4

	got, err := FromModel(m)
	if err != nil {
		t.Fatalf("FromModel() error: %v", err)
	}
	if got.Version != 4 || got.VoiceType != VoiceMale || len(got.Questions()) != 2 {
		t.Errorf("FromModel() = %+v", got)
	}
}

func TestFromModelRejectsBadFlow(t *testing.T) {
	_, err := FromModel(&models.Script{Slug: "demo", Name: "Demo", Flow: "{not json"})
	if !errors.Is(err, ErrInvalidScript) {
		t.Fatalf("FromModel() = %v, want ErrInvalidScript", err)
	}
}

func TestItem(t *testing.T) {
	s := demoScript()
	it, ok := s.Item(KeyIntro)
	if !ok || it.Text != "Welcome to the demo." {
		t.Errorf("Item(intro) = %+v, %v", it, ok)
	}
	if _, ok := s.Item(KeyOutro); ok {
		t.Error("Item(outro) found on a script without one")
	}
}
