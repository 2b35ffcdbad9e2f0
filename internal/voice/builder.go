package voice

import (
	"fmt"
	"strings"

	"github.com/flowpbx/callscript/internal/callstate"
	"github.com/flowpbx/callscript/internal/script"
)

// AnswerPath is the webhook every Gather posts to.
const AnswerPath = "/voice/answer"

// Fallback texts spoken when a script has no recording or flow item for
// the prompt.
const (
	TextGreeting      = "Hello! Press any key to continue."
	TextError         = "Sorry, I didn't catch that. Please try again."
	TextOutroComplete = "Thank you for your responses. Have a great day!"
	TextOutroNoInput  = "Thank you for your time. Goodbye!"
	TextSystemError   = "System error. Script not found."
)

const (
	greetingTimeout = 10
	questionTimeout = 4
)

// OutroReason selects the closing text.
type OutroReason int

const (
	OutroCompleted OutroReason = iota
	OutroNoInput
)

// AudioSource finds pre-rendered recordings.
type AudioSource interface {
	Exists(slug, key string) bool
	URL(slug, key string) string
}

// StateEncoder serializes conversation state into a callback query string.
type StateEncoder interface {
	Encode(st callstate.State) (string, error)
}

// Builder renders the prompts of a script. It is the only place that
// writes conversation state into callback addresses.
type Builder struct {
	audio   AudioSource
	state   StateEncoder
	baseURL string
}

// NewBuilder creates a Builder. Callback addresses are absolute under
// baseURL.
func NewBuilder(audio AudioSource, state StateEncoder, baseURL string) *Builder {
	return &Builder{
		audio:   audio,
		state:   state,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// VoiceFor maps a script voice type and language to a provider voice.
func VoiceFor(vt script.VoiceType, language string) string {
	if strings.HasPrefix(strings.ToLower(language), "hi-") {
		return "Polly.Aditi"
	}
	switch vt {
	case script.VoiceMale:
		return "Polly.Matthew"
	case script.VoiceNeutral:
		return "Polly.Salli"
	default:
		return "Polly.Joanna"
	}
}

func (b *Builder) say(s *script.Script, text string) *Say {
	return &Say{Voice: VoiceFor(s.VoiceType, s.Language), Language: s.Language, Text: text}
}

// prompt plays the recording for key when one exists, otherwise speaks the
// text of the flow item with that key, otherwise speaks fallback.
func (b *Builder) prompt(s *script.Script, key, fallback string) Verb {
	if b.audio.Exists(s.Slug, key) {
		return &Play{URL: b.audio.URL(s.Slug, key)}
	}
	if it, ok := s.Item(key); ok && strings.TrimSpace(it.Text) != "" {
		return b.say(s, it.Text)
	}
	return b.say(s, fallback)
}

func (b *Builder) action(st callstate.State) (string, error) {
	q, err := b.state.Encode(st)
	if err != nil {
		return "", err
	}
	return b.baseURL + AnswerPath + "?" + q, nil
}

// Greeting plays the introduction and waits for any key, posting the
// start state.
func (b *Builder) Greeting(s *script.Script) (*Response, error) {
	action, err := b.action(callstate.State{Script: s.Slug, Step: callstate.StartStep})
	if err != nil {
		return nil, err
	}
	r := &Response{}
	r.Add(
		b.prompt(s, script.KeyIntro, TextGreeting),
		&Gather{
			Input:     "dtmf",
			Action:    action,
			Method:    "POST",
			Timeout:   greetingTimeout,
			NumDigits: 1,
		},
	)
	return r, nil
}

// Question asks question step and gathers the answer.
func (b *Builder) Question(s *script.Script, step, retry int) (*Response, error) {
	r := &Response{}
	if err := b.appendQuestion(r, s, step, retry); err != nil {
		return nil, err
	}
	return r, nil
}

// Reprompt apologizes and asks question step again with the given retry
// count.
func (b *Builder) Reprompt(s *script.Script, step, retry int) (*Response, error) {
	r := &Response{}
	r.Add(b.ErrorPrompt(s))
	if err := b.appendQuestion(r, s, step, retry); err != nil {
		return nil, err
	}
	return r, nil
}

// ErrorPrompt is the apology played before a repeated question.
func (b *Builder) ErrorPrompt(s *script.Script) Verb {
	return b.prompt(s, script.KeyError, TextError)
}

func (b *Builder) appendQuestion(r *Response, s *script.Script, step, retry int) error {
	qs := s.Questions()
	if step < 0 || step >= len(qs) {
		return fmt.Errorf("question %d out of range for %q (%d questions)", step, s.Slug, len(qs))
	}
	q := qs[step]

	action, err := b.action(callstate.State{Script: s.Slug, Step: step, Retry: retry})
	if err != nil {
		return err
	}

	var ask Verb
	if b.audio.Exists(s.Slug, q.Key) {
		ask = &Play{URL: b.audio.URL(s.Slug, q.Key)}
	} else {
		ask = b.say(s, q.Text)
	}

	r.Add(ask, &Gather{
		Input:               "dtmf speech",
		Action:              action,
		Method:              "POST",
		Timeout:             questionTimeout,
		Hints:               q.Hints,
		Language:            s.Language,
		SpeechModel:         "phone_call",
		Enhanced:            true,
		ActionOnEmptyResult: true,
	})
	return nil
}

// Outro closes the conversation and hangs up.
func (b *Builder) Outro(s *script.Script, reason OutroReason) *Response {
	text := TextOutroComplete
	if reason == OutroNoInput {
		text = TextOutroNoInput
	}
	r := &Response{}
	return r.Add(b.prompt(s, script.KeyOutro, text), &Hangup{})
}

// SystemError ends a call whose script cannot be used.
func SystemError() *Response {
	r := &Response{}
	return r.Add(&Say{Text: TextSystemError}, &Hangup{})
}
