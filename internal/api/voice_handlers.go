package api

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/flowpbx/callscript/internal/callstate"
	"github.com/flowpbx/callscript/internal/conversation"
	"github.com/flowpbx/callscript/internal/voice"
)

// Provider webhook form fields.
const (
	fieldCallSid   = "CallSid"
	fieldSpeech    = "SpeechResult"
	fieldDigits    = "Digits"
	fieldFrom      = "From"
	fieldTo        = "To"
	fieldDirection = "Direction"
)

// webhookForm returns the provider fields of a webhook. POST bodies are
// the usual case; a GET webhook carries them in the query.
func webhookForm(r *http.Request) url.Values {
	if err := r.ParseForm(); err != nil {
		slog.Warn("webhook: unreadable form", "error", err, "path", r.URL.Path)
	}
	if r.Method == http.MethodGet {
		return r.URL.Query()
	}
	return r.PostForm
}

// callerPhone is the remote party: the dialled number for calls we
// originated, the calling number otherwise.
func callerPhone(form url.Values) string {
	if strings.HasPrefix(form.Get(fieldDirection), "outbound") {
		return form.Get(fieldTo)
	}
	return form.Get(fieldFrom)
}

// handleVoiceStart answers the first webhook of a call with the greeting.
func (s *Server) handleVoiceStart(w http.ResponseWriter, r *http.Request) {
	form := webhookForm(r)
	res := s.conversation.Start(r.Context(), conversation.StartInput{
		Script: r.URL.Query().Get(callstate.ParamScript),
		CallID: form.Get(fieldCallSid),
		Phone:  callerPhone(form),
	})
	writeTwiML(w, res.Response)
}

// handleVoiceAnswer handles every gather callback. The conversation state
// is read from the callback query only, never from the form body.
func (s *Server) handleVoiceAnswer(w http.ResponseWriter, r *http.Request) {
	form := webhookForm(r)
	res := s.conversation.Answer(r.Context(), conversation.AnswerInput{
		Params: r.URL.Query(),
		Speech: form.Get(fieldSpeech),
		Digits: form.Get(fieldDigits),
		CallID: form.Get(fieldCallSid),
		Phone:  callerPhone(form),
	})
	writeTwiML(w, res.Response)
}

// handleWebhookThrottled answers a rate-limited webhook with a short pause
// and a redirect back to the same callback. The caller's input travels in
// the redirect query, which is where GET webhooks are read from.
func (s *Server) handleWebhookThrottled(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			slog.Warn("webhook: unreadable form", "error", err, "path", r.URL.Path)
		}
		for _, k := range []string{fieldSpeech, fieldDigits} {
			if v := r.PostForm.Get(k); v != "" && q.Get(k) == "" {
				q.Set(k, v)
			}
		}
	}

	target := strings.TrimRight(s.cfg.BaseURL, "/") + r.URL.Path
	if enc := q.Encode(); enc != "" {
		target += "?" + enc
	}
	writeTwiML(w, voice.RetryLater(target))
}
