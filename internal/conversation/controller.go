// Package conversation implements the per-webhook state machine of a
// scripted call. Each webhook is handled on its own: the position of the
// conversation arrives in the callback parameters, the controller decides
// the next step and returns the TwiML document to play. Storage and
// notification failures are logged and never stop the call from getting
// a valid document.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/flowpbx/callscript/internal/callstate"
	"github.com/flowpbx/callscript/internal/database"
	"github.com/flowpbx/callscript/internal/database/models"
	"github.com/flowpbx/callscript/internal/notify"
	"github.com/flowpbx/callscript/internal/script"
	"github.com/flowpbx/callscript/internal/voice"
)

// Outcome names the transition a webhook produced.
type Outcome string

const (
	OutcomeGreeting   Outcome = "greeting"
	OutcomeQuestion   Outcome = "question"
	OutcomeRetry      Outcome = "retry"
	OutcomeCompleted  Outcome = "completed"
	OutcomeNoInput    Outcome = "no_input"
	OutcomeOutOfRange Outcome = "out_of_range"
	OutcomeNotFound   Outcome = "script_not_found"
	OutcomeBadState   Outcome = "bad_state"
	OutcomeError      Outcome = "error"
)

// ScriptResolver finds a script by slug, returning script.ErrNotFound when
// there is none.
type ScriptResolver interface {
	Resolve(ctx context.Context, slug string) (*script.Script, error)
}

// StateDecoder reads the conversation state from callback parameters.
type StateDecoder interface {
	Decode(q url.Values) (callstate.State, error)
}

// Notifier accepts a completion event for delivery.
type Notifier interface {
	Notify(ctx context.Context, ev notify.CompletionEvent) error
}

// Recorder counts outcomes. It may be nil.
type Recorder interface {
	Transition(outcome string)
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Scripts  ScriptResolver
	State    StateDecoder
	Answers  database.AnswerRepository
	Calls    database.CallRepository
	Prompts  *voice.Builder
	Notifier Notifier
	Recorder Recorder
	Logger   *slog.Logger
}

// Controller runs the conversation state machine.
type Controller struct {
	scripts  ScriptResolver
	state    StateDecoder
	answers  database.AnswerRepository
	calls    database.CallRepository
	prompts  *voice.Builder
	notifier Notifier
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Controller.
func New(d Deps) *Controller {
	return &Controller{
		scripts:  d.Scripts,
		state:    d.State,
		answers:  d.Answers,
		calls:    d.Calls,
		prompts:  d.Prompts,
		notifier: d.Notifier,
		recorder: d.Recorder,
		logger:   d.Logger.With("component", "conversation"),
		now:      time.Now,
	}
}

// Result is the document to return and what produced it.
type Result struct {
	Response *voice.Response
	Outcome  Outcome
}

// StartInput is the first webhook of a call.
type StartInput struct {
	Script string
	CallID string
	Phone  string
}

// AnswerInput is every later webhook of a call.
type AnswerInput struct {
	Params url.Values // callback query: step, retry, script and optional sig
	Speech string
	Digits string
	CallID string
	Phone  string
}

// Start greets the caller and records the call.
func (c *Controller) Start(ctx context.Context, in StartInput) Result {
	log := c.logger.With("call_id", in.CallID, "script", in.Script)

	s, res, ok := c.resolve(ctx, log, in.Script)
	if !ok {
		return res
	}

	if in.CallID != "" {
		err := c.calls.Start(ctx, &models.Call{CallID: in.CallID, ScriptSlug: s.Slug, Phone: in.Phone})
		if err != nil {
			log.Error("recording call start failed", "error", err)
		}
	}

	r, err := c.prompts.Greeting(s)
	if err != nil {
		return c.fail(log, err)
	}
	return c.done(log, r, OutcomeGreeting, "step", callstate.StartStep)
}

// Answer handles a callback from a Gather.
func (c *Controller) Answer(ctx context.Context, in AnswerInput) Result {
	st, err := c.state.Decode(in.Params)
	log := c.logger.With("call_id", in.CallID, "script", st.Script, "step", st.Step, "retry", st.Retry)
	if err != nil {
		log.Warn("rejecting callback state", "error", err)
		return c.done(log, voice.SystemError(), OutcomeBadState)
	}

	s, res, ok := c.resolve(ctx, log, st.Script)
	if !ok {
		return res
	}
	questions := s.Questions()

	if st.Step == callstate.StartStep {
		return c.ask(log, s, 0, 0, OutcomeQuestion)
	}

	if st.Step >= len(questions) {
		log.Warn("step beyond last question", "questions", len(questions))
		return c.done(log, c.prompts.Outro(s, voice.OutroNoInput), OutcomeOutOfRange)
	}

	input := userInput(in.Speech, in.Digits)
	if input == "" {
		if st.Retry >= callstate.MaxRetry {
			c.endCall(ctx, log, in.CallID, models.CallStatusFailed)
			return c.done(log, c.prompts.Outro(s, voice.OutroNoInput), OutcomeNoInput)
		}
		r, err := c.prompts.Reprompt(s, st.Step, st.Retry+1)
		if err != nil {
			return c.fail(log, err)
		}
		return c.done(log, r, OutcomeRetry)
	}

	q := questions[st.Step]
	if in.CallID == "" {
		log.Warn("webhook without call id, answer not saved", "question", q.Key)
	} else {
		c.saveAnswer(ctx, log, q.Key, input, in)
	}

	next := st.Step + 1
	if next >= len(questions) {
		if in.CallID != "" {
			c.complete(ctx, log, s, in, q.Key, input)
		}
		return c.done(log, c.prompts.Outro(s, voice.OutroCompleted), OutcomeCompleted)
	}

	return c.ask(log, s, next, 0, OutcomeQuestion)
}

func (c *Controller) saveAnswer(ctx context.Context, log *slog.Logger, key, value string, in AnswerInput) {
	answer := &models.Answer{CallID: in.CallID, QuestionKey: key, Value: value}
	if in.Phone != "" {
		phone := in.Phone
		answer.Phone = &phone
	}
	if err := c.answers.Upsert(ctx, answer); err != nil {
		log.Error("saving answer failed", "question", key, "error", err)
		return
	}
	log.Debug("answer saved", "question", key)
}

// userInput prefers non-blank speech over keyed digits.
func userInput(speech, digits string) string {
	if s := strings.TrimSpace(speech); s != "" {
		return s
	}
	return strings.TrimSpace(digits)
}

func (c *Controller) resolve(ctx context.Context, log *slog.Logger, slug string) (*script.Script, Result, bool) {
	s, err := c.scripts.Resolve(ctx, slug)
	if err == nil {
		return s, Result{}, true
	}
	if errors.Is(err, script.ErrNotFound) {
		log.Warn("script not found")
		return nil, c.done(log, voice.SystemError(), OutcomeNotFound), false
	}
	return nil, c.fail(log, err), false
}

func (c *Controller) ask(log *slog.Logger, s *script.Script, step, retry int, outcome Outcome) Result {
	r, err := c.prompts.Question(s, step, retry)
	if err != nil {
		return c.fail(log, err)
	}
	return c.done(log, r, outcome, "next_step", step)
}

// complete closes the call record and queues its completion event. The
// outbox keeps one event per call, so a replayed final webhook does not
// notify twice.
func (c *Controller) complete(ctx context.Context, log *slog.Logger, s *script.Script, in AnswerInput, lastKey, lastValue string) {
	call := c.endCall(ctx, log, in.CallID, models.CallStatusCompleted)

	answers, err := c.answers.MapByCall(ctx, in.CallID)
	if err != nil {
		log.Error("loading answers for completion failed", "error", err)
		answers = map[string]string{}
	}
	answers[lastKey] = lastValue

	now := c.now()
	ev := notify.CompletionEvent{
		CallID:          in.CallID,
		Script:          s.Slug,
		Phone:           in.Phone,
		Answers:         answers,
		Status:          notify.StatusCompleted,
		DurationSeconds: durationSeconds(call, now),
		CompletedAt:     now,
	}
	if err := c.notifier.Notify(ctx, ev); err != nil {
		log.Error("queueing completion failed", "error", err)
	}
}

func (c *Controller) endCall(ctx context.Context, log *slog.Logger, callID, status string) *models.Call {
	if callID == "" {
		return nil
	}
	call, changed, err := c.calls.End(ctx, callID, status)
	if err != nil {
		log.Error("recording call end failed", "status", status, "error", err)
		return nil
	}
	if changed {
		log.Info("call ended", "status", status)
	}
	return call
}

// durationSeconds measures from the recorded start to the recorded end,
// or to now when the end is unknown.
func durationSeconds(call *models.Call, now time.Time) int {
	if call == nil || call.StartedAt.IsZero() {
		return 0
	}
	end := now
	if call.EndedAt != nil {
		end = *call.EndedAt
	}
	d := int(end.Sub(call.StartedAt) / time.Second)
	if d < 0 {
		return 0
	}
	return d
}

func (c *Controller) fail(log *slog.Logger, err error) Result {
	log.Error("conversation step failed", "error", err)
	return c.done(log, voice.SystemError(), OutcomeError)
}

func (c *Controller) done(log *slog.Logger, r *voice.Response, outcome Outcome, args ...any) Result {
	log.Info("conversation step", append([]any{"outcome", string(outcome)}, args...)...)
	if c.recorder != nil {
		c.recorder.Transition(string(outcome))
	}
	return Result{Response: r, Outcome: outcome}
}
