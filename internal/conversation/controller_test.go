package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/callscript/internal/callstate"
	"github.com/flowpbx/callscript/internal/database"
	"github.com/flowpbx/callscript/internal/database/models"
	"github.com/flowpbx/callscript/internal/notify"
	"github.com/flowpbx/callscript/internal/script"
	"github.com/flowpbx/callscript/internal/voice"
)

type fakeResolver map[string]*script.Script

func (f fakeResolver) Resolve(_ context.Context, slug string) (*script.Script, error) {
	if s, ok := f[slug]; ok {
		return s, nil
	}
	return nil, script.ErrNotFound
}

type memAnswers struct {
	mu      sync.Mutex
	rows    map[string]map[string]string
	writes  int
	failAll bool
}

func newMemAnswers() *memAnswers {
	return &memAnswers{rows: make(map[string]map[string]string)}
}

func (m *memAnswers) Upsert(_ context.Context, a *models.Answer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return errors.New("database is locked")
	}
	m.writes++
	if m.rows[a.CallID] == nil {
		m.rows[a.CallID] = make(map[string]string)
	}
	m.rows[a.CallID][a.QuestionKey] = a.Value
	return nil
}

func (m *memAnswers) ListByCall(_ context.Context, callID string) ([]models.Answer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Answer
	for k, v := range m.rows[callID] {
		out = append(out, models.Answer{CallID: callID, QuestionKey: k, Value: v})
	}
	return out, nil
}

func (m *memAnswers) MapByCall(_ context.Context, callID string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return nil, errors.New("database is locked")
	}
	out := make(map[string]string)
	for k, v := range m.rows[callID] {
		out[k] = v
	}
	return out, nil
}

type memCalls struct {
	mu    sync.Mutex
	calls map[string]*models.Call
	now   time.Time
}

func newMemCalls(now time.Time) *memCalls {
	return &memCalls{calls: make(map[string]*models.Call), now: now}
}

func (m *memCalls) Start(_ context.Context, c *models.Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.calls[c.CallID]; ok {
		return nil
	}
	cp := *c
	cp.Status = models.CallStatusInProgress
	cp.StartedAt = m.now
	m.calls[c.CallID] = &cp
	return nil
}

func (m *memCalls) GetByCallID(_ context.Context, id string) (*models.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[id], nil
}

func (m *memCalls) End(_ context.Context, id, status string) (*models.Call, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return nil, false, nil
	}
	if c.EndedAt != nil {
		return c, false, nil
	}
	end := m.now.Add(90 * time.Second)
	c.EndedAt = &end
	c.Status = status
	return c, true, nil
}

// memNotifier dedupes by call id like the outbox does.
type memNotifier struct {
	mu     sync.Mutex
	events map[string]notify.CompletionEvent
	calls  int
	err    error
}

func (m *memNotifier) Notify(_ context.Context, ev notify.CompletionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return m.err
	}
	if m.events == nil {
		m.events = make(map[string]notify.CompletionEvent)
	}
	if _, ok := m.events[ev.CallID]; !ok {
		m.events[ev.CallID] = ev
	}
	return nil
}

type noAudio struct{}

func (noAudio) Exists(string, string) bool { return false }
func (noAudio) URL(slug, key string) string {
	return "https://ivr.example.com/static/" + slug + "/" + key + ".mp3"
}

type countingRecorder struct{ outcomes []string }

func (r *countingRecorder) Transition(o string) { r.outcomes = append(r.outcomes, o) }

type harness struct {
	ctrl     *Controller
	answers  *memAnswers
	calls    *memCalls
	notifier *memNotifier
	recorder *countingRecorder
	codec    *callstate.Codec
}

func demoScript(t *testing.T) *script.Script {
	t.Helper()
	s := &script.Script{
		Slug: "demo",
		Name: "Demo",
		Flow: []script.FlowItem{
			{Key: "intro", Text: "Welcome."},
			{Key: "q1", Text: "Pick a number.", IsQuestion: true},
			{Key: "q2", Text: "Do you agree?", IsQuestion: true},
		},
	}
	if err := s.Validate(); err != nil {
		t.Fatal(err)
	}
	return s
}

func newHarness(t *testing.T, key []byte) *harness {
	t.Helper()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	codec := callstate.NewCodec(key)
	h := &harness{
		answers:  newMemAnswers(),
		calls:    newMemCalls(start),
		notifier: &memNotifier{},
		recorder: &countingRecorder{},
		codec:    codec,
	}
	h.ctrl = New(Deps{
		Scripts:  fakeResolver{"demo": demoScript(t)},
		State:    codec,
		Answers:  h.answers,
		Calls:    h.calls,
		Prompts:  voice.NewBuilder(noAudio{}, codec, "https://ivr.example.com"),
		Notifier: h.notifier,
		Recorder: h.recorder,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	h.ctrl.now = func() time.Time { return start.Add(2 * time.Minute) }
	return h
}

func params(step, retry int, slug string) url.Values {
	return url.Values{
		"step":   {strconv.Itoa(step)},
		"retry":  {strconv.Itoa(retry)},
		"script": {slug},
	}
}

func render(t *testing.T, r *voice.Response) string {
	t.Helper()
	b, err := voice.Encode(r)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

// gatherState returns the state encoded in the Gather action of r.
func gatherState(t *testing.T, r *voice.Response) callstate.State {
	t.Helper()
	for _, v := range r.Verbs {
		if g, ok := v.(*voice.Gather); ok {
			u, err := url.Parse(g.Action)
			if err != nil {
				t.Fatal(err)
			}
			return callstate.Parse(u.Query())
		}
	}
	t.Fatalf("no gather in\n%s", render(t, r))
	return callstate.State{}
}

func (h *harness) answer(step, retry int, input string) Result {
	return h.ctrl.Answer(context.Background(), AnswerInput{
		Params: params(step, retry, "demo"),
		Speech: input,
		CallID: "CA1",
		Phone:  "+15550001",
	})
}

func TestFullConversation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res := h.ctrl.Start(ctx, StartInput{Script: "demo", CallID: "CA1", Phone: "+15550001"})
	if res.Outcome != OutcomeGreeting {
		t.Fatalf("start outcome = %s", res.Outcome)
	}
	if st := gatherState(t, res.Response); st != (callstate.State{Script: "demo", Step: -1}) {
		t.Fatalf("greeting gathers to %+v, want step -1", st)
	}
	if h.calls.calls["CA1"] == nil {
		t.Fatal("start did not record the call")
	}

	res = h.answer(-1, 0, "")
	if st := gatherState(t, res.Response); st.Step != 0 || st.Retry != 0 {
		t.Fatalf("after greeting gathers to %+v, want step 0", st)
	}

	res = h.answer(0, 0, "5")
	if st := gatherState(t, res.Response); st.Step != 1 || st.Retry != 0 {
		t.Fatalf("after q1 gathers to %+v, want step 1", st)
	}
	if h.answers.rows["CA1"]["q1"] != "5" {
		t.Fatalf("q1 answer = %q", h.answers.rows["CA1"]["q1"])
	}

	res = h.answer(1, 0, "yes")
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("final outcome = %s", res.Outcome)
	}
	if res.Response.HasGather() {
		t.Fatal("outro must not gather")
	}
	doc := render(t, res.Response)
	if !strings.Contains(doc, voice.TextOutroComplete) || !strings.Contains(doc, "<Hangup>") {
		t.Errorf("outro =\n%s", doc)
	}

	ev, ok := h.notifier.events["CA1"]
	if !ok {
		t.Fatal("no completion event")
	}
	if ev.Status != notify.StatusCompleted || ev.Answers["q1"] != "5" || ev.Answers["q2"] != "yes" || len(ev.Answers) != 2 {
		t.Errorf("event = %+v", ev)
	}
	if ev.DurationSeconds != 90 {
		t.Errorf("DurationSeconds = %d, want 90", ev.DurationSeconds)
	}
	if h.calls.calls["CA1"].Status != models.CallStatusCompleted {
		t.Errorf("call status = %q", h.calls.calls["CA1"].Status)
	}
}

func TestStartStepIgnoresInput(t *testing.T) {
	for _, input := range []string{"", "9", "hello there", "   "} {
		h := newHarness(t, nil)
		res := h.answer(-1, 0, input)
		if res.Outcome != OutcomeQuestion {
			t.Errorf("input %q: outcome = %s", input, res.Outcome)
		}
		if st := gatherState(t, res.Response); st.Step != 0 || st.Retry != 0 {
			t.Errorf("input %q: gathers to %+v", input, st)
		}
		if h.answers.writes != 0 {
			t.Errorf("input %q: greeting input was saved", input)
		}
	}
}

func TestRetryBudget(t *testing.T) {
	h := newHarness(t, nil)
	h.ctrl.Start(context.Background(), StartInput{Script: "demo", CallID: "CA1"})

	res := h.answer(0, 0, "")
	if res.Outcome != OutcomeRetry {
		t.Fatalf("first empty: outcome = %s", res.Outcome)
	}
	if st := gatherState(t, res.Response); st.Step != 0 || st.Retry != 1 {
		t.Fatalf("first empty: gathers to %+v", st)
	}
	if doc := render(t, res.Response); !strings.Contains(doc, "Sorry, I didn&#39;t catch that.") {
		t.Errorf("retry should apologize\n%s", doc)
	}

	res = h.answer(0, 1, "  ")
	if st := gatherState(t, res.Response); st.Step != 0 || st.Retry != 2 {
		t.Fatalf("second empty: gathers to %+v", st)
	}

	res = h.answer(0, 2, "")
	if res.Outcome != OutcomeNoInput {
		t.Fatalf("third empty: outcome = %s", res.Outcome)
	}
	if res.Response.HasGather() {
		t.Fatal("third empty must end the call")
	}
	doc := render(t, res.Response)
	if !strings.Contains(doc, voice.TextOutroNoInput) || !strings.Contains(doc, "<Hangup>") {
		t.Errorf("no-input outro =\n%s", doc)
	}
	if _, ok := h.answers.rows["CA1"]["q1"]; ok {
		t.Error("q1 answer saved despite empty input")
	}
	if h.notifier.calls != 0 {
		t.Error("no event is sent when retries run out")
	}
	if h.calls.calls["CA1"].Status != models.CallStatusFailed {
		t.Errorf("call status = %q, want failed", h.calls.calls["CA1"].Status)
	}
}

func TestForgedRetryIsClamped(t *testing.T) {
	h := newHarness(t, nil)
	res := h.answer(0, 9, "")
	if res.Outcome != OutcomeNoInput {
		t.Fatalf("retry=9 empty input: outcome = %s, want no_input", res.Outcome)
	}

	res = h.answer(1, -3, "")
	if st := gatherState(t, res.Response); st.Step != 1 || st.Retry != 1 {
		t.Fatalf("retry=-3 empty input: gathers to %+v, want retry 1", st)
	}
}

func TestDuplicateWebhookIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.ctrl.Start(context.Background(), StartInput{Script: "demo", CallID: "CA1"})

	h.answer(0, 0, "5")
	h.answer(0, 0, "6")
	if len(h.answers.rows["CA1"]) != 1 || h.answers.rows["CA1"]["q1"] != "6" {
		t.Fatalf("answers = %v, want single latest q1", h.answers.rows["CA1"])
	}

	h.answer(1, 0, "yes")
	h.answer(1, 0, "yes")
	if h.notifier.calls != 2 {
		t.Fatalf("notify calls = %d, want one per final webhook", h.notifier.calls)
	}
	if ev := h.notifier.events["CA1"]; ev.Answers["q1"] != "6" {
		t.Errorf("event answers = %v", ev.Answers)
	}
}

func TestReplayedFinalWebhookQueuesOneEvent(t *testing.T) {
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := database.NewStore(db)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	codec := callstate.NewCodec(nil)
	queued := 0
	outbox := notify.NewOutbox(store.Outbox, logger)
	outbox.OnEnqueue = func() { queued++ }

	ctrl := New(Deps{
		Scripts:  fakeResolver{"demo": demoScript(t)},
		State:    codec,
		Answers:  store.Answers,
		Calls:    store.Calls,
		Prompts:  voice.NewBuilder(noAudio{}, codec, "https://ivr.example.com"),
		Notifier: outbox,
		Recorder: &countingRecorder{},
		Logger:   logger,
	})

	ctx := context.Background()
	answer := func(step int, input string) Result {
		return ctrl.Answer(ctx, AnswerInput{Params: params(step, 0, "demo"), Speech: input, CallID: "CA9", Phone: "+15550009"})
	}

	ctrl.Start(ctx, StartInput{Script: "demo", CallID: "CA9", Phone: "+15550009"})
	answer(0, "4")
	for i := 0; i < 3; i++ {
		if res := answer(1, "no"); res.Outcome != OutcomeCompleted {
			t.Fatalf("replay %d: outcome = %s, want completed", i, res.Outcome)
		}
	}

	if queued != 1 {
		t.Fatalf("events queued = %d, want 1", queued)
	}
	pending, err := store.Outbox.CountPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pending != 1 {
		t.Fatalf("pending = %d, want 1", pending)
	}

	due, err := store.Outbox.ListDue(ctx, time.Now().Add(time.Hour), 10, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Fatalf("due events = %d, want 1", len(due))
	}
	var p notify.Payload
	if err := json.Unmarshal([]byte(due[0].Payload), &p); err != nil {
		t.Fatal(err)
	}
	if p.CallID != "CA9" || p.Answers["q1"] != "4" || p.Answers["q2"] != "no" {
		t.Errorf("payload = %+v", p)
	}
	if p.IdempotencyKey != notify.IdempotencyKey("CA9") {
		t.Errorf("idempotency key = %q", p.IdempotencyKey)
	}
}

func TestAnswerWithoutCallIDIsNotPersisted(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res := h.ctrl.Answer(ctx, AnswerInput{Params: params(0, 0, "demo"), Speech: "5"})
	if res.Outcome != OutcomeQuestion {
		t.Fatalf("outcome = %s, want question", res.Outcome)
	}
	if st := gatherState(t, res.Response); st.Step != 1 {
		t.Fatalf("next step = %d, want 1", st.Step)
	}

	res = h.ctrl.Answer(ctx, AnswerInput{Params: params(1, 0, "demo"), Speech: "yes"})
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", res.Outcome)
	}
	if res.Response.HasGather() {
		t.Error("completion must not gather again")
	}
	if h.answers.writes != 0 {
		t.Errorf("answer writes = %d, want 0", h.answers.writes)
	}
	if h.notifier.calls != 0 {
		t.Errorf("notify calls = %d, want 0", h.notifier.calls)
	}
}

func TestSpeechPrecedence(t *testing.T) {
	tests := []struct {
		speech, digits, want string
	}{
		{"blue", "3", "blue"},
		{"", "3", "3"},
		{"   ", "3", "3"},
		{" yes ", "", "yes"},
		{"", "", ""},
	}
	for _, tt := range tests {
		if got := userInput(tt.speech, tt.digits); got != tt.want {
			t.Errorf("userInput(%q, %q) = %q, want %q", tt.speech, tt.digits, got, tt.want)
		}
	}

	h := newHarness(t, nil)
	h.ctrl.Answer(context.Background(), AnswerInput{
		Params: params(0, 0, "demo"),
		Speech: "seven",
		Digits: "7",
		CallID: "CA1",
	})
	if h.answers.rows["CA1"]["q1"] != "seven" {
		t.Errorf("saved %q, want speech", h.answers.rows["CA1"]["q1"])
	}
}

func TestUnknownScript(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	results := []Result{
		h.ctrl.Start(ctx, StartInput{Script: "nope", CallID: "CA1"}),
		h.ctrl.Answer(ctx, AnswerInput{Params: params(-1, 0, "nope"), CallID: "CA1"}),
		h.ctrl.Answer(ctx, AnswerInput{Params: params(0, 0, "nope"), Speech: "x", CallID: "CA1"}),
	}
	for i, res := range results {
		if res.Outcome != OutcomeNotFound {
			t.Errorf("#%d outcome = %s", i, res.Outcome)
		}
		if res.Response.HasGather() {
			t.Errorf("#%d gathers on an unknown script", i)
		}
		if doc := render(t, res.Response); !strings.Contains(doc, voice.TextSystemError) || !strings.Contains(doc, "<Hangup>") {
			t.Errorf("#%d doc =\n%s", i, doc)
		}
	}
	if h.calls.calls["CA1"] != nil {
		t.Error("unknown script should not record a call")
	}
}

func TestStepBeyondLastQuestion(t *testing.T) {
	h := newHarness(t, nil)
	res := h.answer(7, 0, "5")
	if res.Outcome != OutcomeOutOfRange {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.Response.HasGather() {
		t.Error("out of range step must end the call")
	}
	if h.answers.writes != 0 || h.notifier.calls != 0 {
		t.Error("out of range step must not save or notify")
	}
}

func TestStorageFailuresDoNotBlockCall(t *testing.T) {
	h := newHarness(t, nil)
	h.answers.failAll = true
	h.notifier.err = errors.New("outbox unavailable")

	res := h.answer(0, 0, "5")
	if st := gatherState(t, res.Response); st.Step != 1 {
		t.Fatalf("save failure: gathers to %+v, want step 1", st)
	}

	res = h.answer(1, 0, "yes")
	if res.Outcome != OutcomeCompleted || res.Response.HasGather() {
		t.Fatalf("notify failure: outcome = %s", res.Outcome)
	}
	if h.notifier.calls != 1 {
		t.Errorf("notifier calls = %d", h.notifier.calls)
	}
}

func TestCompletionWithoutRecordedCall(t *testing.T) {
	h := newHarness(t, nil)
	h.answer(0, 0, "5")
	h.answer(1, 0, "yes")
	ev, ok := h.notifier.events["CA1"]
	if !ok {
		t.Fatal("no completion event")
	}
	if ev.DurationSeconds != 0 {
		t.Errorf("DurationSeconds = %d, want 0 for an unrecorded call", ev.DurationSeconds)
	}
}

func TestSignedState(t *testing.T) {
	h := newHarness(t, []byte(strings.Repeat("k", 32)))
	ctx := context.Background()

	start := h.ctrl.Start(ctx, StartInput{Script: "demo", CallID: "CA1"})
	var action string
	for _, v := range start.Response.Verbs {
		if g, ok := v.(*voice.Gather); ok {
			action = g.Action
		}
	}
	u, _ := url.Parse(action)

	res := h.ctrl.Answer(ctx, AnswerInput{Params: u.Query(), CallID: "CA1"})
	if res.Outcome != OutcomeQuestion {
		t.Fatalf("signed callback: outcome = %s", res.Outcome)
	}

	res = h.ctrl.Answer(ctx, AnswerInput{Params: params(1, 0, "demo"), Speech: "yes", CallID: "CA1"})
	if res.Outcome != OutcomeBadState {
		t.Fatalf("unsigned callback: outcome = %s", res.Outcome)
	}
	if res.Response.HasGather() || h.answers.writes != 0 || h.notifier.calls != 0 {
		t.Error("rejected state must hang up without saving or notifying")
	}
}

func TestRecorderSeesOutcomes(t *testing.T) {
	h := newHarness(t, nil)
	h.ctrl.Start(context.Background(), StartInput{Script: "demo", CallID: "CA1"})
	h.answer(-1, 0, "")
	h.answer(0, 0, "")
	want := []string{"greeting", "question", "retry"}
	if strings.Join(h.recorder.outcomes, ",") != strings.Join(want, ",") {
		t.Errorf("outcomes = %v, want %v", h.recorder.outcomes, want)
	}
}
