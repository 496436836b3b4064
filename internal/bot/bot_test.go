package bot

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sigcast/internal/delivery"
	"sigcast/internal/eventbus"
	"sigcast/internal/fetch"
	"sigcast/internal/generate"
	"sigcast/internal/pipeline"
	"sigcast/internal/prompt"
	"sigcast/internal/signals"
	kit "sigcast/internal/transport"
)

type sent struct {
	kind string // send | edit | answer
	ref  kit.MessageRef
	text string
	opt  *kit.SendOptions
}

type fakeAdapter struct {
	mu     sync.Mutex
	nextID int
	out    chan sent
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{out: make(chan sent, 256)} }

func (a *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                     { return nil }

func (a *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	a.nextID++
	ref := kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: a.nextID}
	a.mu.Unlock()
	a.out <- sent{kind: "send", ref: ref, text: text, opt: opt}
	return ref, nil
}

func (a *fakeAdapter) EditText(_ context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	a.out <- sent{kind: "edit", ref: ref, text: text, opt: opt}
	return nil
}

func (a *fakeAdapter) AnswerCallback(_ context.Context, id string, text string) error {
	a.out <- sent{kind: "answer", text: text}
	return nil
}

type dataSource struct{}

func (dataSource) Fetch(_ context.Context, id signals.ID) (fetch.Payload, error) {
	return fetch.Payload(`"DATA_` + strings.ToUpper(string(id)) + `"`), nil
}

type msgGen struct{}

func (msgGen) Generate(_ context.Context, _ generate.Credential, req generate.Request) (string, error) {
	return "MSG:" + req.Prompt, nil
}

// prefixValidator accepts keys starting with "good-".
type prefixValidator struct{ calls atomic.Int32 }

func (v *prefixValidator) Validate(_ context.Context, c generate.Credential) (bool, error) {
	v.calls.Add(1)
	return strings.HasPrefix(c.APIKey, "good-"), nil
}

type fakeSessions struct{}

func (fakeSessions) Integrate(_ context.Context, r delivery.SessionRequest) (string, error) {
	if r.Phone == "+0" {
		return "", errors.New("phone rejected")
	}
	return "sess_" + strings.TrimPrefix(r.TargetUsername, "@"), nil
}

type okDeliverer struct{}

func (okDeliverer) Run(_ context.Context, items []delivery.Item, _ delivery.Credentials, onUpdate func([]delivery.Record)) delivery.Result {
	recs := make([]delivery.Record, len(items))
	for i, it := range items {
		recs[i] = delivery.Record{Label: it.Label, Status: delivery.StatusPending}
	}
	for i := range recs {
		recs[i].Status = delivery.StatusSuccess
		onUpdate(slices.Clone(recs))
	}
	return delivery.Result{Records: recs}
}

const owner = int64(1)

type harness struct {
	ctl     *pipeline.Controller
	ad      *fakeAdapter
	bot     *Bot
	val     *prefixValidator
	updates chan kit.Update
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cat := signals.New([]string{"a", "b", "c"})
	val := &prefixValidator{}
	ctl := pipeline.New(context.Background(), pipeline.Options{
		Catalog:   cat,
		Fetcher:   fetch.NewCoordinator(cat, dataSource{}, fetch.NewStore()),
		Generator: msgGen{},
		Validator: val,
		Deliverer: okDeliverer{},
		Sessions:  fakeSessions{},
		Template:  "X: {{data}}",
		GenKey:    "key",
		Channel:   delivery.Credentials{BotToken: "tok", ChannelID: "@chan"},
	})
	ad := newFakeAdapter()
	b := New(Options{Controller: ctl, Adapter: ad, Owners: []int64{owner}})
	b.keyDelay = 20 * time.Millisecond
	h := &harness{ctl: ctl, ad: ad, bot: b, val: val, updates: make(chan kit.Update)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, h.updates) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = ctl.Close(context.Background())
	})
	return h
}

func (h *harness) say(from int64, text string) {
	h.updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: from, FromID: from, Text: text}}
}

// waitFor reads adapter output until match returns true.
func (h *harness) waitFor(t *testing.T, what string, match func(sent) bool) sent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-h.ad.out:
			if match(s) {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
			return sent{}
		}
	}
}

func containing(sub string) func(sent) bool {
	return func(s sent) bool { return strings.Contains(s.text, sub) }
}

func TestNonOwnerIsRejected(t *testing.T) {
	h := newHarness(t)
	h.say(2, "/toggle a")
	h.waitFor(t, "unauthorized", containing("unauthorized"))
	if sel := h.ctl.Snapshot().Selection; len(sel) != 0 {
		t.Fatalf("selection changed by non-owner: %v", sel)
	}
}

func TestUnknownCommandAndPlainText(t *testing.T) {
	h := newHarness(t)
	h.say(owner, "hello there")
	h.say(owner, "/nope")
	s := h.waitFor(t, "unknown command reply", func(sent) bool { return true })
	if !strings.Contains(s.text, "unknown command") {
		t.Fatalf("first reply = %q; plain text must be ignored", s.text)
	}
}

func TestToggleCommand(t *testing.T) {
	h := newHarness(t)
	h.say(owner, "/toggle a zz b")
	s := h.waitFor(t, "toggle reply", containing("selected"))
	for _, want := range []string{"a selected", "b selected", "unknown: zz"} {
		if !strings.Contains(s.text, want) {
			t.Fatalf("reply %q lacks %q", s.text, want)
		}
	}
	if got := signals.Strings(h.ctl.Snapshot().Selection); !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("selection = %v", got)
	}

	h.say(owner, "/toggle a")
	h.waitFor(t, "removal", containing("a removed"))
}

func TestTemplateCommand(t *testing.T) {
	h := newHarness(t)

	h.say(owner, "/template preset 2")
	h.waitFor(t, "preset reply", containing("preset 2"))
	want, _ := prompt.Preset(2)
	if got := h.ctl.Snapshot().Template; got != want {
		t.Fatalf("template = %q, want preset 2", got)
	}

	h.say(owner, "/template hello world")
	h.waitFor(t, "missing placeholder warning", containing("lacks"))
	if got := h.ctl.Snapshot().Template; got != "hello world" {
		t.Fatalf("template = %q", got)
	}

	h.say(owner, "/template clear")
	h.waitFor(t, "clear reply", containing("cleared"))
	if got := h.ctl.Snapshot().Template; got != "" {
		t.Fatalf("template = %q, want empty", got)
	}
}

func TestPreviewAndPost(t *testing.T) {
	h := newHarness(t)

	h.say(owner, "/post")
	h.waitFor(t, "post guard", containing("no generated message"))

	h.say(owner, "/toggle a b")
	h.waitFor(t, "toggle reply", containing("selected"))

	h.say(owner, "/preview")
	h.waitFor(t, "generation done", containing("1 message(s) generated"))
	m := h.waitFor(t, "generated message", containing("[combined]"))
	if !strings.Contains(m.text, "MSG:X: DATA_A\n\nDATA_B") {
		t.Fatalf("unexpected message %q", m.text)
	}

	h.say(owner, "/post")
	start := h.waitFor(t, "post start", containing("starting delivery"))
	final := h.waitFor(t, "summary", containing("Posted 1/1"))
	if final.kind != "edit" || final.ref != start.ref {
		t.Fatalf("summary should edit the progress message, got %+v", final)
	}
	if st := h.ctl.Snapshot(); len(st.Records) != 1 || st.Records[0].Status != delivery.StatusSuccess {
		t.Fatalf("records = %+v", st.Records)
	}
}

func TestSignalsCallbackToggles(t *testing.T) {
	h := newHarness(t)
	h.say(owner, "/signals")
	list := h.waitFor(t, "signal list", containing("Signals"))
	if list.opt == nil || list.opt.ReplyMarkupAdapter == nil {
		t.Fatal("signal list should carry an inline keyboard")
	}

	h.updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
		ID: "cb1", FromID: owner, ChatID: list.ref.ChatID, MessageID: list.ref.MessageID, Data: "sig:toggle:b",
	}}
	edit := h.waitFor(t, "list redraw", func(s sent) bool { return s.kind == "edit" })
	if edit.ref != list.ref {
		t.Fatalf("edited %+v, want %+v", edit.ref, list.ref)
	}
	if !strings.Contains(edit.text, "1. b") {
		t.Fatalf("redraw lacks selection: %q", edit.text)
	}
	h.waitFor(t, "callback answer", func(s sent) bool { return s.kind == "answer" })
	if sel := h.ctl.Snapshot().Selection; !slices.Equal(sel, []signals.ID{"b"}) {
		t.Fatalf("selection = %v", sel)
	}
}

func TestCredsAndStatus(t *testing.T) {
	h := newHarness(t)
	h.say(owner, "/creds clear channel")
	h.waitFor(t, "clear reply", containing("cleared"))
	if h.ctl.Snapshot().Readiness.HasChannel {
		t.Fatal("channel should be cleared")
	}

	h.say(owner, "/creds channel 123:abc -1001")
	h.waitFor(t, "channel reply", containing("channel set"))
	st := h.ctl.Snapshot()
	if st.ChannelID != "-1001" || !st.HasToken {
		t.Fatalf("channel not stored: %+v", st)
	}

	h.say(owner, "/status")
	s := h.waitFor(t, "status", containing("Status"))
	if s.opt == nil || s.opt.ParseMode != "HTML" {
		t.Fatalf("status should be HTML: %+v", s.opt)
	}
}

func TestCredsKeyIsCheckedAutomatically(t *testing.T) {
	h := newHarness(t)
	h.bot.keyDelay = 200 * time.Millisecond

	h.say(owner, "/creds key bad-0123456789")
	h.waitFor(t, "key reply", containing("checking"))
	h.say(owner, "/creds key good-0123456789")
	h.waitFor(t, "key reply", containing("checking"))

	h.waitFor(t, "verdict", containing("key is valid"))
	if got := h.ctl.Snapshot().Verdict; got != generate.VerdictValid {
		t.Fatalf("verdict = %q", got)
	}
	if n := h.val.calls.Load(); n != 1 {
		t.Fatalf("validator called %d times, want 1", n)
	}

	h.say(owner, "/creds key bad-0123456789")
	h.waitFor(t, "verdict", containing("rejected"))
	if got := h.ctl.Snapshot().Verdict; got != generate.VerdictInvalid {
		t.Fatalf("verdict = %q", got)
	}
}

func TestShortCredsKeyWaitsForValidate(t *testing.T) {
	h := newHarness(t)
	h.say(owner, "/creds key good-1")
	h.waitFor(t, "key reply", containing("/validate to check"))
	time.Sleep(100 * time.Millisecond)
	if n := h.val.calls.Load(); n != 0 {
		t.Fatalf("short key was checked %d times", n)
	}
	if got := h.ctl.Snapshot().Verdict; got != generate.VerdictIdle {
		t.Fatalf("verdict = %q", got)
	}

	h.say(owner, "/validate")
	h.waitFor(t, "verdict", containing("key is valid"))
}

func TestCredsIntegrateSession(t *testing.T) {
	h := newHarness(t)
	h.say(owner, "/creds integrate 42 hash +0 @chan")
	h.waitFor(t, "failure reply", containing("phone rejected"))
	if got := h.ctl.Snapshot().Session; got != "" {
		t.Fatalf("session = %q", got)
	}

	h.say(owner, "/creds integrate 42 hash +100 @chan")
	h.waitFor(t, "success reply", containing("session created: sess_chan"))
	if got := h.ctl.Snapshot().Session; got != "sess_chan" {
		t.Fatalf("session = %q", got)
	}

	h.say(owner, "/creds")
	h.waitFor(t, "creds view", containing("sess_chan"))

	h.say(owner, "/creds integrate 42 hash")
	h.waitFor(t, "usage", containing("usage: /creds"))
}

func TestHistoryWithoutStore(t *testing.T) {
	h := newHarness(t)
	h.say(owner, "/history")
	h.waitFor(t, "history disabled", containing("disabled"))
}

func TestNotification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		ev   eventbus.Event
		want string
	}{
		{
			name: "fetch failed",
			ev:   eventbus.Event{Type: pipeline.EventFetchFailed, Data: pipeline.FetchEvent{ID: "a", Err: errors.New("down")}},
			want: "fetch a failed: down",
		},
		{
			name: "scheduled delivery",
			ev:   eventbus.Event{Type: pipeline.EventDeliveryDone, Data: pipeline.RunSummary{RunID: "0123456789", Trigger: "schedule", Succeeded: 1, Total: 2}},
			want: "schedule run 01234567: 1/2 delivered",
		},
		{
			name: "chat delivery is not echoed",
			ev:   eventbus.Event{Type: pipeline.EventDeliveryDone, Data: pipeline.RunSummary{Trigger: TriggerBot}},
		},
		{
			name: "progress is ignored",
			ev:   eventbus.Event{Type: pipeline.EventDeliveryProgress},
		},
	}
	for _, tt := range tests {
		got := notification(tt.ev)
		if tt.want == "" && got != "" {
			t.Fatalf("%s: unexpected notification %q", tt.name, got)
		}
		if !strings.Contains(got, tt.want) {
			t.Fatalf("%s: %q lacks %q", tt.name, got, tt.want)
		}
	}
}
