package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"sigcast/internal/delivery"
	"sigcast/internal/eventbus"
	"sigcast/internal/fetch"
	"sigcast/internal/generate"
	"sigcast/internal/signals"
)

type countingSource struct {
	mu     sync.Mutex
	calls  map[signals.ID]int
	fail   map[signals.ID]bool
	panics map[signals.ID]bool
}

func newSource() *countingSource {
	return &countingSource{calls: map[signals.ID]int{}, fail: map[signals.ID]bool{}, panics: map[signals.ID]bool{}}
}

func (s *countingSource) Fetch(ctx context.Context, id signals.ID) (fetch.Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[id]++
	if s.panics[id] {
		panic("source exploded")
	}
	if s.fail[id] {
		return nil, errors.New("backend down")
	}
	return fetch.Payload(`"DATA_` + strings.ToUpper(string(id)) + `"`), nil
}

func (s *countingSource) count(id signals.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

type echoGen struct {
	mu      sync.Mutex
	prompts []string
	err     error
	suffix  string
}

func (g *echoGen) Generate(ctx context.Context, cred generate.Credential, req generate.Request) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, req.Prompt)
	if g.err != nil {
		return "", g.err
	}
	return "MSG(" + req.Prompt + ")" + g.suffix, nil
}

type recordingDeliverer struct {
	items []delivery.Item
}

func (d *recordingDeliverer) Run(ctx context.Context, items []delivery.Item, creds delivery.Credentials, onUpdate func([]delivery.Record)) delivery.Result {
	d.items = items
	recs := make([]delivery.Record, len(items))
	for i, it := range items {
		recs[i] = delivery.Record{Label: it.Label, Status: delivery.StatusSuccess}
	}
	onUpdate(recs)
	return delivery.Result{Records: recs}
}

type fixture struct {
	ctl *Controller
	src *countingSource
	gen *echoGen
	del *recordingDeliverer
}

func newFixture(t *testing.T, mode Mode) *fixture {
	t.Helper()
	src := newSource()
	gen := &echoGen{}
	del := &recordingDeliverer{}
	cat := signals.New([]string{"a", "b", "c", "d"})
	ctl := New(context.Background(), Options{
		Catalog:   cat,
		Fetcher:   fetch.NewCoordinator(cat, src, nil),
		Generator: gen,
		Deliverer: del,
		Mode:      mode,
		Template:  "X: {{data}}",
		GenKey:    "key",
		Channel:   delivery.Credentials{BotToken: "t", ChannelID: "@c"},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ctl.Close(ctx)
	})
	return &fixture{ctl: ctl, src: src, gen: gen, del: del}
}

func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.ctl.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle() error: %v", err)
	}
}

func TestToggleParityAndOrder(t *testing.T) {
	f := newFixture(t, ModeCombined)
	rng := rand.New(rand.NewSource(7))
	ids := []signals.ID{"a", "b", "c", "d"}

	counts := map[signals.ID]int{}
	var firstAdd []signals.ID
	for i := 0; i < 200; i++ {
		id := ids[rng.Intn(len(ids))]
		if _, err := f.ctl.Toggle(id); err != nil {
			t.Fatalf("Toggle(%s) error: %v", id, err)
		}
		counts[id]++
		if counts[id]%2 == 1 {
			firstAdd = slices.DeleteFunc(firstAdd, func(x signals.ID) bool { return x == id })
			firstAdd = append(firstAdd, id)
		} else {
			firstAdd = slices.DeleteFunc(firstAdd, func(x signals.ID) bool { return x == id })
		}
	}
	f.waitIdle(t)

	got := f.ctl.Snapshot().Selection
	if !slices.Equal(got, firstAdd) {
		t.Fatalf("selection = %v, want %v", got, firstAdd)
	}
	for _, id := range got {
		if counts[id]%2 != 1 {
			t.Fatalf("%s selected after %d toggles", id, counts[id])
		}
	}
}

func TestFetchAtMostOncePerSignal(t *testing.T) {
	f := newFixture(t, ModeCombined)
	for i := 0; i < 5; i++ {
		_, _ = f.ctl.Toggle("a")
		_, _ = f.ctl.Toggle("a")
		f.waitIdle(t)
	}
	_, _ = f.ctl.Toggle("a")
	f.waitIdle(t)

	if n := f.src.count("a"); n != 1 {
		t.Fatalf("fetches for a = %d, want 1", n)
	}
}

func TestPanickingFetchReleasesLoading(t *testing.T) {
	f := newFixture(t, ModeCombined)
	f.src.mu.Lock()
	f.src.panics["a"] = true
	f.src.mu.Unlock()
	events, unsub := f.ctl.Bus().Subscribe(8)
	defer unsub()

	_, _ = f.ctl.Toggle("a")
	f.waitIdle(t)

	var failed FetchEvent
	for failed.ID == "" {
		select {
		case e := <-events:
			if e.Type == EventFetchFailed {
				failed = e.Data.(FetchEvent)
			}
		case <-time.After(time.Second):
			t.Fatal("no fetch.failed event after panic")
		}
	}
	var fe *fetch.Error
	if failed.ID != "a" || !errors.As(failed.Err, &fe) || !strings.Contains(fe.Error(), "panic") {
		t.Fatalf("fetch.failed = %+v", failed)
	}
	if s := f.ctl.Snapshot(); s.IsLoading || len(s.InFlight) != 0 {
		t.Fatalf("still loading after panic: %+v", s)
	}

	f.src.mu.Lock()
	f.src.panics["a"] = false
	f.src.mu.Unlock()
	_, _ = f.ctl.Toggle("a")
	_, _ = f.ctl.Toggle("a")
	f.waitIdle(t)
	if n := f.src.count("a"); n != 2 {
		t.Fatalf("fetches for a = %d, want 2", n)
	}
	if !slices.Equal(f.ctl.Snapshot().Fetched, []signals.ID{"a"}) {
		t.Fatal("a not fetched after retry")
	}
}

func TestFailedFetchRetriesOnReselect(t *testing.T) {
	f := newFixture(t, ModeCombined)
	f.src.fail["b"] = true
	events, unsub := f.ctl.Bus().Subscribe(8)
	defer unsub()

	if sel, _ := f.ctl.Toggle("b"); !sel {
		t.Fatal("b should be selected")
	}
	f.waitIdle(t)

	var failed bool
	for !failed {
		select {
		case e := <-events:
			failed = e.Type == EventFetchFailed && e.Data.(FetchEvent).ID == "b"
		case <-time.After(time.Second):
			t.Fatal("no fetch.failed event")
		}
	}
	if s := f.ctl.Snapshot(); !slices.Equal(s.Selection, []signals.ID{"b"}) || len(s.Fetched) != 0 {
		t.Fatalf("state after failure = %+v", s)
	}

	f.src.fail["b"] = false
	_, _ = f.ctl.Toggle("b")
	_, _ = f.ctl.Toggle("b")
	f.waitIdle(t)
	if n := f.src.count("b"); n != 2 {
		t.Fatalf("fetches for b = %d, want 2", n)
	}
	if !slices.Equal(f.ctl.Snapshot().Fetched, []signals.ID{"b"}) {
		t.Fatal("b not fetched after retry")
	}
}

func TestToggleUnknownSignal(t *testing.T) {
	f := newFixture(t, ModeCombined)
	if _, err := f.ctl.Toggle("zzz"); !errors.Is(err, ErrUnknownSignal) {
		t.Fatalf("err = %v", err)
	}
	if len(f.ctl.Snapshot().Selection) != 0 {
		t.Fatal("selection changed")
	}
}

func TestSetSelectionMatchesToggles(t *testing.T) {
	f := newFixture(t, ModeCombined)
	_, _ = f.ctl.Toggle("a")
	_, _ = f.ctl.Toggle("b")
	if err := f.ctl.SetSelection([]signals.ID{"b", "c", "c"}); err != nil {
		t.Fatalf("SetSelection() error: %v", err)
	}
	f.waitIdle(t)
	if got := f.ctl.Snapshot().Selection; !slices.Equal(got, []signals.ID{"b", "c"}) {
		t.Fatalf("selection = %v", got)
	}
	if err := f.ctl.SetSelection([]signals.ID{"a", "nope"}); !errors.Is(err, ErrUnknownSignal) {
		t.Fatalf("err = %v", err)
	}
	if got := f.ctl.Snapshot().Selection; !slices.Equal(got, []signals.ID{"b", "c"}) {
		t.Fatalf("selection changed on error: %v", got)
	}
}

func TestCanGenerateEachCondition(t *testing.T) {
	t.Parallel()

	for mask := 0; mask < 8; mask++ {
		hasSel, hasPH, hasKey := mask&1 != 0, mask&2 != 0, mask&4 != 0
		f := newFixture(t, ModeCombined)
		if hasSel {
			_, _ = f.ctl.Toggle("a")
		}
		if !hasPH {
			f.ctl.SetTemplate("hello")
		}
		if !hasKey {
			f.ctl.SetGenerationKey("")
		}
		f.waitIdle(t)

		want := hasSel && hasPH && hasKey
		if got := f.ctl.CanGenerate(); got != want {
			t.Fatalf("sel=%v ph=%v key=%v: CanGenerate() = %v", hasSel, hasPH, hasKey, got)
		}
		_, err := f.ctl.GeneratePreview(context.Background())
		if !want && !errors.Is(err, ErrNotReady) {
			t.Fatalf("sel=%v ph=%v key=%v: err = %v, want ErrNotReady", hasSel, hasPH, hasKey, err)
		}
		if !want && len(f.gen.prompts) != 0 {
			t.Fatal("generator called although not ready")
		}
	}
}

func TestGeneratePreviewCombined(t *testing.T) {
	f := newFixture(t, ModeCombined)
	_ = f.ctl.SetSelection([]signals.ID{"a", "b"})
	f.waitIdle(t)

	msgs, err := f.ctl.GeneratePreview(context.Background())
	if err != nil {
		t.Fatalf("GeneratePreview() error: %v", err)
	}
	want := []Message{{Label: CombinedLabel, Text: "MSG(X: DATA_A\n\nDATA_B)"}}
	if !slices.Equal(msgs, want) {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestGeneratePreviewReplacesMessages(t *testing.T) {
	f := newFixture(t, ModeCombined)
	_ = f.ctl.SetSelection([]signals.ID{"a"})
	f.waitIdle(t)

	if _, err := f.ctl.GeneratePreview(context.Background()); err != nil {
		t.Fatalf("first GeneratePreview() error: %v", err)
	}
	f.gen.suffix = " v2"
	if _, err := f.ctl.GeneratePreview(context.Background()); err != nil {
		t.Fatalf("second GeneratePreview() error: %v", err)
	}
	msgs := f.ctl.Snapshot().Messages
	if len(msgs) != 1 || msgs[0].Text != "MSG(X: DATA_A) v2" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestGeneratePreviewFailureKeepsPrevious(t *testing.T) {
	f := newFixture(t, ModeCombined)
	_ = f.ctl.SetSelection([]signals.ID{"a"})
	f.waitIdle(t)
	if _, err := f.ctl.GeneratePreview(context.Background()); err != nil {
		t.Fatalf("GeneratePreview() error: %v", err)
	}
	before := f.ctl.Snapshot().Messages

	f.gen.err = errors.New("quota")
	if _, err := f.ctl.GeneratePreview(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if after := f.ctl.Snapshot().Messages; !slices.Equal(before, after) {
		t.Fatalf("messages changed on failure: %+v -> %+v", before, after)
	}
}

func TestGeneratePreviewPerSignal(t *testing.T) {
	f := newFixture(t, ModePerSignal)
	_ = f.ctl.SetSelection([]signals.ID{"b", "a"})
	f.waitIdle(t)

	msgs, err := f.ctl.GeneratePreview(context.Background())
	if err != nil {
		t.Fatalf("GeneratePreview() error: %v", err)
	}
	want := []Message{{Label: "b", Text: "MSG(X: DATA_B)"}, {Label: "a", Text: "MSG(X: DATA_A)"}}
	if !slices.Equal(msgs, want) {
		t.Fatalf("messages = %+v", msgs)
	}
}

type blockingGen struct {
	entered chan struct{}
	release chan struct{}
}

func (g *blockingGen) Generate(ctx context.Context, cred generate.Credential, req generate.Request) (string, error) {
	close(g.entered)
	<-g.release
	return "ok", nil
}

func TestGeneratePreviewBusy(t *testing.T) {
	f := newFixture(t, ModeCombined)
	bg := &blockingGen{entered: make(chan struct{}), release: make(chan struct{})}
	f.ctl.generator = bg
	_ = f.ctl.SetSelection([]signals.ID{"a"})
	f.waitIdle(t)

	done := make(chan error, 1)
	go func() {
		_, err := f.ctl.GeneratePreview(context.Background())
		done <- err
	}()
	<-bg.entered
	if !f.ctl.Snapshot().IsGenerating {
		t.Fatal("IsGenerating should be set")
	}
	if _, err := f.ctl.GeneratePreview(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("second call err = %v, want ErrBusy", err)
	}
	close(bg.release)
	if err := <-done; err != nil {
		t.Fatalf("first call error: %v", err)
	}
	if f.ctl.Snapshot().IsGenerating {
		t.Fatal("IsGenerating should be cleared")
	}
}

type runCapture struct{ runs []RunSummary }

func (r *runCapture) RecordRun(s RunSummary) { r.runs = append(r.runs, s) }

func TestPostAllGuardsAndRecords(t *testing.T) {
	f := newFixture(t, ModeCombined)
	rec := &runCapture{}
	f.ctl.recorder = rec

	if _, err := f.ctl.PostAll(context.Background(), "test"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("post without message: err = %v", err)
	}

	_ = f.ctl.SetSelection([]signals.ID{"a"})
	f.waitIdle(t)
	if _, err := f.ctl.GeneratePreview(context.Background()); err != nil {
		t.Fatalf("GeneratePreview() error: %v", err)
	}

	f.ctl.SetChannel(delivery.Credentials{BotToken: "t"})
	if f.ctl.CanPost() {
		t.Fatal("CanPost() with missing channel id")
	}
	f.ctl.SetChannel(delivery.Credentials{BotToken: "t", ChannelID: "@c"})

	events, unsub := f.ctl.Bus().Subscribe(16)
	defer unsub()

	sum, err := f.ctl.PostAll(context.Background(), "test")
	if err != nil {
		t.Fatalf("PostAll() error: %v", err)
	}
	if sum.Succeeded != 1 || sum.Total != 1 || sum.RunID == "" {
		t.Fatalf("summary = %+v", sum)
	}
	if len(f.del.items) != 1 || f.del.items[0].Label != CombinedLabel {
		t.Fatalf("delivered = %+v", f.del.items)
	}
	if len(rec.runs) != 1 || rec.runs[0].Trigger != "test" {
		t.Fatalf("recorded = %+v", rec.runs)
	}
	if recs := f.ctl.Snapshot().Records; len(recs) != 1 || recs[0].Status != delivery.StatusSuccess {
		t.Fatalf("records = %+v", recs)
	}

	seen := map[string]bool{}
	for len(events) > 0 {
		e := <-events
		seen[e.Type] = true
	}
	if !seen[EventDeliveryProgress] || !seen[EventDeliveryDone] {
		t.Fatalf("events = %v", seen)
	}
}

type stubValidator struct {
	ok  bool
	err error
}

func (v stubValidator) Validate(context.Context, generate.Credential) (bool, error) {
	return v.ok, v.err
}

func TestValidateKeyAnnotatesOnly(t *testing.T) {
	f := newFixture(t, ModeCombined)
	f.ctl.validator = stubValidator{ok: false}

	v, err := f.ctl.ValidateKey(context.Background())
	if err != nil || v != generate.VerdictInvalid {
		t.Fatalf("ValidateKey() = %v, %v", v, err)
	}
	_ = f.ctl.SetSelection([]signals.ID{"a"})
	f.waitIdle(t)
	if !f.ctl.CanGenerate() {
		t.Fatal("an invalid verdict must not gate generation")
	}

	f.ctl.SetGenerationKey("other")
	if s := f.ctl.Snapshot(); s.Verdict != generate.VerdictIdle {
		t.Fatalf("verdict after key change = %s", s.Verdict)
	}
}

type stubSessions struct{ fail bool }

func (s stubSessions) Integrate(_ context.Context, r delivery.SessionRequest) (string, error) {
	if s.fail {
		return "", errors.New("login refused")
	}
	return "sess_" + r.Phone, nil
}

func TestIntegrateSessionRecordsName(t *testing.T) {
	f := newFixture(t, ModeCombined)
	req := delivery.SessionRequest{APIID: "1", APIHash: "h", Phone: "555", TargetUsername: "@c"}
	if _, err := f.ctl.IntegrateSession(context.Background(), req); !errors.Is(err, ErrNoSessions) {
		t.Fatalf("err = %v, want ErrNoSessions", err)
	}

	f.ctl.sessions = stubSessions{}
	name, err := f.ctl.IntegrateSession(context.Background(), req)
	if err != nil || name != "sess_555" {
		t.Fatalf("IntegrateSession() = %q, %v", name, err)
	}
	if got := f.ctl.Snapshot().Session; got != "sess_555" {
		t.Fatalf("session = %q", got)
	}

	f.ctl.sessions = stubSessions{fail: true}
	if _, err := f.ctl.IntegrateSession(context.Background(), req); err == nil {
		t.Fatal("expected error")
	}
	if got := f.ctl.Snapshot().Session; got != "sess_555" {
		t.Fatalf("failed attempt replaced session: %q", got)
	}
}

func TestBusPublishIsObservedBySlowSubscriber(t *testing.T) {
	b := eventbus.New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	f := newFixture(t, ModeCombined)
	f.ctl.bus = b
	_ = f.ctl.SetSelection([]signals.ID{"a", "b", "c"})
	f.waitIdle(t)
	if len(f.ctl.Snapshot().Fetched) != 3 {
		t.Fatal("fetch blocked on a slow subscriber")
	}
}
