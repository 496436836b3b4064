// Package pipeline owns the signal pipeline state and sequences fetch,
// compose, generate and deliver in response to operator actions.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sigcast/internal/delivery"
	"sigcast/internal/eventbus"
	"sigcast/internal/fetch"
	"sigcast/internal/generate"
	"sigcast/internal/observability"
	"sigcast/internal/prompt"
	"sigcast/internal/runtime/supervisor"
	"sigcast/internal/signals"
	logx "sigcast/pkg/logx"
)

// Deliverer runs one delivery. *delivery.Pipeline implements it.
type Deliverer interface {
	Run(ctx context.Context, items []delivery.Item, creds delivery.Credentials, onUpdate func([]delivery.Record)) delivery.Result
}

type Options struct {
	Catalog   *signals.Catalog
	Fetcher   *fetch.Coordinator
	Generator generate.Generator
	Validator generate.Validator
	Deliverer Deliverer
	// Sessions is optional; without it IntegrateSession fails.
	Sessions SessionIntegrator

	Mode     Mode
	Template string
	GenKey   string
	Channel  delivery.Credentials

	Bus      eventbus.Bus
	Metrics  *observability.Metrics
	Recorder RunRecorder
	Log      logx.Logger
}

// Controller is the single owner of pipeline state. Its mutex is never held
// across a network call.
type Controller struct {
	catalog   *signals.Catalog
	fetcher   *fetch.Coordinator
	store     *fetch.Store
	generator generate.Generator
	validator generate.Validator
	deliverer Deliverer
	sessions  SessionIntegrator
	mode      Mode

	bus      eventbus.Bus
	metrics  *observability.Metrics
	recorder RunRecorder
	log      logx.Logger
	sup      *supervisor.Supervisor

	mu         sync.Mutex
	selection  []signals.ID
	inflight   map[signals.ID]bool
	idle       chan struct{} // closed while nothing is in flight
	template   string
	messages   []Message
	records    []delivery.Record
	lastRunID  string
	genKey     string
	verdict    generate.Verdict
	channel    delivery.Credentials
	session    string
	generating bool
	posting    bool
}

func New(ctx context.Context, opts Options) *Controller {
	if opts.Catalog == nil {
		opts.Catalog = signals.Default()
	}
	if opts.Mode == "" {
		opts.Mode = ModeCombined
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.New()
	}
	idle := make(chan struct{})
	close(idle)
	c := &Controller{
		catalog:   opts.Catalog,
		fetcher:   opts.Fetcher,
		store:     opts.Fetcher.Store(),
		generator: opts.Generator,
		validator: opts.Validator,
		deliverer: opts.Deliverer,
		sessions:  opts.Sessions,
		mode:      opts.Mode,
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		recorder:  opts.Recorder,
		log:       opts.Log,
		inflight:  map[signals.ID]bool{},
		idle:      idle,
		template:  opts.Template,
		genKey:    strings.TrimSpace(opts.GenKey),
		verdict:   generate.VerdictIdle,
		channel:   opts.Channel,
	}
	c.sup = supervisor.New(ctx, supervisor.WithLogger(opts.Log.With(logx.String("comp", "pipeline.sup"))))
	return c
}

// Close cancels in-flight fetches and waits for them to return.
func (c *Controller) Close(ctx context.Context) error {
	return c.sup.Stop(ctx)
}

func (c *Controller) Bus() eventbus.Bus { return c.bus }

func (c *Controller) Catalog() *signals.Catalog { return c.catalog }

func (c *Controller) Mode() Mode { return c.mode }

// Toggle flips the selection of id and reports whether it is now selected.
// Adding an id that has no data and no fetch in flight starts a background
// fetch; Toggle never waits for it.
func (c *Controller) Toggle(id signals.ID) (bool, error) {
	if !c.catalog.Contains(id) {
		return false, fmt.Errorf("%w: %s", ErrUnknownSignal, id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.toggleLocked(id), nil
}

func (c *Controller) toggleLocked(id signals.ID) bool {
	if i := slices.Index(c.selection, id); i >= 0 {
		c.selection = slices.Delete(c.selection, i, i+1)
		return false
	}
	c.selection = append(c.selection, id)
	if !c.store.Has(id) && !c.inflight[id] {
		c.startFetchLocked(id)
	}
	return true
}

// SetSelection replaces the selection with ids. It is equivalent to toggling
// off what is not in ids and toggling on, in order, what is missing.
func (c *Controller) SetSelection(ids []signals.ID) error {
	seen := map[signals.ID]bool{}
	want := make([]signals.ID, 0, len(ids))
	for _, id := range ids {
		if !c.catalog.Contains(id) {
			return fmt.Errorf("%w: %s", ErrUnknownSignal, id)
		}
		if !seen[id] {
			seen[id] = true
			want = append(want, id)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range slices.Clone(c.selection) {
		if !seen[id] {
			c.toggleLocked(id)
		}
	}
	for _, id := range want {
		if !slices.Contains(c.selection, id) {
			c.toggleLocked(id)
		}
	}
	return nil
}

func (c *Controller) startFetchLocked(id signals.ID) {
	if len(c.inflight) == 0 {
		c.idle = make(chan struct{})
	}
	c.inflight[id] = true
	c.metrics.SetBusy("loading", true)

	c.sup.Go("fetch."+string(id), func(ctx context.Context) error {
		start := time.Now()
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = &fetch.Error{ID: id, Err: fmt.Errorf("panic: %v", r)}
			}
			c.fetchDone(id, start, err)
		}()
		_, err = c.fetcher.Fetch(ctx, id)
		return nil
	})
}

// fetchDone clears the in-flight mark for id and reports the outcome. It
// runs for every started fetch, including one that panicked.
func (c *Controller) fetchDone(id signals.ID, start time.Time, err error) {
	c.metrics.FetchDone(time.Since(start), err)

	c.mu.Lock()
	delete(c.inflight, id)
	if len(c.inflight) == 0 {
		close(c.idle)
		c.metrics.SetBusy("loading", false)
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("fetch failed", logx.String("signal", string(id)), logx.Err(err))
		c.bus.Publish(eventbus.Event{Type: EventFetchFailed, Data: FetchEvent{ID: id, Err: err}})
		return
	}
	c.log.Debug("fetched", logx.String("signal", string(id)), logx.Duration("took", time.Since(start)))
	c.bus.Publish(eventbus.Event{Type: EventFetchDone, Data: FetchEvent{ID: id}})
}

// WaitIdle blocks until no fetch is in flight or ctx is done.
func (c *Controller) WaitIdle(ctx context.Context) error {
	c.mu.Lock()
	ch := c.idle
	c.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) SetTemplate(text string) {
	c.mu.Lock()
	c.template = text
	c.mu.Unlock()
}

// SetGenerationKey replaces the session key and resets its verdict.
func (c *Controller) SetGenerationKey(key string) {
	c.mu.Lock()
	c.genKey = strings.TrimSpace(key)
	c.verdict = generate.VerdictIdle
	c.mu.Unlock()
}

func (c *Controller) SetChannel(creds delivery.Credentials) {
	creds.BotToken = strings.TrimSpace(creds.BotToken)
	creds.ChannelID = strings.TrimSpace(creds.ChannelID)
	c.mu.Lock()
	c.channel = creds
	c.mu.Unlock()
}

// IntegrateSession creates a Telegram user-account session and records its
// name. A failed attempt keeps the previous session.
func (c *Controller) IntegrateSession(ctx context.Context, r delivery.SessionRequest) (string, error) {
	if c.sessions == nil {
		return "", ErrNoSessions
	}
	name, err := c.sessions.Integrate(ctx, r)
	if err != nil {
		c.log.Warn("session integration failed", logx.String("target", r.TargetUsername), logx.Err(err))
		return "", err
	}
	c.mu.Lock()
	c.session = name
	c.mu.Unlock()
	c.log.Info("session integrated", logx.String("session", name), logx.String("target", r.TargetUsername))
	return name, nil
}

func (c *Controller) readinessLocked() Readiness {
	hasMessage := false
	for _, m := range c.messages {
		if strings.TrimSpace(m.Text) != "" {
			hasMessage = true
			break
		}
	}
	return Readiness{
		HasSelection:   len(c.selection) > 0,
		HasPlaceholder: prompt.HasPlaceholder(c.template),
		HasKey:         c.genKey != "",
		HasMessage:     hasMessage,
		HasChannel:     c.channel.Complete(),
	}
}

func (c *Controller) Readiness() Readiness {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readinessLocked()
}

func (c *Controller) CanGenerate() bool { return c.Readiness().CanGenerate() }

func (c *Controller) CanPost() bool { return c.Readiness().CanPost() }

// GeneratePreview composes and generates, then replaces all messages. On
// any failure the previous messages are kept.
func (c *Controller) GeneratePreview(ctx context.Context) ([]Message, error) {
	c.mu.Lock()
	r := c.readinessLocked()
	if !r.CanGenerate() {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotReady, strings.Join(r.MissingForGenerate(), ", "))
	}
	if c.generating {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.generating = true
	tpl, order, cred, mode := c.template, slices.Clone(c.selection), generate.Credential{APIKey: c.genKey}, c.mode
	c.mu.Unlock()

	c.metrics.SetBusy("generating", true)
	defer func() {
		c.mu.Lock()
		c.generating = false
		c.mu.Unlock()
		c.metrics.SetBusy("generating", false)
	}()

	start := time.Now()
	msgs, err := c.generate(ctx, tpl, order, cred, mode)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	c.metrics.GenerateDone(time.Since(start), err)
	if err != nil {
		c.log.Warn("generate failed", logx.String("mode", string(mode)), logx.Err(err))
		c.bus.Publish(eventbus.Event{Type: EventGenerateFailed, Data: GenerateEvent{Err: err}})
		return nil, err
	}

	c.mu.Lock()
	c.messages = msgs
	c.mu.Unlock()
	c.log.Info("preview generated", logx.Int("messages", len(msgs)), logx.Duration("took", time.Since(start)))
	c.bus.Publish(eventbus.Event{Type: EventGenerateDone, Data: GenerateEvent{Messages: len(msgs)}})
	return slices.Clone(msgs), nil
}

func (c *Controller) generate(ctx context.Context, tpl string, order []signals.ID, cred generate.Credential, mode Mode) ([]Message, error) {
	if mode != ModePerSignal {
		text, err := prompt.Compose(tpl, c.store, order)
		if err != nil {
			return nil, err
		}
		out, err := c.generator.Generate(ctx, cred, generate.Request{Prompt: text, Data: dataObject(c.store, order)})
		if err != nil {
			return nil, err
		}
		return []Message{{Label: CombinedLabel, Text: out}}, nil
	}

	var msgs []Message
	for _, id := range order {
		p, ok := c.store.Get(id)
		if !ok {
			continue
		}
		text, err := prompt.Compose(tpl, c.store, []signals.ID{id})
		if err != nil {
			return nil, err
		}
		out, err := c.generator.Generate(ctx, cred, generate.Request{Prompt: text, Data: json.RawMessage(p)})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", id, err)
		}
		msgs = append(msgs, Message{Label: string(id), Text: out})
	}
	if len(msgs) == 0 {
		return nil, prompt.ErrEmptySelection
	}
	return msgs, nil
}

// dataObject renders fetched payloads as a JSON object keyed by signal id,
// in selection order.
func dataObject(store *fetch.Store, order []signals.ID) json.RawMessage {
	var buf bytes.Buffer
	buf.WriteByte('{')
	n := 0
	for _, id := range order {
		p, ok := store.Get(id)
		if !ok {
			continue
		}
		if n > 0 {
			buf.WriteByte(',')
		}
		k, _ := json.Marshal(string(id))
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(p)
		n++
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// PostAll delivers every non-empty message in order. Progress replaces the
// record list after each transition and is published as delivery.progress.
// trigger names the caller for the run history ("bot", "cli", "schedule").
func (c *Controller) PostAll(ctx context.Context, trigger string) (RunSummary, error) {
	c.mu.Lock()
	r := c.readinessLocked()
	if !r.CanPost() {
		c.mu.Unlock()
		return RunSummary{}, fmt.Errorf("%w: %s", ErrNotReady, strings.Join(r.MissingForPost(), ", "))
	}
	if c.posting {
		c.mu.Unlock()
		return RunSummary{}, ErrBusy
	}
	c.posting = true
	runID := uuid.NewString()
	c.lastRunID = runID
	items := make([]delivery.Item, 0, len(c.messages))
	for _, m := range c.messages {
		if strings.TrimSpace(m.Text) != "" {
			items = append(items, delivery.Item{Label: m.Label, Text: m.Text})
		}
	}
	creds, order := c.channel, slices.Clone(c.selection)
	c.mu.Unlock()

	c.metrics.SetBusy("posting", true)
	defer func() {
		c.mu.Lock()
		c.posting = false
		c.mu.Unlock()
		c.metrics.SetBusy("posting", false)
	}()

	log := c.log.With(logx.String("run_id", runID))
	log.Info("delivery started", logx.Int("items", len(items)), logx.String("trigger", trigger))
	start := time.Now()

	res := c.deliverer.Run(ctx, items, creds, func(recs []delivery.Record) {
		c.mu.Lock()
		c.records = recs
		c.mu.Unlock()
		c.bus.Publish(eventbus.Event{Type: EventDeliveryProgress, Data: ProgressEvent{RunID: runID, Records: recs}})
	})

	sum := RunSummary{
		RunID:     runID,
		Trigger:   trigger,
		Mode:      c.mode,
		Signals:   order,
		Records:   res.Records,
		Succeeded: res.Succeeded(),
		Total:     res.Total(),
		StartedAt: start,
		Duration:  time.Since(start),
		Err:       res.Err,
	}
	statuses := make([]string, 0, len(res.Records))
	for _, rec := range res.Records {
		if rec.Status.Terminal() {
			statuses = append(statuses, string(rec.Status))
		}
		if rec.Status == delivery.StatusError {
			log.Warn("delivery item failed", logx.String("label", rec.Label), logx.String("err", rec.Err))
		}
	}
	c.metrics.DeliveryDone(sum.Duration, statuses)
	log.Info("delivery finished", logx.Int("succeeded", sum.Succeeded), logx.Int("total", sum.Total), logx.Duration("took", sum.Duration))

	if c.recorder != nil {
		c.recorder.RecordRun(sum)
	}
	c.bus.Publish(eventbus.Event{Type: EventDeliveryDone, Data: sum})
	return sum, res.Err
}

// ValidateKey checks the current generation key and stores the verdict. The
// verdict is advisory only.
func (c *Controller) ValidateKey(ctx context.Context) (generate.Verdict, error) {
	c.mu.Lock()
	key := c.genKey
	if key == "" || c.validator == nil {
		c.verdict = generate.VerdictIdle
		c.mu.Unlock()
		return generate.VerdictIdle, nil
	}
	c.verdict = generate.VerdictValidating
	c.mu.Unlock()

	ok, err := c.validator.Validate(ctx, generate.Credential{APIKey: key})
	v := generate.VerdictInvalid
	if err == nil && ok {
		v = generate.VerdictValid
	}

	c.mu.Lock()
	// A key replaced mid-check keeps its own (idle) verdict.
	if c.genKey == key {
		c.verdict = v
	}
	c.mu.Unlock()
	if err != nil {
		c.log.Warn("key validation failed", logx.Err(err))
	}
	return v, err
}

// Snapshot returns a copy of the whole state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	var fetched, inflight []signals.ID
	for _, id := range c.catalog.List() {
		if c.store.Has(id) {
			fetched = append(fetched, id)
		}
		if c.inflight[id] {
			inflight = append(inflight, id)
		}
	}
	return State{
		Mode:         c.mode,
		Selection:    slices.Clone(c.selection),
		Fetched:      fetched,
		InFlight:     inflight,
		Template:     c.template,
		Messages:     slices.Clone(c.messages),
		Records:      slices.Clone(c.records),
		LastRunID:    c.lastRunID,
		HasKey:       c.genKey != "",
		Verdict:      c.verdict,
		ChannelID:    c.channel.ChannelID,
		HasToken:     c.channel.BotToken != "",
		Session:      c.session,
		IsLoading:    len(c.inflight) > 0,
		IsGenerating: c.generating,
		IsPosting:    c.posting,
		Readiness:    c.readinessLocked(),
	}
}
