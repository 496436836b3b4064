package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"sigcast/internal/delivery"
	"sigcast/internal/eventbus"
	"sigcast/internal/generate"
	"sigcast/internal/pipeline"
	"sigcast/internal/prompt"
	"sigcast/internal/signals"
	"sigcast/internal/storage"
	kit "sigcast/internal/transport"
	logx "sigcast/pkg/logx"
	"sigcast/pkg/tgui"
)

// TriggerBot marks runs started from chat.
const TriggerBot = "bot"

const (
	defaultHistory = 5
	maxHistory     = 20
	maxListViews   = 256

	// Keys longer than autoCheckMinLen are checked once they stop changing
	// for keyCheckDelay.
	autoCheckMinLen = 10
	keyCheckDelay   = 500 * time.Millisecond
	keyCheckTimeout = 30 * time.Second
)

type Options struct {
	Controller *pipeline.Controller
	// Store is optional; /history and auditing need it.
	Store   storage.Store
	Adapter kit.Adapter
	Owners  []int64
	Workers int
	// NextAutopost reports the next scheduled run, zero when none.
	NextAutopost func() time.Time
	Log          logx.Logger
}

type Bot struct {
	ctl     *pipeline.Controller
	store   storage.Store
	adapter kit.Adapter
	next    func() time.Time
	log     logx.Logger
	router  *Router

	mu       sync.Mutex
	views    map[kit.MessageRef]bool // signal list message -> showing all
	keyTimer *time.Timer
	keyDelay time.Duration
}

func New(opts Options) *Bot {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	b := &Bot{
		ctl:      opts.Controller,
		store:    opts.Store,
		adapter:  opts.Adapter,
		next:     opts.NextAutopost,
		log:      opts.Log,
		views:    map[kit.MessageRef]bool{},
		keyDelay: keyCheckDelay,
	}
	b.router = NewRouter(opts.Log, opts.Adapter, opts.Owners, opts.Workers)
	b.router.SetRegistry(b.commands(), b.callbacks())
	if b.store != nil {
		b.router.SetAudit(b.audit)
	}
	return b
}

func (b *Bot) Router() *Router { return b.router }

func (b *Bot) SetOwners(ids []int64) { b.router.SetOwners(ids) }

// Run dispatches updates until ctx ends or updates closes.
func (b *Bot) Run(ctx context.Context, updates <-chan kit.Update) error {
	defer b.stopKeyCheck()
	return b.router.DispatchLoop(ctx, updates)
}

func (b *Bot) commands() []Command {
	return []Command{
		{Route: "signals", Description: "list and toggle signals", Usage: "/signals [all]", Handle: b.cmdSignals},
		{Route: "toggle", Description: "toggle signals by id", Usage: "/toggle <id...>", Handle: b.cmdToggle},
		{Route: "template", Description: "show or set the prompt template", Usage: "/template [text|preset <n>|presets|clear]", Handle: b.cmdTemplate},
		{Route: "preview", Description: "generate messages", Timeout: 3 * time.Minute, Handle: b.cmdPreview},
		{Route: "post", Description: "deliver generated messages", Timeout: 15 * time.Minute, Handle: b.cmdPost},
		{Route: "status", Description: "state and readiness", Handle: b.cmdStatus},
		{Route: "creds", Description: "set session credentials", Usage: "/creds [key <k>|channel <token> <chat>|integrate <api_id> <api_hash> <phone> <target>|clear key|channel]", Timeout: 2 * time.Minute, Handle: b.cmdCreds},
		{Route: "validate", Description: "check the generation key", Timeout: 30 * time.Second, Handle: b.cmdValidate},
		{Route: "history", Description: "recent delivery runs", Usage: "/history [n]", Timeout: 10 * time.Second, Handle: b.cmdHistory},
		{Route: "help", Aliases: []string{"start", "h"}, Description: "this help", Handle: b.cmdHelp},
	}
}

func (b *Bot) callbacks() []CallbackRoute {
	return []CallbackRoute{
		{Scope: cbScope, Action: cbToggle, Timeout: 10 * time.Second, Handle: b.cbToggle},
		{Scope: cbScope, Action: cbList, Timeout: 10 * time.Second, Handle: b.cbList},
	}
}

func (b *Bot) rememberView(ref kit.MessageRef, all bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.views) >= maxListViews {
		clear(b.views)
	}
	b.views[ref] = all
}

func (b *Bot) viewOf(ref kit.MessageRef) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.views[ref]
}

func (b *Bot) cmdSignals(ctx context.Context, req *Request) error {
	all := req.Bools["all"] || (len(req.Args) > 0 && strings.EqualFold(req.Args[0], listAll))
	ref, err := renderSignals(b.ctl.Snapshot(), b.ctl.Catalog(), all).Send(ctx, req.Adapter, req.Chat)
	if err != nil {
		return err
	}
	b.rememberView(ref, all)
	return nil
}

func (b *Bot) cbToggle(ctx context.Context, req *Request, payload string) error {
	if _, err := b.ctl.Toggle(signals.ID(payload)); err != nil {
		_ = req.Adapter.AnswerCallback(ctx, req.Update.Callback.ID, "unknown signal")
		return err
	}
	return b.redrawList(ctx, req, b.viewOf(callbackRef(req)))
}

func (b *Bot) cbList(ctx context.Context, req *Request, payload string) error {
	all := payload == listAll
	b.rememberView(callbackRef(req), all)
	return b.redrawList(ctx, req, all)
}

func (b *Bot) redrawList(ctx context.Context, req *Request, all bool) error {
	return renderSignals(b.ctl.Snapshot(), b.ctl.Catalog(), all).Edit(ctx, req.Adapter, callbackRef(req))
}

func callbackRef(req *Request) kit.MessageRef {
	cb := req.Update.Callback
	return kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
}

func (b *Bot) cmdToggle(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return b.cmdSignals(ctx, req)
	}
	var lines []string
	var unknown []string
	for _, raw := range req.Args {
		id := signals.ID(strings.TrimSpace(raw))
		on, err := b.ctl.Toggle(id)
		switch {
		case errors.Is(err, pipeline.ErrUnknownSignal):
			unknown = append(unknown, string(id))
		case on:
			lines = append(lines, "✅ "+string(id)+" selected")
		default:
			lines = append(lines, "➖ "+string(id)+" removed")
		}
	}
	if len(unknown) > 0 {
		lines = append(lines, "❓ unknown: "+strings.Join(unknown, ", "))
	}
	_, err := req.Reply(ctx, strings.Join(lines, "\n"))
	return err
}

func (b *Bot) cmdTemplate(ctx context.Context, req *Request) error {
	text := strings.TrimSpace(req.Text)
	first := ""
	if len(req.Args) > 0 {
		first = strings.ToLower(req.Args[0])
	}
	switch {
	case text == "":
		tpl := b.ctl.Snapshot().Template
		bld := tgui.New().Title("📝", "Template")
		if tpl == "" {
			bld.Line("not set")
		} else {
			bld.Pre(tpl)
		}
		bld.KV("placeholder", yesNo(prompt.HasPlaceholder(tpl)))
		bld.Line("set with /template <text> or /template preset <n>")
		_, err := bld.Build().Send(ctx, req.Adapter, req.Chat)
		return err

	case first == "clear" && len(req.Args) == 1:
		b.ctl.SetTemplate("")
		_, err := req.Reply(ctx, "template cleared")
		return err

	case first == "presets" && len(req.Args) == 1:
		bld := tgui.New().Title("📝", "Presets")
		for i, p := range prompt.Presets() {
			bld.Line(strconv.Itoa(i+1) + ". " + p)
		}
		_, err := bld.Build().Send(ctx, req.Adapter, req.Chat)
		return err

	case first == "preset" && len(req.Args) == 2:
		n, _ := strconv.Atoi(req.Args[1])
		p, ok := prompt.Preset(n)
		if !ok {
			_, err := req.Reply(ctx, fmt.Sprintf("preset must be 1..%d", len(prompt.Presets())))
			return err
		}
		b.ctl.SetTemplate(p)
		_, err := req.Reply(ctx, "template set to preset "+strconv.Itoa(n))
		return err
	}

	b.ctl.SetTemplate(text)
	msg := "template set"
	if !prompt.HasPlaceholder(text) {
		msg += ", but it lacks " + prompt.Placeholder + " so generation stays disabled"
	}
	_, err := req.Reply(ctx, msg)
	return err
}

func notReady(missing []string) string {
	return "not ready:\n• " + strings.Join(missing, "\n• ")
}

// fetchGrace bounds how long /preview waits for in-flight fetches.
const fetchGrace = 30 * time.Second

func (b *Bot) cmdPreview(ctx context.Context, req *Request) error {
	st := b.ctl.Snapshot()
	if !st.Readiness.CanGenerate() {
		_, err := req.Reply(ctx, notReady(st.Readiness.MissingForGenerate()))
		return err
	}
	ref, _ := req.Reply(ctx, "⏳ generating…")

	wctx, cancel := context.WithTimeout(ctx, fetchGrace)
	_ = b.ctl.WaitIdle(wctx)
	cancel()

	msgs, err := b.ctl.GeneratePreview(ctx)
	if err != nil {
		text := "❌ generation failed: " + err.Error()
		if errors.Is(err, pipeline.ErrBusy) {
			text = "a generation is already running"
		}
		b.replace(ctx, req, ref, text)
		return err
	}
	b.replace(ctx, req, ref, fmt.Sprintf("✅ %d message(s) generated, /post to deliver", len(msgs)))
	for _, m := range msgs {
		if _, err := req.Reply(ctx, "["+m.Label+"]\n\n"+m.Text); err != nil {
			return err
		}
	}
	return nil
}

// replace edits ref, or sends a new message when ref is unset.
func (b *Bot) replace(ctx context.Context, req *Request, ref kit.MessageRef, text string) {
	if ref.MessageID != 0 {
		if err := req.Adapter.EditText(ctx, ref, text, &kit.SendOptions{DisablePreview: true}); err == nil {
			return
		}
	}
	_, _ = req.Reply(ctx, text)
}

func (b *Bot) cmdPost(ctx context.Context, req *Request) error {
	st := b.ctl.Snapshot()
	if !st.Readiness.CanPost() {
		_, err := req.Reply(ctx, notReady(st.Readiness.MissingForPost()))
		return err
	}
	ref, _ := req.Reply(ctx, "📤 starting delivery…")

	events, unsub := b.ctl.Bus().Subscribe(32)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var runID string
		for {
			select {
			case <-done:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				p, isProgress := ev.Data.(pipeline.ProgressEvent)
				if ev.Type != pipeline.EventDeliveryProgress || !isProgress || ref.MessageID == 0 {
					continue
				}
				if runID == "" {
					runID = p.RunID
				}
				if p.RunID != runID {
					continue
				}
				_ = renderProgress(p.RunID, p.Records).Edit(ctx, req.Adapter, ref)
			}
		}
	}()

	sum, err := b.ctl.PostAll(ctx, TriggerBot)
	close(done)
	wg.Wait()
	unsub()

	switch {
	case errors.Is(err, pipeline.ErrBusy):
		b.replace(ctx, req, ref, "a delivery is already running")
		return err
	case errors.Is(err, pipeline.ErrNotReady):
		b.replace(ctx, req, ref, err.Error())
		return err
	}
	out := renderSummary(sum)
	if ref.MessageID == 0 || out.Edit(ctx, req.Adapter, ref) != nil {
		_, _ = out.Send(ctx, req.Adapter, req.Chat)
	}
	if err == nil && sum.Succeeded < sum.Total {
		err = fmt.Errorf("%d of %d items failed", sum.Total-sum.Succeeded, sum.Total)
	}
	return err
}

func (b *Bot) cmdStatus(ctx context.Context, req *Request) error {
	var next time.Time
	if b.next != nil {
		next = b.next()
	}
	_, err := renderStatus(b.ctl.Snapshot(), next).Send(ctx, req.Adapter, req.Chat)
	return err
}

func (b *Bot) cmdCreds(ctx context.Context, req *Request) error {
	args := req.RawArgs
	sub := ""
	if len(args) > 0 {
		sub = strings.ToLower(args[0])
	}
	const secretHint = "\nyou may want to delete the message containing the secret"

	switch {
	case sub == "":
		st := b.ctl.Snapshot()
		key := "not set"
		if st.HasKey {
			key = "set (" + string(st.Verdict) + ")"
		}
		token := "not set"
		if st.HasToken {
			token = "set"
		}
		channel := st.ChannelID
		if channel == "" {
			channel = "not set"
		}
		session := st.Session
		if session == "" {
			session = "not integrated"
		}
		_, err := tgui.New().Title("🔑", "Credentials").
			KV("generation key", key).
			KV("bot token", token).
			KV("channel", channel).
			KV("telegram session", session).
			Build().Send(ctx, req.Adapter, req.Chat)
		return err

	case sub == "key" && len(args) == 2:
		b.ctl.SetGenerationKey(args[1])
		hint := ", /validate to check"
		if len(strings.TrimSpace(args[1])) > autoCheckMinLen {
			b.scheduleKeyCheck(req.Adapter, req.Chat)
			hint = ", checking"
		}
		_, err := req.Reply(ctx, "generation key set ("+mask(args[1])+")"+hint+secretHint)
		return err

	case sub == "channel" && len(args) == 3:
		b.ctl.SetChannel(delivery.Credentials{BotToken: args[1], ChannelID: args[2]})
		_, err := req.Reply(ctx, "channel set to "+args[2]+secretHint)
		return err

	case sub == "integrate" && len(args) == 5:
		name, err := b.ctl.IntegrateSession(ctx, delivery.SessionRequest{
			APIID:          args[1],
			APIHash:        args[2],
			Phone:          args[3],
			TargetUsername: args[4],
		})
		if err != nil {
			_, rerr := req.Reply(ctx, "❌ telegram integration failed: "+err.Error())
			return errors.Join(err, rerr)
		}
		_, rerr := req.Reply(ctx, "✅ telegram session created: "+name+secretHint)
		return rerr

	case sub == "clear" && len(args) == 2 && strings.EqualFold(args[1], "key"):
		b.stopKeyCheck()
		b.ctl.SetGenerationKey("")
		_, err := req.Reply(ctx, "generation key cleared")
		return err

	case sub == "clear" && len(args) == 2 && strings.EqualFold(args[1], "channel"):
		b.ctl.SetChannel(delivery.Credentials{})
		_, err := req.Reply(ctx, "channel credentials cleared")
		return err
	}
	_, err := req.Reply(ctx, "usage: /creds [key <k>|channel <token> <chat>|integrate <api_id> <api_hash> <phone> <target>|clear key|clear channel]")
	return err
}

func (b *Bot) cmdValidate(ctx context.Context, req *Request) error {
	v, err := b.ctl.ValidateKey(ctx)
	_, rerr := req.Reply(ctx, verdictText(v, err))
	return errors.Join(err, rerr)
}

func verdictText(v generate.Verdict, err error) string {
	switch {
	case v == generate.VerdictIdle:
		return "no generation key set"
	case err != nil:
		return "❌ key check failed: " + err.Error()
	case v == generate.VerdictValid:
		return "✅ key is valid"
	default:
		return "❌ key was rejected"
	}
}

// scheduleKeyCheck validates the generation key once it has been left alone
// for keyDelay. Each new key restarts the wait.
func (b *Bot) scheduleKeyCheck(ad kit.Adapter, chat kit.ChatTarget) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.keyTimer != nil {
		b.keyTimer.Stop()
	}
	b.keyTimer = time.AfterFunc(b.keyDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), keyCheckTimeout)
		defer cancel()
		v, err := b.ctl.ValidateKey(ctx)
		if _, serr := ad.SendText(ctx, chat, verdictText(v, err), nil); serr != nil {
			b.log.Warn("key check reply failed", logx.Err(serr))
		}
	})
}

func (b *Bot) stopKeyCheck() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.keyTimer != nil {
		b.keyTimer.Stop()
		b.keyTimer = nil
	}
}

func (b *Bot) cmdHistory(ctx context.Context, req *Request) error {
	if b.store == nil {
		_, err := req.Reply(ctx, "history is disabled (storage.driver is none)")
		return err
	}
	n := defaultHistory
	if len(req.Args) > 0 {
		if v, err := strconv.Atoi(req.Args[0]); err == nil && v > 0 {
			n = min(v, maxHistory)
		}
	}
	runs, err := b.store.RecentRuns(ctx, n)
	if err != nil {
		_, _ = req.Reply(ctx, "could not read history: "+err.Error())
		return err
	}
	_, err = renderHistory(runs).Send(ctx, req.Adapter, req.Chat)
	return err
}

func (b *Bot) cmdHelp(ctx context.Context, req *Request) error {
	_, err := renderHelp(b.router.Commands()).Send(ctx, req.Adapter, req.Chat)
	return err
}

func (b *Bot) audit(_ context.Context, req *Request, err error, took time.Duration) {
	e := storage.AuditEntry{
		At:            time.Now(),
		ActorID:       req.FromID,
		ActorUsername: req.FromUsername,
		ChatID:        req.Chat.ChatID,
		Action:        req.Command,
		Target:        auditTarget(req),
		OK:            err == nil,
		TookMS:        took.Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if aerr := b.store.AppendAudit(ctx, e); aerr != nil {
		b.log.Warn("audit append failed", logx.Err(aerr))
	}
}

// auditTarget keeps secrets out of the audit log.
func auditTarget(req *Request) string {
	switch req.Command {
	case "creds":
		if len(req.Args) > 0 {
			return req.Args[0]
		}
		return ""
	case "template":
		return tgui.TruncRunes(req.Text, 64)
	}
	if req.Payload != "" {
		return req.Payload
	}
	return strings.Join(req.Args, " ")
}

// WatchEvents forwards background failures and non-chat delivery results
// to the owners' private chats.
func (b *Bot) WatchEvents(ctx context.Context) error {
	events, unsub := b.ctl.Bus().Subscribe(32)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if text := notification(ev); text != "" {
				b.notifyOwners(ctx, text)
			}
		}
	}
}

func notification(ev eventbus.Event) string {
	switch ev.Type {
	case pipeline.EventFetchFailed:
		if fe, ok := ev.Data.(pipeline.FetchEvent); ok {
			return fmt.Sprintf("⚠️ fetch %s failed: %v", fe.ID, fe.Err)
		}
	case pipeline.EventDeliveryDone:
		if sum, ok := ev.Data.(pipeline.RunSummary); ok && sum.Trigger != TriggerBot {
			text := fmt.Sprintf("📤 %s run %s: %d/%d delivered", sum.Trigger, shortID(sum.RunID), sum.Succeeded, sum.Total)
			if sum.Err != nil {
				text += " (" + sum.Err.Error() + ")"
			}
			return text
		}
	}
	return ""
}

func (b *Bot) notifyOwners(ctx context.Context, text string) {
	for _, id := range b.router.Owners() {
		if _, err := b.adapter.SendText(ctx, kit.ChatTarget{ChatID: id}, text, &kit.SendOptions{DisablePreview: true}); err != nil {
			b.log.Warn("owner notification failed", logx.Int64("owner", id), logx.Err(err))
		}
	}
}
