package bot

import (
	"context"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"sigcast/internal/runtime/supervisor"
	kit "sigcast/internal/transport"
	logx "sigcast/pkg/logx"
)

// Command is one slash command. Every command is owner-only.
type Command struct {
	Route       string
	Aliases     []string
	Description string
	Usage       string
	Timeout     time.Duration
	Handle      HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// CallbackRoute handles inline-button data "scope:action[:payload]".
type CallbackRoute struct {
	Scope   string
	Action  string
	Timeout time.Duration
	Handle  CallbackHandlerFunc
}

type Request struct {
	Update       kit.Update
	Chat         kit.ChatTarget
	FromID       int64
	FromUsername string
	Command      string
	// Text is the raw message after the command word.
	Text    string
	Args    []string
	RawArgs []string
	Flags   map[string]string
	Bools   map[string]bool
	Payload string
	ReqID   string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends plain text to the request's chat.
func (r *Request) Reply(ctx context.Context, text string) (kit.MessageRef, error) {
	return r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
}

// AuditFunc observes finished requests.
type AuditFunc func(ctx context.Context, req *Request, err error, took time.Duration)

const jobQueueCap = 64

// Router maps updates to commands and runs them on a bounded worker pool.
type Router struct {
	log     logx.Logger
	adapter kit.Adapter
	workers int

	mu     sync.RWMutex
	cmds   map[string]*Command
	order  []Command
	cbs    map[string]CallbackRoute
	owners []int64
	audit  AuditFunc

	jobs chan func()
}

// NewRouter builds a router. workers <= 0 means one worker, which keeps
// commands in arrival order.
func NewRouter(log logx.Logger, adapter kit.Adapter, owners []int64, workers int) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if workers <= 0 {
		workers = 1
	}
	return &Router{
		log:     log,
		adapter: adapter,
		workers: workers,
		cmds:    map[string]*Command{},
		cbs:     map[string]CallbackRoute{},
		owners:  slices.Clone(owners),
		jobs:    make(chan func(), jobQueueCap),
	}
}

// SetOwners replaces the owner list. Safe during hot reload.
func (m *Router) SetOwners(owners []int64) {
	cp := slices.Clone(owners)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *Router) Owners() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.owners)
}

func (m *Router) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.owners, id)
}

func (m *Router) SetAudit(fn AuditFunc) {
	m.mu.Lock()
	m.audit = fn
	m.mu.Unlock()
}

// SetRegistry installs commands and callbacks.
func (m *Router) SetRegistry(cmds []Command, cbs []CallbackRoute) {
	index := map[string]*Command{}
	order := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Route))
		if name == "" || c.Handle == nil {
			continue
		}
		cc := c
		cc.Route = name
		index[name] = &cc
		for _, a := range c.Aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				if _, exists := index[a]; !exists {
					index[a] = &cc
				}
			}
		}
		order = append(order, cc)
	}
	cb := map[string]CallbackRoute{}
	for _, r := range cbs {
		s, a := strings.TrimSpace(r.Scope), strings.TrimSpace(r.Action)
		if s == "" || a == "" || r.Handle == nil {
			continue
		}
		cb[s+":"+a] = r
	}

	m.mu.Lock()
	m.cmds = index
	m.order = order
	m.cbs = cb
	m.mu.Unlock()
}

// Commands returns the registered commands in registration order.
func (m *Router) Commands() []Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.order)
}

// PublishMenu pushes the command list to the platform menu when supported.
func (m *Router) PublishMenu(ctx context.Context) error {
	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return up.UpdateMenuCommands(ctx, buildMenu(m.Commands()))
}

// DispatchLoop consumes updates until ctx ends or updates closes, then
// drains the queue briefly.
func (m *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := supervisor.New(ctx,
		supervisor.WithLogger(m.log.With(logx.String("comp", "bot.router"))),
		supervisor.WithCancelOnError(false),
	)
	m.log.Info("command dispatcher started", logx.Int("workers", m.workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < m.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					m.runJob(idx, job)
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, up)
		}
	}
}

func (m *Router) runJob(worker int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (m *Router) enqueue(fn func()) bool {
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

func (m *Router) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		m.routeMessage(ctx, up)
	case kit.UpdateCallback:
		m.routeCallback(ctx, up)
	}
}

func (m *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	word, rest := splitCommand(msg.Text)
	if word == "" {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if !m.isOwner(msg.FromID) {
		m.log.Warn("unauthorized command", logx.Int64("from_id", msg.FromID), logx.String("cmd", word))
		_, _ = m.adapter.SendText(ctx, chat, "unauthorized", nil)
		return
	}

	m.mu.RLock()
	cmd, ok := m.cmds[word]
	audit := m.audit
	m.mu.RUnlock()
	if !ok {
		_, _ = m.adapter.SendText(ctx, chat, "unknown command, try /help", nil)
		return
	}

	raw := tokenizeCommandLine(rest)
	pos, flags, bools := parseFlags(raw)
	rid := newReqID()
	req := &Request{
		Update:       up,
		Chat:         chat,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Command:      cmd.Route,
		Text:         rest,
		Args:         pos,
		RawArgs:      raw,
		Flags:        flags,
		Bools:        bools,
		ReqID:        rid,
		Adapter:      m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Route),
		),
	}
	final := Chain(cmd.Handle,
		MWPanicRecover(m.log),
		MWAudit(audit),
		MWRequestLog(m.log),
		MWTimeout(cmd.Timeout),
	)
	if !m.enqueue(func() { _ = final(ctx, req) }) {
		_, _ = m.adapter.SendText(ctx, chat, "busy, try again", nil)
	}
}

func (m *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	parts := strings.SplitN(strings.TrimSpace(cb.Data), ":", 3)
	if len(parts) < 2 {
		return
	}
	key := parts[0] + ":" + parts[1]
	payload := ""
	if len(parts) == 3 {
		payload = parts[2]
	}

	m.mu.RLock()
	route, ok := m.cbs[key]
	audit := m.audit
	m.mu.RUnlock()
	if !ok {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	if !m.isOwner(cb.FromID) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}

	rid := newReqID()
	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
		FromID:  cb.FromID,
		Command: "cb:" + key,
		Payload: payload,
		ReqID:   rid,
		Adapter: m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", cb.ChatID),
			logx.Int64("from_id", cb.FromID),
			logx.String("cmd", "cb:"+key),
		),
	}
	h := func(ctx context.Context, r *Request) error { return route.Handle(ctx, r, payload) }
	final := Chain(h,
		MWPanicRecover(m.log),
		MWAudit(audit),
		MWRequestLog(m.log),
		MWTimeout(route.Timeout),
	)
	if !m.enqueue(func() {
		_ = final(ctx, req)
		// stops the button spinner
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
	}) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "busy")
	}
}
