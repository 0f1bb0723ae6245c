// Package router turns chat messages into tenant-scoped command invocations.
package router

import (
	"context"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	rtsup "kidbot/internal/runtime/supervisor"
	kit "kidbot/internal/transport"
	logx "kidbot/pkg/logx"
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	// NoTenant commands run in chats that are not linked to a tenant.
	NoTenant bool
	Timeout  time.Duration
	Handle   HandlerFunc
}

type Request struct {
	Chat    kit.ChatTarget
	FromID  int64
	Tenant  string
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger

	sender Sender
}

// Reply sends text to the chat the request came from. Send errors are logged only.
func (r *Request) Reply(ctx context.Context, text string) {
	if r.sender == nil {
		return
	}
	if _, err := r.sender.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true}); err != nil {
		r.Logger.Warn("reply failed", logx.Err(err))
	}
}

type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// TenantResolver maps a chat to the tenant it belongs to.
type TenantResolver interface {
	TenantFor(chatID int64) (string, bool)
}

type Config struct {
	Workers  int
	QueueCap int
	Timeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueCap <= 0 {
		c.QueueCap = 256
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

// Manager dispatches commands to a bounded worker pool.
type Manager struct {
	cfg     Config
	log     logx.Logger
	sender  Sender
	tenants TenantResolver

	mu    sync.RWMutex
	cmds  []Command
	index map[string]Command // name or alias -> command

	jobs chan func()
}

func NewManager(cfg Config, sender Sender, tenants TenantResolver, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:     cfg,
		log:     log,
		sender:  sender,
		tenants: tenants,
		index:   map[string]Command{},
		jobs:    make(chan func(), cfg.QueueCap),
	}
}

// SetCommands replaces the command set; /help is always added.
func (m *Manager) SetCommands(cmds []Command) {
	cmds = append(cmds, Command{
		Name:        "help",
		Aliases:     []string{"start", "h"},
		Description: "show this help",
		Usage:       "/help [command]",
		NoTenant:    true,
		Handle: func(ctx context.Context, req *Request) error {
			req.Reply(ctx, m.helpText(req.Args))
			return nil
		},
	})

	index := make(map[string]Command, len(cmds)*2)
	kept := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := sanitizeCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		kept = append(kept, c)
		index[name] = c
		for _, a := range c.Aliases {
			if a = sanitizeCommand(a); a != "" {
				if _, exists := index[a]; !exists {
					index[a] = c
				}
			}
		}
	}
	m.mu.Lock()
	m.cmds, m.index = kept, index
	m.mu.Unlock()
}

// MenuCommands returns the menu entries for the current command set.
func (m *Manager) MenuCommands() []kit.BotCommand {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return buildMenu(m.cmds)
}

func (m *Manager) lookup(name string) (Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.index[name]
	return c, ok
}

func (m *Manager) tryEnqueue(fn func()) bool {
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop routes updates until ctx ends or updates is closed.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	for i := 0; i < m.cfg.Workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-m.jobs:
					m.runJob(idx, job)
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	m.log.Info("command dispatcher started", logx.Int("workers", m.cfg.Workers), logx.Int("job_queue_cap", cap(m.jobs)))

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
			if up.Kind == kit.UpdateMessage && up.Message != nil {
				m.routeMessage(ctx, up.Message)
			}
		}
	}
}

func (m *Manager) runJob(worker int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (m *Manager) routeMessage(ctx context.Context, msg *kit.Message) {
	req, h, ok := m.prepare(msg)
	if !ok {
		return
	}
	if !m.tryEnqueue(func() { _ = h(ctx, req) }) {
		req.Reply(ctx, "Busy, try again in a moment.")
	}
}

// prepare resolves msg into a request and its wrapped handler. ok is false when msg
// is not a command or was answered directly.
func (m *Manager) prepare(msg *kit.Message) (*Request, HandlerFunc, bool) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return nil, nil, false
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return nil, nil, false
	}
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}

	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	rid := newReqID()
	req := &Request{
		Chat:    chat,
		FromID:  msg.FromID,
		Command: word,
		Args:    parts[1:],
		ReqID:   rid,
		sender:  m.sender,
	}
	req.Logger = m.log.With(logx.String("rid", rid), logx.Int64("chat_id", msg.ChatID), logx.String("cmd", word))

	cmd, ok := m.lookup(word)
	if !ok {
		m.replyNow(req, "Unknown command. Try /help")
		return nil, nil, false
	}
	req.Command = cmd.Name
	if m.tenants != nil {
		if tenant, found := m.tenants.TenantFor(msg.ChatID); found {
			req.Tenant = tenant
			req.Logger = req.Logger.With(logx.Tenant(tenant))
		}
	}
	if req.Tenant == "" && !cmd.NoTenant {
		m.replyNow(req, "This chat is not linked to an account.")
		return nil, nil, false
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = m.cfg.Timeout
	}
	h := Chain(cmd.Handle,
		MWReplyError(),
		MWPanicRecover(),
		MWRequestLog(),
		MWTimeout(timeout),
	)
	return req, h, true
}

func (m *Manager) replyNow(req *Request, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req.Reply(ctx, text)
}

func newReqID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
