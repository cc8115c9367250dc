package memory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/sync/errgroup"

	"github.com/dotsetgreg/tiermem/pkg/bus"
	"github.com/dotsetgreg/tiermem/pkg/chat"
	"github.com/dotsetgreg/tiermem/pkg/injection"
	"github.com/dotsetgreg/tiermem/pkg/logger"
	"github.com/dotsetgreg/tiermem/pkg/prompt"
	"github.com/dotsetgreg/tiermem/pkg/tokens"
)

// Config configures the memory manager.
type Config struct {
	Workspace   string
	Settings    Settings
	Backend     Backend
	Counter     tokens.Counter
	Scripts     prompt.Transformer
	Instruct    *prompt.InstructFormat
	Metrics     *Metrics
	EventBuffer int
	// Parallelism bounds how many conversations AutoSummarizeAll runs at once.
	Parallelism int
	// Sink builds the injection sink of a conversation; nil publishes nowhere.
	Sink func(conversationID string) injection.Sink
}

// Manager owns every conversation of a workspace. Events for one
// conversation are handled in order by a dedicated worker.
type Manager struct {
	cfg Config
	db  *chat.SQLiteDB

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	convs  map[string]*worker
	closed bool

	closeOnce sync.Once
	closeErr  error
}

type worker struct {
	conv   *Conversation
	events chan bus.ChatEvent
}

func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	if strings.TrimSpace(cfg.Workspace) == "" {
		return nil, fmt.Errorf("memory workspace is required")
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 2
	}
	if cfg.Counter == nil {
		cfg.Counter = tokens.HeuristicCounter{}
	}

	dbPath := filepath.Join(cfg.Workspace, "state", "tiermem.db")
	db, err := chat.OpenSQLite(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg,
		db:     db,
		ctx:    runCtx,
		cancel: cancel,
		convs:  make(map[string]*worker),
	}, nil
}

// DB exposes the underlying conversation database.
func (m *Manager) DB() *chat.SQLiteDB { return m.db }

// Conversation returns the live conversation for id, opening it on first use.
func (m *Manager) Conversation(ctx context.Context, id string) (*Conversation, error) {
	w, err := m.worker(ctx, id)
	if err != nil {
		return nil, err
	}
	return w.conv, nil
}

func (m *Manager) worker(ctx context.Context, id string) (*worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if w, ok := m.convs[id]; ok {
		return w, nil
	}

	store, err := m.db.Conversation(ctx, id)
	if err != nil {
		return nil, err
	}
	var sink injection.Sink
	if m.cfg.Sink != nil {
		sink = m.cfg.Sink(id)
	}
	conv, err := NewConversation(ConversationOptions{
		ID:       id,
		Store:    store,
		Backend:  m.cfg.Backend,
		Counter:  m.cfg.Counter,
		Scripts:  m.cfg.Scripts,
		Sink:     sink,
		Instruct: m.cfg.Instruct,
		Settings: m.cfg.Settings,
		Metrics:  m.cfg.Metrics,
		OnProgress: func(done, total int, label string) {
			logger.InfoCF("memory", label, map[string]interface{}{
				"conversation": id,
				"done":         done,
				"total":        total,
			})
		},
	})
	if err != nil {
		return nil, err
	}

	w := &worker{conv: conv, events: make(chan bus.ChatEvent, m.cfg.EventBuffer)}
	m.convs[id] = w
	m.wg.Add(1)
	go m.runWorker(w)
	return w, nil
}

func (m *Manager) runWorker(w *worker) {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev := <-w.events:
			res, err := w.conv.HandleEvent(m.ctx, ev)
			if err != nil {
				logger.WarnCF("memory", "Event handling failed", map[string]interface{}{
					"conversation": w.conv.ID(),
					"event":        string(ev.Kind),
					"error":        err.Error(),
				})
				continue
			}
			if len(res.Jobs) > 0 {
				logger.InfoCF("memory", "Event summarization finished", map[string]interface{}{
					"conversation": w.conv.ID(),
					"event":        string(ev.Kind),
					"done":         res.Count(JobDone),
					"failed":       res.Count(JobFailed),
					"aborted":      res.Count(JobAborted),
				})
			}
		}
	}
}

// Dispatch queues ev for its conversation's worker. It blocks while the
// worker queue is full.
func (m *Manager) Dispatch(ctx context.Context, ev bus.ChatEvent) error {
	w, err := m.worker(ctx, ev.ConversationID)
	if err != nil {
		return err
	}
	select {
	case w.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return ErrClosed
	}
}

// Stop halts the active summarization run of a conversation. Unknown
// conversations are ignored.
func (m *Manager) Stop(id string) {
	m.mu.Lock()
	w, ok := m.convs[id]
	m.mu.Unlock()
	if ok {
		w.conv.Stop()
	}
}

// Serve dispatches bus events until ctx ends or the bus closes. Stop events
// bypass the conversation queue so they reach a running scheduler.
func (m *Manager) Serve(ctx context.Context, mb *bus.MessageBus) error {
	for {
		ev, ok := mb.ConsumeEvent(ctx)
		if !ok {
			if err := ctx.Err(); err != nil {
				return err
			}
			return nil
		}
		if ev.Kind == bus.EventStop {
			m.Stop(ev.ConversationID)
			continue
		}
		if err := m.Dispatch(ctx, ev); err != nil {
			logger.WarnCF("memory", "Dropping event", map[string]interface{}{
				"conversation": ev.ConversationID,
				"event":        string(ev.Kind),
				"error":        err.Error(),
			})
		}
	}
}

// AutoSummarizeAll runs the auto policy over every stored conversation.
// Disabled conversations are skipped; per-message failures stay on the
// messages and do not fail the sweep.
func (m *Manager) AutoSummarizeAll(ctx context.Context) error {
	metas, err := m.db.ListConversations(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Parallelism)
	for _, meta := range metas {
		id := meta.ID
		g.Go(func() error {
			conv, err := m.Conversation(gctx, id)
			if err != nil {
				return err
			}
			res, err := conv.AutoSummarize(gctx)
			if errors.Is(err, ErrDisabled) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("auto-summarize %s: %w", id, err)
			}
			if len(res.Jobs) > 0 {
				logger.InfoCF("memory", "Sweep summarized conversation", map[string]interface{}{
					"conversation": id,
					"done":         res.Count(JobDone),
					"failed":       res.Count(JobFailed),
				})
			}
			return nil
		})
	}
	return g.Wait()
}

// RunSweeper calls AutoSummarizeAll on the cron schedule expr until ctx ends.
func (m *Manager) RunSweeper(ctx context.Context, expr string) error {
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("invalid sweep schedule %q", expr)
	}
	for {
		next, err := gronx.NextTickAfter(expr, time.Now(), false)
		if err != nil {
			return fmt.Errorf("next sweep tick: %w", err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		logger.DebugCF("memory", "Running summarization sweep", map[string]interface{}{"schedule": expr})
		if err := m.AutoSummarizeAll(ctx); err != nil {
			logger.WarnCF("memory", "Summarization sweep failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

// Close stops all runs, waits for workers and closes the database.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		for _, w := range m.convs {
			w.conv.Stop()
		}
		m.mu.Unlock()
		m.cancel()
		m.wg.Wait()
		m.closeErr = m.db.Close()
	})
	return m.closeErr
}
