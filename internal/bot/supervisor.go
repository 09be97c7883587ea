package bot

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/OvictorVieira/backbot-sub003/internal/config"
	"github.com/OvictorVieira/backbot-sub003/internal/models"
)

// defaultReapInterval is the slow background cadence for orphan cleanup,
// independent of the per-tick reap.
const defaultReapInterval = 10 * time.Minute

// BotView is the dashboard-facing summary of one bot.
type BotView struct {
	ID               int       `json:"id"`
	Name             string    `json:"name"`
	Strategy         string    `json:"strategy"`
	Status           string    `json:"status"`
	ExecutionMode    string    `json:"execution_mode"`
	NextValidationAt time.Time `json:"next_validation_at"`
	Restarting       bool      `json:"restarting"`
}

// Supervisor owns the runner registry, the global maintenance flag and the
// slow orphan-reap loop.
type Supervisor struct {
	cfg    *config.Config
	deps   Deps
	logger *log.Logger
	runID  string

	maintenance atomic.Bool

	mu         sync.Mutex
	runners    map[int]*handle
	restarting map[int]bool

	reapInterval time.Duration
	reapCancel   context.CancelFunc
	reapDone     chan struct{}
}

type handle struct {
	bot    *config.BotConfig
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor wires the shared dependencies into a supervisor. The deps'
// Maintenance hook is bound to this supervisor's flag.
func NewSupervisor(cfg *config.Config, deps Deps, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.New(os.Stderr, "supervisor: ", log.LstdFlags)
	}
	s := &Supervisor{
		cfg:          cfg,
		logger:       logger,
		runID:        uuid.NewString(),
		runners:      make(map[int]*handle),
		restarting:   make(map[int]bool),
		reapInterval: defaultReapInterval,
	}
	deps.Maintenance = s.InMaintenance
	if deps.Logger == nil {
		deps.Logger = logger
	}
	s.deps = deps
	return s
}

// StartAll starts every configured bot and the background reap loop.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.logger.Printf("supervisor starting, run %s, %d bot(s)", s.runID, len(s.cfg.Bots))

	var firstErr error
	for i := range s.cfg.Bots {
		if err := s.Start(ctx, s.cfg.Bots[i].ID); err != nil {
			s.logger.Printf("starting bot %d: %v", s.cfg.Bots[i].ID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	reapCtx, cancel := context.WithCancel(ctx)
	s.reapCancel = cancel
	s.reapDone = make(chan struct{})
	go s.reapLoop(reapCtx)

	return firstErr
}

// Start launches the runner for botID. Starting a running bot is a no-op.
func (s *Supervisor) Start(ctx context.Context, botID int) error {
	bot := s.findBot(botID)
	if bot == nil {
		return fmt.Errorf("unknown bot id %d", botID)
	}

	s.mu.Lock()
	if _, running := s.runners[botID]; running {
		s.mu.Unlock()
		return nil
	}

	runner, err := NewRunner(bot, s.deps)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &handle{bot: bot, cancel: cancel, done: make(chan struct{})}
	s.runners[botID] = h
	s.mu.Unlock()

	if err := s.deps.Store.SetStatus(botID, models.BotStatusRunning); err != nil {
		s.logger.Printf("persisting running status for bot %d: %v", botID, err)
	}

	go func() {
		defer close(h.done)
		runner.Run(runCtx)
	}()
	return nil
}

// Stop tears a runner down: the stopped status is persisted first so the
// runner skips any work between now and its next suspension point.
func (s *Supervisor) Stop(botID int) error {
	s.mu.Lock()
	h, ok := s.runners[botID]
	if ok {
		delete(s.runners, botID)
	}
	s.mu.Unlock()

	if err := s.deps.Store.SetStatus(botID, models.BotStatusStopped); err != nil {
		s.logger.Printf("persisting stopped status for bot %d: %v", botID, err)
	}
	if !ok {
		return nil
	}

	h.cancel()
	<-h.done
	return nil
}

// Restart stops and restarts a bot, exposing a "restarting" flag to the
// dashboard while it happens.
func (s *Supervisor) Restart(ctx context.Context, botID int) error {
	s.mu.Lock()
	s.restarting[botID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.restarting, botID)
		s.mu.Unlock()
	}()

	if err := s.Stop(botID); err != nil {
		return err
	}
	return s.Start(ctx, botID)
}

// Shutdown stops every runner and the reap loop.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	ids := make([]int, 0, len(s.runners))
	for id := range s.runners {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Stop(id); err != nil {
			s.logger.Printf("stopping bot %d: %v", id, err)
		}
	}

	if s.reapCancel != nil {
		s.reapCancel()
		<-s.reapDone
	}
	s.logger.Printf("supervisor stopped, run %s", s.runID)
}

// SetMaintenance toggles the global pause flag. While set, every runner
// short-circuits before any exchange call.
func (s *Supervisor) SetMaintenance(on bool) {
	was := s.maintenance.Swap(on)
	if was != on {
		s.logger.Printf("maintenance mode: %v", on)
	}
}

// InMaintenance reports the global pause flag.
func (s *Supervisor) InMaintenance() bool { return s.maintenance.Load() }

// ForceSync runs an immediate protection pass plus orphan reap for one bot,
// equivalent to what a tick does after its entries.
func (s *Supervisor) ForceSync(ctx context.Context, botID int) error {
	bot := s.findBot(botID)
	if bot == nil {
		return fmt.Errorf("unknown bot id %d", botID)
	}

	snap, err := s.deps.Cache.Get(ctx, bot)
	if err != nil {
		return fmt.Errorf("account snapshot: %w", err)
	}
	if err := s.deps.Protector.EnsureAll(ctx, bot, snap); err != nil {
		return fmt.Errorf("protection pass: %w", err)
	}
	if _, err := s.deps.Reaper.Reap(ctx, bot); err != nil {
		return fmt.Errorf("orphan reap: %w", err)
	}
	return nil
}

// BotViews summarizes every configured bot for the dashboard.
func (s *Supervisor) BotViews() []BotView {
	s.mu.Lock()
	defer s.mu.Unlock()

	views := make([]BotView, 0, len(s.cfg.Bots))
	for i := range s.cfg.Bots {
		b := &s.cfg.Bots[i]
		st := s.deps.Store.BotState(b.ID)
		views = append(views, BotView{
			ID:               b.ID,
			Name:             b.Name,
			Strategy:         b.StrategyName,
			Status:           st.Status,
			ExecutionMode:    b.ExecutionMode,
			NextValidationAt: st.NextValidationAt,
			Restarting:       s.restarting[b.ID],
		})
	}
	return views
}

// reapLoop is the slow safety net behind the per-tick reaps.
func (s *Supervisor) reapLoop(ctx context.Context) {
	defer close(s.reapDone)

	ticker := time.NewTicker(s.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.InMaintenance() {
			continue
		}
		for i := range s.cfg.Bots {
			b := &s.cfg.Bots[i]
			if !b.EnableOrphanOrderMonitor {
				continue
			}
			if s.deps.Store.BotState(b.ID).Status != models.BotStatusRunning {
				continue
			}
			if _, err := s.deps.Reaper.Reap(ctx, b); err != nil {
				s.logger.Printf("background reap for bot %d: %v", b.ID, err)
			}
		}
	}
}

func (s *Supervisor) findBot(botID int) *config.BotConfig {
	for i := range s.cfg.Bots {
		if s.cfg.Bots[i].ID == botID {
			return &s.cfg.Bots[i]
		}
	}
	return nil
}
