package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dipforum/reconciler/core"
	"github.com/dipforum/reconciler/repo"
	"github.com/dipforum/reconciler/storage"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// Engine is the set of idempotent entry points the scheduler drives.
type Engine interface {
	ActiveDaos(ctx context.Context) ([]storage.Dao, error)
	DueDips(ctx context.Context) ([]storage.Dip, error)
	VotingDips(ctx context.Context) ([]storage.Dip, error)
	SyncProposals(ctx context.Context, daoID uint) ([]storage.Dip, error)
	SyncVotes(ctx context.Context, dipID uint) ([]storage.Vote, error)
	SyncDipStatus(ctx context.Context, dipID uint) (core.Outcome, error)
	UpdatePresaleState(ctx context.Context, presaleID *uint) error
	CleanupDrafts(ctx context.Context, ttl time.Duration) (int64, error)
}

var _ Engine = (*core.Engine)(nil)

// Scheduler feeds engine tasks to a fixed pool of workers and enqueues periodic sweeps.
type Scheduler struct {
	cfg     repo.Scheduler
	engine  Engine
	runner  *Runner
	cron    *cron.Cron
	logger  logrus.FieldLogger
	metrics *schedulerMetrics

	queue   chan Task
	mu      sync.Mutex
	pending map[string]struct{}
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg repo.Scheduler, engine Engine, logger logrus.FieldLogger, reg prometheus.Registerer) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := newMetrics(reg)
	runner := NewRunner(cfg, logger.WithField("module", "runner"))
	runner.metrics = m

	return &Scheduler{
		cfg:     cfg,
		engine:  engine,
		runner:  runner,
		cron:    cron.New(cron.WithSeconds()),
		logger:  logger,
		metrics: m,
		queue:   make(chan Task, cfg.QueueSize),
		pending: make(map[string]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.SweepCron, func() { s.Sweep(s.ctx) }); err != nil {
		return errors.Wrapf(err, "invalid sweep cron %q", s.cfg.SweepCron)
	}
	if _, err := s.cron.AddFunc(s.cfg.CleanupCron, func() { s.CleanupDrafts() }); err != nil {
		return errors.Wrapf(err, "invalid cleanup cron %q", s.cfg.CleanupCron)
	}

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.work()
	}
	s.cron.Start()
	s.logger.WithField("workers", s.cfg.Workers).Info("scheduler started")
	return nil
}

// Stop waits for running cron jobs, cancels in-flight tasks and drops the queue.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) work() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case t := <-s.queue:
			s.metrics.setQueueDepth(len(s.queue))
			_ = s.runner.Execute(s.ctx, t)
			s.done(t)
		}
	}
}

func (s *Scheduler) done(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, t.Key)
}

// Enqueue adds the task unless a task with the same key is still pending or the queue is full.
func (s *Scheduler) Enqueue(t Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if _, ok := s.pending[t.Key]; ok {
		s.metrics.drop(t.Name, "pending")
		return false
	}
	select {
	case s.queue <- t:
		s.pending[t.Key] = struct{}{}
		s.metrics.setQueueDepth(len(s.queue))
		return true
	default:
		s.metrics.drop(t.Name, "full")
		s.logger.WithFields(logrus.Fields{"task": t.Name, "key": t.Key}).Warn("task queue full")
		return false
	}
}

func (s *Scheduler) SyncProposals(daoID uint) bool {
	return s.Enqueue(Task{
		Name: TaskSyncProposals,
		Key:  fmt.Sprintf("%s/%d", TaskSyncProposals, daoID),
		Run: func(ctx context.Context) error {
			_, err := s.engine.SyncProposals(ctx, daoID)
			return err
		},
	})
}

func (s *Scheduler) SyncVotes(dipID uint) bool {
	return s.Enqueue(Task{
		Name: TaskSyncVotes,
		Key:  fmt.Sprintf("%s/%d", TaskSyncVotes, dipID),
		Run: func(ctx context.Context) error {
			_, err := s.engine.SyncVotes(ctx, dipID)
			return err
		},
	})
}

func (s *Scheduler) SyncDipStatus(dipID uint) bool {
	return s.Enqueue(Task{
		Name: TaskSyncDipStatus,
		Key:  fmt.Sprintf("%s/%d", TaskSyncDipStatus, dipID),
		Run: func(ctx context.Context) error {
			_, err := s.engine.SyncDipStatus(ctx, dipID)
			return err
		},
	})
}

// UpdatePresaleState enqueues one presale, or the sweep of every Active presale when presaleID is nil.
func (s *Scheduler) UpdatePresaleState(presaleID *uint) bool {
	key := TaskUpdatePresale + "/all"
	if presaleID != nil {
		key = fmt.Sprintf("%s/%d", TaskUpdatePresale, *presaleID)
	}
	return s.Enqueue(Task{
		Name: TaskUpdatePresale,
		Key:  key,
		Run: func(ctx context.Context) error {
			return s.engine.UpdatePresaleState(ctx, presaleID)
		},
	})
}

func (s *Scheduler) CleanupDrafts() bool {
	ttl := s.cfg.DraftTTL
	return s.Enqueue(Task{
		Name: TaskCleanupDrafts,
		Key:  TaskCleanupDrafts,
		Run: func(ctx context.Context) error {
			_, err := s.engine.CleanupDrafts(ctx, ttl)
			return err
		},
	})
}

// Sweep enqueues proposal sync for every active DAO, vote sync for every proposal
// still open for voting, status sync for every due proposal and the presale sweep.
// It returns the number of enqueued tasks.
func (s *Scheduler) Sweep(ctx context.Context) int {
	enqueued := 0

	daos, err := s.engine.ActiveDaos(ctx)
	if err != nil {
		s.logger.Errorf("sweep: load active daos: %s", err)
	}
	for _, id := range lo.Map(daos, func(d storage.Dao, _ int) uint { return d.ID }) {
		if s.SyncProposals(id) {
			enqueued++
		}
	}

	voting, err := s.engine.VotingDips(ctx)
	if err != nil {
		s.logger.Errorf("sweep: load voting proposals: %s", err)
	}
	for _, id := range lo.Map(voting, func(d storage.Dip, _ int) uint { return d.ID }) {
		if s.SyncVotes(id) {
			enqueued++
		}
	}

	dips, err := s.engine.DueDips(ctx)
	if err != nil {
		s.logger.Errorf("sweep: load due proposals: %s", err)
	}
	for _, id := range lo.Map(dips, func(d storage.Dip, _ int) uint { return d.ID }) {
		if s.SyncDipStatus(id) {
			enqueued++
		}
	}

	if s.UpdatePresaleState(nil) {
		enqueued++
	}

	s.logger.WithFields(logrus.Fields{"daos": len(daos), "voting_dips": len(voting), "due_dips": len(dips)}).Infof("sweep enqueued %d tasks", enqueued)
	return enqueued
}
