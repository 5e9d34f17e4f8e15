package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"

	"github.com/GrainArc/MapRectify/config"
	"github.com/GrainArc/MapRectify/models"
	"gorm.io/gorm"
)

// Task names a unit of background work.
type Task string

const (
	TaskRunPreparation      Task = "run_preparation_session"
	TaskBulkRunPreparation  Task = "bulk_run_preparation_sessions"
	TaskRunGeoreference     Task = "run_georeference_session"
	TaskCreateMosaicCOG     Task = "create_mosaic_cog"
	TaskCreateMosaicJSON    Task = "create_mosaic_json"
	TaskDeleteStaleSessions Task = "delete_stale_sessions"
	TaskDeletePreviewVRTs   Task = "delete_preview_vrts"
)

// Queue names.
const (
	QueueSplit        = "split"
	QueueGeoreference = "georeference"
	QueueMosaic       = "mosaic"
	QueueHousekeeping = "housekeeping"
)

var (
	ErrUnknownTask = errors.New("unknown task")
	ErrQueueFull   = errors.New("task queue is full")
	ErrQueueClosed = errors.New("task queue is closed")
)

var taskQueues = map[Task]string{
	TaskRunPreparation:      QueueSplit,
	TaskBulkRunPreparation:  QueueSplit,
	TaskRunGeoreference:     QueueGeoreference,
	TaskCreateMosaicCOG:     QueueMosaic,
	TaskCreateMosaicJSON:    QueueMosaic,
	TaskDeleteStaleSessions: QueueHousekeeping,
	TaskDeletePreviewVRTs:   QueueHousekeeping,
}

// TaskArgs carries the arguments of every task. Each task reads only its own fields.
type TaskArgs struct {
	SessionID  uint   `json:"session_id,omitempty"`
	DocIDs     []uint `json:"doc_ids,omitempty"`
	Username   string `json:"username,omitempty"`
	LayerSetID uint   `json:"layerset_id,omitempty"`
	TrimAll    bool   `json:"trim_all,omitempty"`
	PreviewID  string `json:"preview_id,omitempty"`
}

// Queue accepts fire-and-forget work.
type Queue interface {
	Enqueue(ctx context.Context, task Task, args TaskArgs) error
}

// HandlerFunc executes one task.
type HandlerFunc func(ctx context.Context, task Task, args TaskArgs) error

type job struct {
	task Task
	args TaskArgs
}

// WorkerPool runs tasks on named in-process queues, each drained by a fixed
// number of goroutines.
type WorkerPool struct {
	handler HandlerFunc
	queues  map[string]chan job
	workers map[string]int

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewWorkerPool(cfg *config.Config, handler HandlerFunc) *WorkerPool {
	n := cfg.QueueWorkers
	if n < 1 {
		n = 1
	}
	p := &WorkerPool{
		handler: handler,
		queues:  map[string]chan job{},
		workers: map[string]int{
			QueueSplit:        n,
			QueueGeoreference: n,
			QueueMosaic:       1,
			QueueHousekeeping: 1,
		},
	}
	for name := range p.workers {
		p.queues[name] = make(chan job, 256)
	}
	return p
}

// Start launches the workers. They stop when Close is called.
func (p *WorkerPool) Start(ctx context.Context) {
	for name, n := range p.workers {
		for i := 0; i < n; i++ {
			p.wg.Add(1)
			go p.work(ctx, name, p.queues[name])
		}
	}
	log.Printf("task queue | started %d queues", len(p.queues))
}

func (p *WorkerPool) work(ctx context.Context, name string, jobs <-chan job) {
	defer p.wg.Done()
	for j := range jobs {
		p.run(ctx, name, j)
	}
}

func (p *WorkerPool) run(ctx context.Context, name string, j job) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("task queue | %s %s panic: %v\n%s", name, j.task, r, debug.Stack())
		}
	}()
	if err := p.handler(ctx, j.task, j.args); err != nil {
		log.Printf("task queue | %s %s failed: %v", name, j.task, err)
	}
}

func (p *WorkerPool) Enqueue(ctx context.Context, task Task, args TaskArgs) error {
	name, ok := taskQueues[task]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, task)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrQueueClosed
	}
	select {
	case p.queues[name] <- job{task: task, args: args}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, name)
	}
}

// Close stops accepting work and waits for queued tasks to finish.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// TaskRunner maps task names to service calls.
type TaskRunner struct {
	db       *gorm.DB
	cfg      *config.Config
	sessions *SessionService
	locks    *LockManager
	mosaics  func() *Mosaicker
}

func NewTaskRunner(db *gorm.DB, cfg *config.Config, sessions *SessionService, locks *LockManager, mosaics func() *Mosaicker) *TaskRunner {
	return &TaskRunner{db: db, cfg: cfg, sessions: sessions, locks: locks, mosaics: mosaics}
}

func (r *TaskRunner) Handle(ctx context.Context, task Task, args TaskArgs) error {
	switch task {
	case TaskRunPreparation, TaskRunGeoreference:
		return r.sessions.Run(ctx, args.SessionID)
	case TaskBulkRunPreparation:
		_, err := r.sessions.BulkNoSplit(ctx, args.DocIDs, args.Username)
		return err
	case TaskCreateMosaicCOG, TaskCreateMosaicJSON:
		var set models.LayerSet
		if err := r.db.WithContext(ctx).Preload("Category").First(&set, args.LayerSetID).Error; err != nil {
			return err
		}
		m := r.mosaics()
		defer func() {
			if err := m.CleanupFiles(); err != nil {
				log.Printf("layerset %d | cleanup: %v", set.ID, err)
			}
		}()
		var err error
		if task == TaskCreateMosaicCOG {
			_, err = m.GenerateCOG(ctx, &set)
		} else {
			_, err = m.GenerateMosaicJSON(ctx, &set, args.TrimAll)
		}
		return err
	case TaskDeleteStaleSessions:
		_, err := r.locks.Sweep(ctx)
		return err
	case TaskDeletePreviewVRTs:
		_, err := DeletePreviewVRTs(r.cfg, args.PreviewID)
		return err
	}
	return fmt.Errorf("%w: %s", ErrUnknownTask, task)
}
