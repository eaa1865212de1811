// Package service provides ActiveService, a worker goroutine with its own
// task FIFO and bounded frame FIFO, and the Consumer interface the
// dispatcher fans frames out to.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petermattis/goid"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/CamStreamer/internal/frame"
	"github.com/bryanchriswhite/CamStreamer/internal/logger"
	"github.com/bryanchriswhite/CamStreamer/internal/mediaerr"
)

// Consumer is one fan-out target. SubmitFrame takes ownership of an Owned
// frame and must not block.
type Consumer interface {
	Name() string
	Start() error
	Stop()
	Join()
	SubmitFrame(f *frame.Buffer) bool
}

// Task is deferred work run on the worker goroutine.
type Task func() error

// FrameHandler processes one frame on the worker goroutine. The frame is
// released after the handler returns; copy anything kept longer.
type FrameHandler func(f *frame.Buffer) error

// Options configure an ActiveService.
type Options struct {
	Name string

	// QueueDepth bounds the frame FIFO. When full the oldest queued frame
	// is dropped to make room. 0 means unbounded.
	QueueDepth int

	// WaitTimeout bounds each idle wait. Keep it at or below the frame
	// interval of the path being served.
	WaitTimeout time.Duration

	// DrainOnStop processes frames and tasks still queued at stop instead
	// of discarding them.
	DrainOnStop bool

	// MaxConsecutiveErrors escalates a run of failures to an error log
	// and OnPersistentFailure. 0 disables.
	MaxConsecutiveErrors int

	// OnError is called on the worker goroutine for every failed item.
	OnError func(error)

	// OnPersistentFailure is called once each time MaxConsecutiveErrors
	// is reached.
	OnPersistentFailure func(error)
}

// DefaultWaitTimeout suits a 30 fps path.
const DefaultWaitTimeout = 33 * time.Millisecond

// Stats are running counters.
type Stats struct {
	Name            string `json:"name"`
	Running         bool   `json:"running"`
	TasksRun        uint64 `json:"tasks_run"`
	TaskErrors      uint64 `json:"task_errors"`
	FramesProcessed uint64 `json:"frames_processed"`
	FrameErrors     uint64 `json:"frame_errors"`
	FramesDropped   uint64 `json:"frames_dropped"`
	QueuedFrames    int    `json:"queued_frames"`
	QueuedTasks     int    `json:"queued_tasks"`
}

type taskItem struct {
	fn   Task
	done chan error // nil for fire-and-forget
}

// ActiveService runs posted tasks and submitted frames on one goroutine.
// Tasks run in FIFO order, all queued tasks before the next frame; frames
// run in submission order, one per loop iteration.
type ActiveService struct {
	ctx     context.Context
	opts    Options
	handler FrameHandler
	log     *zerolog.Logger

	mu      sync.Mutex
	tasks   []taskItem
	frames  []*frame.Buffer
	started bool
	stopped bool
	stopCh  chan struct{}
	done    chan struct{}

	wake    chan struct{}
	running atomic.Bool
	gid     atomic.Int64 // worker goroutine id, 0 when not running

	tasksRun    atomic.Uint64
	taskErrors  atomic.Uint64
	processed   atomic.Uint64
	frameErrors atomic.Uint64
	dropped     atomic.Uint64
	consecutive int // worker goroutine only

	errLog  *logger.Limiter
	dropLog *logger.Limiter
}

// New returns a stopped service. handler may be nil for task-only
// services, which then reject frames.
func New(ctx context.Context, opts Options, handler FrameHandler) *ActiveService {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}
	if opts.Name == "" {
		opts.Name = "service"
	}
	return &ActiveService{
		ctx:     ctx,
		opts:    opts,
		handler: handler,
		log:     logger.WithComponent(opts.Name),
		stopCh:  make(chan struct{}),
		wake:    make(chan struct{}, 1),
		errLog:  logger.NewLimiter(5 * time.Second),
		dropLog: logger.NewLimiter(5 * time.Second),
	}
}

// Name returns the service name.
func (s *ActiveService) Name() string { return s.opts.Name }

// Running reports whether the worker loop is live.
func (s *ActiveService) Running() bool { return s.running.Load() }

// Start launches the worker. Starting a running service only logs a
// warning; a stopped service cannot be restarted.
func (s *ActiveService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started && !s.stopped {
		s.log.Warn().Msg("Service already running")
		return nil
	}
	if s.stopped {
		return mediaerr.Errorf(mediaerr.ErrInvalidState, "start "+s.opts.Name, "service was stopped")
	}

	s.started = true
	s.done = make(chan struct{})
	s.running.Store(true)
	go s.loop()

	s.log.Debug().
		Int("queue_depth", s.opts.QueueDepth).
		Dur("wait_timeout", s.opts.WaitTimeout).
		Msg("Service started")
	return nil
}

func (s *ActiveService) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Post queues fn to run on the worker. It never blocks. Tasks posted
// before Start run once started; tasks posted after Stop are dropped.
func (s *ActiveService) Post(fn Task) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.log.Debug().Msg("Task posted to stopped service, dropping")
		return
	}
	s.tasks = append(s.tasks, taskItem{fn: fn})
	s.mu.Unlock()
	s.signal()
}

// PostAndWait queues fn and waits for it to finish, returning its error.
// It fails fast with ErrWouldDeadlock when called from the worker itself
// and with ErrStopped when the service stops before fn runs.
func (s *ActiveService) PostAndWait(fn Task) error {
	if s.onWorker() {
		return mediaerr.New(mediaerr.ErrWouldDeadlock, "post and wait on "+s.opts.Name, nil)
	}

	done := make(chan error, 1)
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return mediaerr.New(mediaerr.ErrStopped, "post and wait on "+s.opts.Name, nil)
	}
	s.tasks = append(s.tasks, taskItem{fn: fn, done: done})
	s.mu.Unlock()
	s.signal()

	return <-done
}

// SubmitFrame queues an Owned frame. It never blocks; when the queue is
// at QueueDepth the oldest queued frame is dropped and counted. The
// service owns f from here on and releases it.
func (s *ActiveService) SubmitFrame(f *frame.Buffer) bool {
	if f.Ownership() != frame.Owned {
		// a borrowed view would dangle once its slot is requeued
		s.log.Error().Uint64("sequence", f.Sequence).Msg("Rejected borrowed frame")
		return false
	}

	s.mu.Lock()
	if s.stopped || s.handler == nil {
		s.mu.Unlock()
		f.Release()
		return false
	}
	var evicted *frame.Buffer
	if s.opts.QueueDepth > 0 && len(s.frames) >= s.opts.QueueDepth {
		evicted = s.frames[0]
		s.frames[0] = nil
		s.frames = s.frames[1:]
	}
	s.frames = append(s.frames, f)
	s.mu.Unlock()

	if evicted != nil {
		n := s.dropped.Add(1)
		if ok, suppressed := s.dropLog.Allow(); ok {
			s.log.Warn().
				Uint64("sequence", evicted.Sequence).
				Uint64("dropped_total", n).
				Uint64("suppressed", suppressed).
				Msg("Frame queue full, dropped oldest frame")
		}
		evicted.Release()
	}
	s.signal()
	return true
}

// Stop asks the worker to exit after its current item. It does not wait;
// use Join.
func (s *ActiveService) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	started := s.started
	s.mu.Unlock()

	if !started {
		// no worker will ever drain these
		s.discard()
	}
}

// Join waits for the worker to exit. It returns at once if the service
// never started. Safe to call more than once.
func (s *ActiveService) Join() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *ActiveService) loop() {
	s.gid.Store(goid.Get())
	defer func() {
		s.gid.Store(0)
		s.running.Store(false)
		close(s.done)
	}()

	timer := time.NewTimer(s.opts.WaitTimeout)
	defer timer.Stop()

	for {
		s.runTasks()

		if s.exiting() {
			break
		}

		f, tasksPending := s.nextFrame()
		if tasksPending {
			continue
		}
		if f != nil {
			s.processFrame(f)
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.opts.WaitTimeout)
		select {
		case <-s.wake:
		case <-s.stopCh:
		case <-s.ctx.Done():
		case <-timer.C:
		}
	}

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	if s.opts.DrainOnStop {
		s.runTasks()
		for f := s.popFrame(); f != nil; f = s.popFrame() {
			s.processFrame(f)
		}
	}
	s.discard()

	s.log.Debug().
		Uint64("frames_processed", s.processed.Load()).
		Uint64("frames_dropped", s.dropped.Load()).
		Msg("Service stopped")
}

func (s *ActiveService) exiting() bool {
	select {
	case <-s.stopCh:
		return true
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}

// discard releases queued frames and fails pending waiters.
func (s *ActiveService) discard() {
	s.mu.Lock()
	tasks, frames := s.tasks, s.frames
	s.tasks, s.frames = nil, nil
	s.mu.Unlock()

	for _, f := range frames {
		f.Release()
	}
	for _, t := range tasks {
		if t.done != nil {
			t.done <- mediaerr.New(mediaerr.ErrStopped, "task on "+s.opts.Name, nil)
		}
	}
	if len(frames) > 0 || len(tasks) > 0 {
		s.log.Debug().
			Int("frames", len(frames)).
			Int("tasks", len(tasks)).
			Msg("Discarded queued work")
	}
}

// nextFrame pops the next frame unless tasks were posted since the last
// runTasks, which keeps a task ahead of any frame submitted after it.
func (s *ActiveService) nextFrame() (*frame.Buffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) > 0 {
		return nil, true
	}
	if len(s.frames) == 0 {
		return nil, false
	}
	f := s.frames[0]
	s.frames[0] = nil
	s.frames = s.frames[1:]
	return f, false
}

func (s *ActiveService) popFrame() *frame.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil
	}
	f := s.frames[0]
	s.frames[0] = nil
	s.frames = s.frames[1:]
	return f
}

// runTasks executes every task queued at the time of the call.
func (s *ActiveService) runTasks() {
	s.mu.Lock()
	batch := s.tasks
	s.tasks = nil
	s.mu.Unlock()

	for _, t := range batch {
		err := s.safely("task", func() error { return t.fn() })
		s.tasksRun.Add(1)
		if err != nil {
			s.taskErrors.Add(1)
			s.report("task", err)
		} else {
			s.consecutive = 0
		}
		if t.done != nil {
			t.done <- err
		}
	}
}

func (s *ActiveService) processFrame(f *frame.Buffer) {
	err := s.safely("frame", func() error { return s.handler(f) })
	f.Release()
	s.processed.Add(1)
	if err != nil {
		s.frameErrors.Add(1)
		s.report("frame", err)
		return
	}
	s.consecutive = 0
}

// safely runs fn and turns a panic into a processing error.
func (s *ActiveService) safely(kind string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = mediaerr.New(mediaerr.ErrProcessing, kind+" on "+s.opts.Name, fmt.Errorf("panic: %v", r))
		}
	}()
	if err = fn(); err != nil && !errors.Is(err, mediaerr.ErrProcessing) {
		err = mediaerr.New(mediaerr.ErrProcessing, kind+" on "+s.opts.Name, err)
	}
	return err
}

func (s *ActiveService) report(kind string, err error) {
	s.consecutive++
	if ok, suppressed := s.errLog.Allow(); ok {
		s.log.Warn().
			Err(err).
			Str("item", kind).
			Int("consecutive", s.consecutive).
			Uint64("suppressed", suppressed).
			Msg("Work item failed")
	}
	if s.opts.OnError != nil {
		s.opts.OnError(err)
	}
	if limit := s.opts.MaxConsecutiveErrors; limit > 0 && s.consecutive == limit {
		s.log.Error().
			Err(err).
			Int("consecutive", s.consecutive).
			Msg("Persistent failure")
		if s.opts.OnPersistentFailure != nil {
			s.opts.OnPersistentFailure(fmt.Errorf("%s: %d consecutive failures: %w", s.opts.Name, s.consecutive, err))
		}
	}
}

// Stats returns a snapshot of the counters.
func (s *ActiveService) Stats() Stats {
	s.mu.Lock()
	qf, qt := len(s.frames), len(s.tasks)
	s.mu.Unlock()
	return Stats{
		Name:            s.opts.Name,
		Running:         s.running.Load(),
		TasksRun:        s.tasksRun.Load(),
		TaskErrors:      s.taskErrors.Load(),
		FramesProcessed: s.processed.Load(),
		FrameErrors:     s.frameErrors.Load(),
		FramesDropped:   s.dropped.Load(),
		QueuedFrames:    qf,
		QueuedTasks:     qt,
	}
}

func (s *ActiveService) onWorker() bool {
	id := s.gid.Load()
	return id != 0 && id == goid.Get()
}
