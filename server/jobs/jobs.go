// Package jobs runs long operations (training, testing, ...) in the background,
// records them in the job DB, and keeps their recent log output for live viewing.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/detectorlab/server/jobdb"
	"github.com/cyclopcam/logs"
)

// Number of log lines that we keep per job
const LogHistorySize = 1023

// Number of log lines that can be queued for a single subscriber, before we start dropping lines
const SubscriberBufferSize = 200

// Number of finished jobs whose logs we keep in memory
const maxFinishedJobs = 20

var ErrBusy = errors.New("Another job is already running")
var ErrClosed = errors.New("Job runner is shutting down")

// Func is the body of a job. It must send progress to onLog, and stop when ctx is cancelled.
type Func func(ctx context.Context, onLog func(line string)) (*jobdb.JobResult, error)

type Runner struct {
	log logs.Log
	db  *jobdb.JobDB

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lock     sync.Mutex
	jobs     map[int64]*job
	finished []int64 // IDs of finished jobs that are still in 'jobs', oldest first
	running  int64   // ID of the running job, or 0
	closed   bool
}

type job struct {
	id     int64
	cancel context.CancelFunc
	done   chan struct{}

	lock        sync.Mutex
	lines       ringbuffer.RingP[string]
	subscribers map[chan string]bool
	state       jobdb.JobState
}

func NewRunner(log logs.Log, db *jobdb.JobDB) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		log:    log,
		db:     db,
		ctx:    ctx,
		cancel: cancel,
		jobs:   map[int64]*job{},
	}
}

// Start runs fn in the background. Only one job runs at a time: if another job is running, Start returns ErrBusy.
func (r *Runner) Start(kind jobdb.JobKind, detector string, params jobdb.JobParams, fn Func) (*jobdb.Job, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if r.running != 0 {
		return nil, fmt.Errorf("%w (job %v)", ErrBusy, r.running)
	}
	record, err := r.db.CreateJob(kind, detector, params)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(r.ctx)
	j := &job{
		id:          record.ID,
		cancel:      cancel,
		done:        make(chan struct{}),
		lines:       ringbuffer.NewRingP[string](LogHistorySize + 1),
		subscribers: map[chan string]bool{},
		state:       jobdb.JobStateRunning,
	}
	r.jobs[j.id] = j
	r.running = j.id
	r.wg.Add(1)
	go r.run(ctx, j, kind, detector, fn)
	return record, nil
}

func (r *Runner) run(ctx context.Context, j *job, kind jobdb.JobKind, detector string, fn Func) {
	defer r.wg.Done()
	defer j.cancel()

	r.log.Infof("Job %v (%v %v) started", j.id, kind, detector)
	j.append(fmt.Sprintf("%v %v started", kind, detector))
	start := time.Now()
	result, err := fn(ctx, j.append)

	state := jobdb.JobStateSucceeded
	if err != nil {
		state = jobdb.JobStateFailed
		if errors.Is(err, context.Canceled) {
			state = jobdb.JobStateCancelled
		}
		r.log.Warnf("Job %v (%v %v) %v: %v", j.id, kind, detector, state, err)
		j.append(fmt.Sprintf("Error: %v", err))
	} else {
		r.log.Infof("Job %v (%v %v) finished in %.1f seconds", j.id, kind, detector, time.Since(start).Seconds())
	}
	if dbErr := r.db.FinishJob(j.id, state, result, err); dbErr != nil {
		r.log.Errorf("Failed to record outcome of job %v: %v", j.id, dbErr)
	}

	r.lock.Lock()
	r.running = 0
	r.finished = append(r.finished, j.id)
	if len(r.finished) > maxFinishedJobs {
		delete(r.jobs, r.finished[0])
		r.finished = r.finished[1:]
	}
	r.lock.Unlock()

	j.finish(state)
}

func (j *job) append(line string) {
	j.lock.Lock()
	defer j.lock.Unlock()
	j.lines.Add(line)
	for ch := range j.subscribers {
		select {
		case ch <- line:
		default:
			// Slow reader. Dropping lines is better than stalling the job.
		}
	}
}

func (j *job) finish(state jobdb.JobState) {
	j.lock.Lock()
	defer j.lock.Unlock()
	j.state = state
	for ch := range j.subscribers {
		close(ch)
	}
	j.subscribers = map[chan string]bool{}
	close(j.done)
}

func (r *Runner) getJob(id int64) (*job, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	j := r.jobs[id]
	if j == nil {
		return nil, jobdb.ErrJobNotFound
	}
	return j, nil
}

// Running returns the ID of the running job, or 0
func (r *Runner) Running() int64 {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.running
}

// Cancel asks a running job to stop. It does not wait for the job to finish.
func (r *Runner) Cancel(id int64) error {
	j, err := r.getJob(id)
	if err != nil {
		return err
	}
	j.cancel()
	return nil
}

// Done returns a channel that is closed when the job has finished
func (r *Runner) Done(id int64) (<-chan struct{}, error) {
	j, err := r.getJob(id)
	if err != nil {
		return nil, err
	}
	return j.done, nil
}

// Subscription is a live view of a job's log
type Subscription struct {
	Backlog []string      // Lines logged before the subscription started (at most LogHistorySize)
	Lines   <-chan string // New lines. Closed when the job finishes.
	job     *job
	ch      chan string
}

// Subscribe returns the job's log so far, and a channel of new log lines.
// You must call Unsubscribe when finished.
func (r *Runner) Subscribe(id int64) (*Subscription, error) {
	j, err := r.getJob(id)
	if err != nil {
		return nil, err
	}
	j.lock.Lock()
	defer j.lock.Unlock()
	s := &Subscription{
		Backlog: make([]string, 0, j.lines.Len()),
		job:     j,
		ch:      make(chan string, SubscriberBufferSize),
	}
	for i := 0; i < j.lines.Len(); i++ {
		s.Backlog = append(s.Backlog, j.lines.Peek(i))
	}
	s.Lines = s.ch
	if j.state == jobdb.JobStateRunning {
		j.subscribers[s.ch] = true
	} else {
		close(s.ch)
	}
	return s, nil
}

// State returns the job state as of now
func (s *Subscription) State() jobdb.JobState {
	s.job.lock.Lock()
	defer s.job.lock.Unlock()
	return s.job.state
}

func (s *Subscription) Unsubscribe() {
	s.job.lock.Lock()
	defer s.job.lock.Unlock()
	if s.job.subscribers[s.ch] {
		delete(s.job.subscribers, s.ch)
		close(s.ch)
	}
}

// Close cancels all running jobs, and waits for them to exit
func (r *Runner) Close() {
	r.lock.Lock()
	r.closed = true
	r.lock.Unlock()
	r.cancel()
	r.wg.Wait()
}
