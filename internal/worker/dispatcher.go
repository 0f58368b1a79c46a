package worker

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

// ErrDispatcherBusy is returned when the inbound job queue is full.
var ErrDispatcherBusy = errors.New("dispatcher queue full")

type userQueue struct {
	jobs     []Job
	enqueued bool
}

type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job
	Manager  *Manager

	mu        sync.Mutex
	queues    map[string]*userQueue // per-user FIFO
	ready     *list.List            // LRU queue of user keys
	positions map[string]*list.Element
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, manager *Manager, idleTimeout time.Duration) *Dispatcher {
	pool := newJobChannelPool(minWorkers, maxWorkers, idleTimeout, manager)
	jobQueue := make(chan Job, queueSize)

	d := &Dispatcher{
		queues:    make(map[string]*userQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		pool:      pool,
		JobQueue:  jobQueue,
		Manager:   manager,
	}

	for i := 0; i < minWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Reply queues a reply job and blocks until it finishes.
func (d *Dispatcher) Reply(req ReplyRequest) (*ReplyOutcome, error) {
	resultCh := make(chan replyReturn, 1)
	job := Job{Type: Reply, ReplyTask: &replyTask{req: req, resultCh: resultCh}}
	if err := d.submit(job); err != nil {
		return nil, err
	}
	ret := <-resultCh
	if ret.err != nil {
		return nil, ret.err
	}
	return &ReplyOutcome{Reply: ret.reply, Messages: ret.messages}, nil
}

// Suggest queues a suggestion job and blocks until it finishes.
func (d *Dispatcher) Suggest(req SuggestRequest) ([]string, error) {
	resultCh := make(chan suggestReturn, 1)
	job := Job{Type: Suggest, SuggestTask: &suggestTask{req: req, resultCh: resultCh}}
	if err := d.submit(job); err != nil {
		return nil, err
	}
	ret := <-resultCh
	return ret.suggestions, ret.err
}

func (d *Dispatcher) submit(job Job) error {
	select {
	case d.JobQueue <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job of the user at the front of the LRU queue
		if !d.dispatchOne() {
			job := <-d.JobQueue // nothing queued, block for work
			d.enqueueJob(job)
			continue
		}
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		default:
		}
	}
}

// CancelUser drops all queued jobs for a user, e.g. after a reset.
func (d *Dispatcher) CancelUser(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if q, ok := d.queues[userID]; ok {
		for _, job := range q.jobs {
			failJob(job, errors.New("job cancelled"))
		}
	}
	delete(d.queues, userID)
	if elem, ok := d.positions[userID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, userID)
	}
}

func failJob(job Job, err error) {
	switch job.Type {
	case Reply:
		job.ReplyTask.resultCh <- replyReturn{err: err}
	case Suggest:
		job.SuggestTask.resultCh <- suggestReturn{err: err}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	userID := job.userKey()

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[userID]
	if q == nil {
		q = &userQueue{}
		d.queues[userID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	elem := d.ready.PushBack(userID)
	d.positions[userID] = elem
}

// dispatchOne takes the first user in the LRU and dispatches one job.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	userID := elem.Value.(string)
	q := d.queues[userID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		// user's last queued job, drop them from the rotation
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, userID)
		delete(d.queues, userID)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	workerID := d.pool.workerID(workerChan)
	debugLog("[dispatcher] assign job %s for user %s to worker-%d", job.Type, userID, workerID)
	workerChan <- job
	return true
}
