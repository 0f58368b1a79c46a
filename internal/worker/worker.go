// Package worker runs AI reply and suggestion jobs on an elastic pool,
// dispatching fairly across users.
package worker

import (
	"context"

	"pairchat/internal/models"
)

type JobType int

const (
	Reply JobType = iota
	Suggest
	Stop
)

func (t JobType) String() string {
	switch t {
	case Reply:
		return "reply"
	case Suggest:
		return "suggest"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

type ReplyRequest struct {
	Context   context.Context
	UserID    string
	PartnerID string
}

type SuggestRequest struct {
	Context   context.Context
	UserID    string
	PartnerID string
	Count     int
}

type replyReturn struct {
	reply    *models.Message
	messages []models.Message
	err      error
}

type suggestReturn struct {
	suggestions []string
	err         error
}

type replyTask struct {
	req      ReplyRequest
	resultCh chan replyReturn
}

type suggestTask struct {
	req      SuggestRequest
	resultCh chan suggestReturn
}

type Job struct {
	Type        JobType
	ReplyTask   *replyTask
	SuggestTask *suggestTask
}

func (job Job) userKey() string {
	switch job.Type {
	case Reply:
		return job.ReplyTask.req.UserID
	case Suggest:
		return job.SuggestTask.req.UserID
	default:
		return ""
	}
}

type Worker struct {
	manager    *Manager
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(pool *jobChannelPool, manager *Manager) *Worker {
	return &Worker{
		manager:    manager,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for {
			w.pool.Release(w.jobChannel)
			job := <-w.jobChannel
			switch job.Type {
			case Reply:
				w.manager.handleReply(job.ReplyTask)
			case Suggest:
				w.manager.handleSuggest(job.SuggestTask)
			case Stop:
				w.pool.retire(w.jobChannel)
				return
			}
		}
	}()
}
