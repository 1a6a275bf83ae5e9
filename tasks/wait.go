package tasks

import (
	"sync"
	"time"

	"github.com/mlardeux/histopipe/jobqueue"
)

// waitFn sleeps for the duration given in the first argument. Used to
// exercise the queue and to insert deliberate delays between stages.
func waitFn(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
	d := time.Second
	if len(j.Arguments) > 0 {
		if parsed, err := time.ParseDuration(j.Arguments[0]); err == nil {
			d = parsed
		}
	}

	select {
	case <-j.Ctx.Done():
		q.PushJobStdout(j.ID, "Task was canceled")
		_ = q.CancelJob(j.ID)
		return j.Ctx.Err()
	case <-time.After(d):
	}
	q.CompleteJob(j.ID)
	return nil
}
