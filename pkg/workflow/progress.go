package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event reports the progress of one run.
type Event struct {
	RunID     string    `json:"run_id"`
	ProjectID string    `json:"project_id"`
	Op        Op        `json:"op"`
	Current   int       `json:"current"`
	Total     int       `json:"total"`
	Message   string    `json:"message,omitempty"`
	Done      bool      `json:"done"`
	Err       string    `json:"error,omitempty"`
	Result    *Result   `json:"result,omitempty"`
	Time      time.Time `json:"time"`
}

// Run is an operation executing on its own goroutine. Its events are kept so
// every subscriber sees the full stream from the start.
type Run struct {
	ID        string
	ProjectID string
	Op        Op

	cancel context.CancelFunc

	mu     sync.Mutex
	events []Event
	notify chan struct{}
	done   chan struct{}
	result Result
	err    error
}

func newRun(projectID string, op Op, cancel context.CancelFunc) *Run {
	return &Run{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Op:        op,
		cancel:    cancel,
		notify:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (r *Run) publish(e Event) {
	e.RunID, e.ProjectID, e.Op = r.ID, r.ProjectID, r.Op
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.done:
		return
	default:
	}
	r.events = append(r.events, e)
	close(r.notify)
	r.notify = make(chan struct{})
}

func (r *Run) finish(res Result, err error) {
	final := Event{Done: true, Result: &res, Message: res.Message}
	if err != nil {
		final.Err = err.Error()
		final.Result = nil
		final.Message = ""
	}
	r.publish(final)

	r.mu.Lock()
	r.result, r.err = res, err
	close(r.done)
	close(r.notify)
	r.mu.Unlock()
}

// Events streams every event of the run and is closed after the final one.
func (r *Run) Events() <-chan Event {
	return r.Subscribe(context.Background())
}

// Subscribe is Events bounded by ctx.
func (r *Run) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event)
	go func() {
		defer close(ch)
		next := 0
		for {
			r.mu.Lock()
			pending := append([]Event(nil), r.events[next:]...)
			wait := r.notify
			finished := isClosed(r.done)
			r.mu.Unlock()

			for _, e := range pending {
				select {
				case ch <- e:
				case <-ctx.Done():
					return
				}
			}
			next += len(pending)
			if len(pending) > 0 {
				continue
			}
			if finished {
				return
			}
			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Last returns the latest event, if any.
func (r *Run) Last() (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return Event{}, false
	}
	return r.events[len(r.events)-1], true
}

// Done is closed when the run has finished.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes and returns its outcome.
func (r *Run) Wait() (Result, error) {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}

// Cancel stops the run at the next item boundary.
func (r *Run) Cancel() {
	if r.cancel != nil {
		r.cancel()
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
