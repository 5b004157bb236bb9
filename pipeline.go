package muxplugin

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
)

// Phase is one of the three points in a request's life where
// middleware runs.
type Phase int

const (
	PhaseRequest Phase = iota
	PhaseResponse
	PhaseCleanup
)

func (p Phase) String() string {
	switch p {
	case PhaseRequest:
		return "request"
	case PhaseResponse:
		return "response"
	case PhaseCleanup:
		return "cleanup"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// ParsePhase accepts "request", "response" and "cleanup".
func ParsePhase(s string) (Phase, error) {
	switch s {
	case "request":
		return PhaseRequest, nil
	case "response":
		return PhaseResponse, nil
	case "cleanup":
		return PhaseCleanup, nil
	}
	return 0, configErr("Pipeline", "ParsePhase", ErrInvalidPhase, "unknown phase %q", s)
}

// Relative places plugin middleware before (Pre) or after (Post) the
// host's own middleware for the same phase.  RelativeDefault means Pre
// for the request phase and Post for the response phase; it is the only
// value allowed for the cleanup phase.
type Relative int

const (
	RelativeDefault Relative = iota
	Pre
	Post
)

func (rel Relative) String() string {
	switch rel {
	case RelativeDefault:
		return "default"
	case Pre:
		return "pre"
	case Post:
		return "post"
	default:
		return fmt.Sprintf("Relative(%d)", int(rel))
	}
}

// Middleware priorities.  0 is the most urgent.
const (
	MinPriority     = 0
	MaxPriority     = 9
	DefaultPriority = 5
)

// Queue names one of the five ordered middleware queues.
type Queue int

const (
	QueuePreRequest Queue = iota
	QueuePostRequest
	QueuePreResponse
	QueuePostResponse
	QueueCleanup
	numQueues
)

var queueNames = [numQueues]string{"pre-request", "post-request", "pre-response", "post-response", "cleanup"}

func (q Queue) String() string {
	if q >= 0 && q < numQueues {
		return queueNames[q]
	}
	return fmt.Sprintf("Queue(%d)", int(q))
}

// Entry is one middleware in a queue.  Sequence is the pipeline-wide
// insertion counter captured when the entry was inserted.
type Entry struct {
	Priority int
	Sequence uint64
	Name     string
	fn       interface{}
}

// ascending is the request-phase (and cleanup) order: most urgent
// priority first, FIFO among equals.
func ascending(a, b Entry) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Sequence < b.Sequence
}

// descending is the response-phase order: the highest declared priority
// number unwinds first, FIFO among equals.
func descending(a, b Entry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Sequence < b.Sequence
}

type queue struct {
	less    func(a, b Entry) bool
	entries []Entry
}

// HostMiddleware is the host's own request and response middleware.
// The pipeline splices it between its pre and post queues.
type HostMiddleware interface {
	RequestMiddleware() []RequestMiddlewareFunc
	ResponseMiddleware() []ResponseMiddlewareFunc
}

// Pipeline merges middleware from every plugin into five ordered
// queues.  Insert is only allowed until Freeze; after Freeze the queues
// are immutable and read without locking.
type Pipeline struct {
	lock     sync.Mutex
	sequence uint64
	queues   [numQueues]*queue
	frozen   atomic.Bool

	host         HostMiddleware
	hostRequest  []RequestMiddlewareFunc
	hostResponse []ResponseMiddlewareFunc

	logger  logr.Logger
	metrics *metrics
}

// NewPipeline creates an unfrozen pipeline.  host may be nil.
func NewPipeline(host HostMiddleware, logger logr.Logger) *Pipeline {
	p := &Pipeline{
		host:   host,
		logger: logger,
	}
	for q := Queue(0); q < numQueues; q++ {
		less := ascending
		if q == QueuePreResponse || q == QueuePostResponse {
			less = descending
		}
		p.queues[q] = &queue{less: less}
	}
	return p
}

// ValidatePriority checks that priority is within MinPriority..MaxPriority.
func ValidatePriority(priority int) error {
	if priority < MinPriority || priority > MaxPriority {
		return configErr("Pipeline", "Insert", ErrInvalidPriority,
			"priority %d is outside %d..%d", priority, MinPriority, MaxPriority)
	}
	return nil
}

// queueFor picks the queue for a phase and relative position.
func queueFor(phase Phase, relative Relative) (Queue, error) {
	switch phase {
	case PhaseRequest:
		switch relative {
		case RelativeDefault, Pre:
			return QueuePreRequest, nil
		case Post:
			return QueuePostRequest, nil
		}
	case PhaseResponse:
		switch relative {
		case Pre:
			return QueuePreResponse, nil
		case RelativeDefault, Post:
			return QueuePostResponse, nil
		}
	case PhaseCleanup:
		if relative == RelativeDefault {
			return QueueCleanup, nil
		}
		return 0, configErr("Pipeline", "Insert", ErrInvalidRelative,
			"cleanup middleware cannot be %s", relative)
	default:
		return 0, configErr("Pipeline", "Insert", ErrInvalidPhase, "phase %s", phase)
	}
	return 0, configErr("Pipeline", "Insert", ErrInvalidRelative,
		"%s middleware must be pre or post, not %s", phase, relative)
}

// Insert adds a middleware.  fn must be a RequestMiddlewareFunc,
// ResponseMiddlewareFunc or CleanupFunc matching phase.  The name is
// only used in logs and debugging output.
func (p *Pipeline) Insert(phase Phase, priority int, relative Relative, name string, fn interface{}) error {
	if err := ValidatePriority(priority); err != nil {
		return err
	}
	q, err := queueFor(phase, relative)
	if err != nil {
		return err
	}
	var ok bool
	switch phase {
	case PhaseRequest:
		_, ok = fn.(RequestMiddlewareFunc)
	case PhaseResponse:
		_, ok = fn.(ResponseMiddlewareFunc)
	case PhaseCleanup:
		_, ok = fn.(CleanupFunc)
	}
	if !ok {
		return configErr("Pipeline", "Insert", ErrInvalidHandler,
			"%T cannot be used as %s middleware", fn, phase)
	}

	p.lock.Lock()
	defer p.lock.Unlock()
	if p.frozen.Load() {
		return configErr("Pipeline", "Insert", ErrRunning,
			"cannot add %s middleware %q after the server started", phase, name)
	}
	p.sequence++
	p.queues[q].entries = append(p.queues[q].entries, Entry{
		Priority: priority,
		Sequence: p.sequence,
		Name:     name,
		fn:       fn,
	})
	return nil
}

// Freeze sorts every queue by (priority, insertion order) and makes
// them immutable.  It may only be called once.
func (p *Pipeline) Freeze() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.frozen.Load() {
		return configErr("Pipeline", "Freeze", ErrAlreadyFrozen, "second call to Freeze()")
	}
	for _, q := range p.queues {
		less := q.less
		entries := q.entries
		sort.SliceStable(entries, func(i, j int) bool { return less(entries[i], entries[j]) })
		q.entries = entries[:len(entries):len(entries)]
	}
	if p.host != nil {
		p.hostRequest = append([]RequestMiddlewareFunc(nil), p.host.RequestMiddleware()...)
		p.hostResponse = append([]ResponseMiddlewareFunc(nil), p.host.ResponseMiddleware()...)
	}
	p.frozen.Store(true)
	return nil
}

// Frozen reports whether Freeze has been called.
func (p *Pipeline) Frozen() bool {
	return p.frozen.Load()
}

// Entries returns a copy of a queue.  Before Freeze the copy is in
// insertion order; after Freeze it is in run order.
func (p *Pipeline) Entries(q Queue) []Entry {
	if q < 0 || q >= numQueues {
		return nil
	}
	if !p.frozen.Load() {
		p.lock.Lock()
		defer p.lock.Unlock()
	}
	return append([]Entry(nil), p.queues[q].entries...)
}

// Len is the number of plugin middleware entries across all queues.
func (p *Pipeline) Len() int {
	if !p.frozen.Load() {
		p.lock.Lock()
		defer p.lock.Unlock()
	}
	n := 0
	for _, q := range p.queues {
		n += len(q.entries)
	}
	return n
}

func (p *Pipeline) requireFrozen(method string) error {
	if !p.frozen.Load() {
		return configErr("Pipeline", method, ErrNotRunning, "middleware cannot run before the server started")
	}
	return nil
}

// RunRequestPhase runs the pre-request queue, the host's request
// middleware and the post-request queue.  The first middleware that
// returns a Response ends the phase and that Response is returned.
func (p *Pipeline) RunRequestPhase(r *http.Request) (*Response, error) {
	if err := p.requireFrozen("RunRequestPhase"); err != nil {
		return nil, err
	}
	run := func(m RequestMiddlewareFunc) (*Response, error) {
		if err := r.Context().Err(); err != nil {
			return nil, err
		}
		p.metrics.invoked(PhaseRequest)
		return m(r)
	}
	for _, e := range p.queues[QueuePreRequest].entries {
		if resp, err := run(e.fn.(RequestMiddlewareFunc)); resp != nil || err != nil {
			p.noteShortCircuit(e.Name, resp, err)
			return resp, err
		}
	}
	for _, m := range p.hostRequest {
		if resp, err := run(m); resp != nil || err != nil {
			p.noteShortCircuit("host", resp, err)
			return resp, err
		}
	}
	for _, e := range p.queues[QueuePostRequest].entries {
		if resp, err := run(e.fn.(RequestMiddlewareFunc)); resp != nil || err != nil {
			p.noteShortCircuit(e.Name, resp, err)
			return resp, err
		}
	}
	return nil, nil
}

func (p *Pipeline) noteShortCircuit(name string, resp *Response, err error) {
	if err != nil || resp == nil {
		return
	}
	p.metrics.shortCircuit()
	p.logger.V(TRACE).Info("request middleware short-circuited", "middleware", name, "status", resp.StatusCode)
}

// RunResponsePhase runs the pre-response queue, the host's response
// middleware and the post-response queue.  Within each of those three
// groups the first middleware that returns a Response replaces the
// current one and the rest of that group is skipped.
func (p *Pipeline) RunResponsePhase(r *http.Request, resp *Response) (*Response, error) {
	if err := p.requireFrozen("RunResponsePhase"); err != nil {
		return resp, err
	}
	run := func(m ResponseMiddlewareFunc) (bool, error) {
		if err := r.Context().Err(); err != nil {
			return false, err
		}
		p.metrics.invoked(PhaseResponse)
		out, err := m(r, resp)
		if err != nil {
			return false, err
		}
		if out != nil {
			resp = out
			return true, nil
		}
		return false, nil
	}
	for _, e := range p.queues[QueuePreResponse].entries {
		if replaced, err := run(e.fn.(ResponseMiddlewareFunc)); err != nil {
			return resp, err
		} else if replaced {
			break
		}
	}
	for _, m := range p.hostResponse {
		if replaced, err := run(m); err != nil {
			return resp, err
		} else if replaced {
			break
		}
	}
	for _, e := range p.queues[QueuePostResponse].entries {
		if replaced, err := run(e.fn.(ResponseMiddlewareFunc)); err != nil {
			return resp, err
		} else if replaced {
			break
		}
	}
	return resp, nil
}

// RunCleanupPhase runs every cleanup middleware.  A failing (or
// panicking) cleanup middleware is logged and does not stop the others.
// The failures are returned joined together for callers that want them.
func (p *Pipeline) RunCleanupPhase(r *http.Request) error {
	if err := p.requireFrozen("RunCleanupPhase"); err != nil {
		return err
	}
	var errs []error
	for _, e := range p.queues[QueueCleanup].entries {
		p.metrics.invoked(PhaseCleanup)
		if err := runCleanup(e.fn.(CleanupFunc), r); err != nil {
			p.metrics.cleanupFailed()
			p.logger.Error(err, "cleanup middleware failed", "middleware", e.Name)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func runCleanup(fn CleanupFunc, r *http.Request) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("cleanup middleware panicked: %v", rec)
		}
	}()
	return fn(r)
}
