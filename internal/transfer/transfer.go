package transfer

import (
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ID identifies a transfer for its whole lifetime. It is assigned when the download
// is started and threaded through every transport call.
type ID string

// Request describes a single download.
type Request struct {
	URL string
	// Method defaults to GET, the only method the downloader issues.
	Method string
	// IgnoreCache asks intermediaries not to serve a cached copy.
	IgnoreCache bool
	// Timeout is the inactivity timeout for this request. Zero uses the client default.
	Timeout time.Duration
	Header  http.Header
}

// Result is delivered exactly once per transfer to the completion callback.
type Result struct {
	Data []byte
	Err  error
}

// Success reports whether the transfer finished with the full body.
func (r Result) Success() bool {
	return r.Err == nil
}

type State int

const (
	StateCreated State = iota
	StateActive
	StateSuspended
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further events can happen in this state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Operation is the transport-side unit of work a transfer controls.
type Operation interface {
	Resume()
	Suspend()
	Cancel()
}

// Transfer is the handle returned to callers for one download. The downloader owns
// the buffered state; callers use the handle to control the operation and to
// attach callbacks.
type Transfer struct {
	id        ID
	request   Request
	op        Operation
	createdAt time.Time

	mu         sync.Mutex
	state      State
	onProgress func(fraction float64)
	onComplete func(Result)

	// buffer is only appended from the serialized event path.
	buffer       []byte
	expectedSize atomic.Int64
	received     atomic.Int64
	progress     atomic.Uint64
	err          atomic.Pointer[error]
}

func New(id ID, req Request, op Operation) *Transfer {
	return &Transfer{
		id:        id,
		request:   req,
		op:        op,
		createdAt: time.Now(),
	}
}

func (t *Transfer) ID() ID {
	return t.id
}

func (t *Transfer) Request() Request {
	return t.request
}

func (t *Transfer) CreatedAt() time.Time {
	return t.createdAt
}

// OnProgress sets the progress callback. It receives fractions in [0,1] and is only
// invoked when the response announced its size.
func (t *Transfer) OnProgress(fn func(fraction float64)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.onProgress = fn
}

// OnComplete sets the completion callback.
func (t *Transfer) OnComplete(fn func(Result)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.onComplete = fn
}

// Resume starts the operation, or continues it after Suspend. It has no effect once
// the transfer reached a terminal state.
func (t *Transfer) Resume() {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()

		return
	}

	t.state = StateActive
	t.mu.Unlock()

	t.op.Resume()
}

// Suspend pauses delivery of further events. Buffered bytes are kept.
func (t *Transfer) Suspend() {
	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()

		return
	}

	t.state = StateSuspended
	t.mu.Unlock()

	t.op.Suspend()
}

// Cancel requests early termination. The completion callback still fires once,
// with ErrCancelled.
func (t *Transfer) Cancel() {
	if t.State().Terminal() {
		return
	}

	t.op.Cancel()
}

func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

// ExpectedSize is the announced body size, 0 while unknown.
func (t *Transfer) ExpectedSize() int64 {
	return t.expectedSize.Load()
}

// BytesReceived is the number of body bytes buffered so far.
func (t *Transfer) BytesReceived() int64 {
	return t.received.Load()
}

// Progress is the last fraction reported, 0 when the size is unknown.
func (t *Transfer) Progress() float64 {
	return math.Float64frombits(t.progress.Load())
}

// Err is the terminal error, nil while running or after success.
func (t *Transfer) Err() error {
	if p := t.err.Load(); p != nil {
		return *p
	}

	return nil
}

// SetExpectedSize records the declared content length. Unknown or negative lengths
// are stored as 0.
func (t *Transfer) SetExpectedSize(n int64) {
	if n < 0 {
		n = 0
	}

	t.expectedSize.Store(n)
}

// Append adds a chunk to the buffer and returns the new buffered length.
func (t *Transfer) Append(chunk []byte) int64 {
	t.buffer = append(t.buffer, chunk...)
	n := int64(len(t.buffer))
	t.received.Store(n)

	return n
}

// ProgressHandler returns the callback to run for a fraction, or nil when none is
// set or the transfer already finished.
func (t *Transfer) ProgressHandler(fraction float64) func() {
	t.progress.Store(math.Float64bits(fraction))

	t.mu.Lock()
	fn := t.onProgress
	terminal := t.state.Terminal()
	t.mu.Unlock()

	if fn == nil || terminal {
		return nil
	}

	return func() { fn(fraction) }
}

// Finish moves the transfer to its terminal state and returns the completion
// callback bound to the result, nil when none is set. The second return is false
// when the transfer had already finished.
func (t *Transfer) Finish(err error) (func(), bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Terminal() {
		return nil, false
	}

	res := Result{Err: err}

	if err != nil {
		t.state = StateFailed
		t.err.Store(&err)
	} else {
		t.state = StateSucceeded
		res.Data = t.buffer
	}

	fn := t.onComplete
	if fn == nil {
		return nil, true
	}

	return func() { fn(res) }, true
}
