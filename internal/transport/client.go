// Package transport runs HTTP GET requests as controllable tasks and reports their
// events to a delegate, tagged with the transfer they belong to.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/italolelis/download_service/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrClosed is returned by NewTask once the client has been closed.
var ErrClosed = errors.New("transport client closed")

// Disposition tells the transport whether to keep reading a response body.
type Disposition int

const (
	Allow Disposition = iota
	Cancel
)

// Response is the metadata of a received response.
type Response struct {
	StatusCode int
	Status     string
	// ContentLength is -1 when the server did not announce it.
	ContentLength int64
	Header        http.Header
}

// Delegate receives the events of every task created with it. Events of one task
// are delivered sequentially from that task's goroutine; different tasks deliver
// concurrently.
type Delegate interface {
	DidReceiveResponse(ctx context.Context, id transfer.ID, resp *Response) Disposition
	DidReceiveData(ctx context.Context, id transfer.ID, chunk []byte)
	DidComplete(ctx context.Context, id transfer.ID, err error)
}

type Options struct {
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	// InactivityTimeout fails a task when no bytes arrive for this long.
	InactivityTimeout time.Duration
	// ChunkSize bounds the size of each data event.
	ChunkSize int
	UserAgent string
}

func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		InactivityTimeout:   60 * time.Second,
		ChunkSize:           32 * 1024,
		UserAgent:           "download_service/1.0",
	}
}

// Client owns the shared connection pool and the set of live tasks.
type Client struct {
	opts Options
	http *http.Client

	mu     sync.Mutex
	tasks  map[*Task]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewClient creates a client. Zero fields in opts take their default value.
func NewClient(opts Options) *Client {
	def := DefaultOptions()
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}

	if opts.IdleConnTimeout <= 0 {
		opts.IdleConnTimeout = def.IdleConnTimeout
	}

	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}

	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}

	base := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		IdleConnTimeout:     opts.IdleConnTimeout,
	}

	return &Client{
		opts:  opts,
		http:  &http.Client{Transport: otelhttp.NewTransport(base)},
		tasks: make(map[*Task]struct{}),
	}
}

// NewTask validates req and returns a task in the created state. Nothing is sent
// until Resume is called. The task keeps the values of ctx but not its cancellation.
func (c *Client) NewTask(ctx context.Context, id transfer.ID, req transfer.Request, d Delegate) (transfer.Operation, error) {
	u, err := validate(req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	timeout := c.opts.InactivityTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}

	t := &Task{
		client:   c,
		id:       id,
		req:      req,
		url:      u,
		delegate: d,
		timeout:  timeout,
	}
	t.cond = sync.NewCond(&t.mu)
	t.ctx, t.cancel = context.WithCancelCause(context.WithoutCancel(ctx))

	c.tasks[t] = struct{}{}

	return t, nil
}

// Close cancels every live task and waits for them to report completion. The tasks
// fail with an error matching both transfer.ErrCancelled and ErrClosed.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.wg.Wait()

		return
	}

	c.closed = true
	tasks := make([]*Task, 0, len(c.tasks))

	for t := range c.tasks {
		tasks = append(tasks, t)
	}
	c.mu.Unlock()

	cause := fmt.Errorf("%w: %w", transfer.ErrCancelled, ErrClosed)
	for _, t := range tasks {
		t.cancelWith(cause)
	}

	c.wg.Wait()
	c.http.CloseIdleConnections()
}

// Len returns the number of tasks that have not completed yet.
func (c *Client) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.tasks)
}

func (c *Client) forget(t *Task) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.tasks, t)
}

func validate(req transfer.Request) (*url.URL, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, &transfer.InvalidRequestError{URL: req.URL, Reason: "unparseable url", Err: err}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &transfer.InvalidRequestError{URL: req.URL, Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}

	if u.Host == "" {
		return nil, &transfer.InvalidRequestError{URL: req.URL, Reason: "missing host"}
	}

	if req.Method != "" && !strings.EqualFold(req.Method, http.MethodGet) {
		return nil, &transfer.InvalidRequestError{URL: req.URL, Reason: fmt.Sprintf("unsupported method %q", req.Method)}
	}

	return u, nil
}
