package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/download_service/internal/downloader/progress"
	"github.com/italolelis/download_service/internal/logctx"
	"github.com/italolelis/download_service/internal/transfer"
)

const progressLogInterval = 1 << 20

type taskState int

const (
	taskCreated taskState = iota
	taskRunning
	taskSuspended
	taskCompleted
)

// Task is one HTTP request and its body, driven by a single goroutine once resumed.
type Task struct {
	client   *Client
	id       transfer.ID
	req      transfer.Request
	url      *url.URL
	delegate Delegate
	timeout  time.Duration

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu    sync.Mutex
	cond  *sync.Cond
	state taskState
}

// Resume starts the request, or lets a suspended task deliver events again.
func (t *Task) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case taskCreated:
		t.state = taskRunning
		t.client.wg.Add(1)

		go t.run()
	case taskSuspended:
		t.state = taskRunning
		t.cond.Broadcast()
	}
}

// Suspend holds back further events until Resume. The inactivity timeout does not
// run while suspended.
func (t *Task) Suspend() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == taskRunning {
		t.state = taskSuspended
	}
}

// Cancel aborts the task. DidComplete is reported with transfer.ErrCancelled, also
// when the task was never resumed.
func (t *Task) Cancel() {
	t.cancelWith(transfer.ErrCancelled)
}

func (t *Task) cancelWith(cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case taskCompleted:
		return
	case taskCreated:
		t.state = taskCompleted
		t.cancel(cause)
		t.client.wg.Add(1)

		go func() {
			defer t.client.wg.Done()
			t.complete(cause)
		}()
	default:
		t.cancel(cause)
		t.cond.Broadcast()
	}
}

func (t *Task) run() {
	defer t.client.wg.Done()

	ctx, wd := newWatchdog(t.ctx, t.timeout)
	err := t.do(ctx, wd)
	wd.Stop()

	t.complete(err)
}

func (t *Task) do(ctx context.Context, wd *watchdog) error {
	logger := logctx.LoggerFromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url.String(), nil)
	if err != nil {
		return &transfer.TransportError{Operation: "request", URL: t.req.URL, Err: err}
	}

	for k, vs := range t.req.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	req.Header.Set("User-Agent", t.client.opts.UserAgent)

	if t.req.IgnoreCache {
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")
	}

	logger.DebugContext(ctx, "sending request", "url", t.req.URL)

	resp, err := t.client.http.Do(req)
	if err != nil {
		return t.classify(ctx, "request", err)
	}
	defer resp.Body.Close()

	if err := t.waitRunnable(ctx, wd); err != nil {
		return err
	}

	wd.Kick()

	disposition := t.delegate.DidReceiveResponse(ctx, t.id, &Response{
		StatusCode:    resp.StatusCode,
		Status:        resp.Status,
		ContentLength: resp.ContentLength,
		Header:        resp.Header,
	})
	if disposition == Cancel {
		return transfer.ErrCancelled
	}

	body := progress.NewReader(resp.Body, resp.ContentLength, progressLogInterval, func(read, total int64) {
		size := "unknown"
		if total >= 0 {
			size = humanize.Bytes(uint64(total))
		}

		logger.DebugContext(ctx, "download progress", "received", humanize.Bytes(uint64(read)), "total", size)
	})

	buf := make([]byte, t.client.opts.ChunkSize)

	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if err := t.waitRunnable(ctx, wd); err != nil {
				return err
			}

			wd.Kick()

			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.delegate.DidReceiveData(ctx, t.id, chunk)
		}

		if errors.Is(rerr, io.EOF) {
			return nil
		}

		if rerr != nil {
			return t.classify(ctx, "read_body", rerr)
		}
	}
}

// waitRunnable blocks while the task is suspended and reports why the task must
// stop, if it must.
func (t *Task) waitRunnable(ctx context.Context, wd *watchdog) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != taskSuspended {
		return t.checkContext(ctx)
	}

	// The watchdog cancels ctx without touching cond.
	stop := context.AfterFunc(ctx, t.wake)
	defer stop()

	wd.Pause()

	for t.state == taskSuspended && ctx.Err() == nil {
		t.cond.Wait()
	}

	wd.Kick()

	return t.checkContext(ctx)
}

func (t *Task) wake() {
	t.mu.Lock()
	t.cond.Broadcast()
	t.mu.Unlock()
}

func (t *Task) checkContext(ctx context.Context) error {
	if ctx.Err() != nil {
		return t.classify(ctx, "read_body", ctx.Err())
	}

	return nil
}

func (t *Task) classify(ctx context.Context, op string, err error) error {
	cause := context.Cause(ctx)

	switch {
	case cause == nil:
	case errors.Is(cause, transfer.ErrCancelled):
		return cause
	case errors.Is(cause, os.ErrDeadlineExceeded):
		return &transfer.TransportError{Operation: op, URL: t.req.URL, Err: cause}
	}

	return &transfer.TransportError{Operation: op, URL: t.req.URL, Err: err}
}

func (t *Task) complete(err error) {
	t.mu.Lock()
	t.state = taskCompleted
	t.mu.Unlock()

	t.client.forget(t)
	t.delegate.DidComplete(t.ctx, t.id, err)
	t.cancel(nil)
}
