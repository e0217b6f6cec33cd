package downloader

import (
	"context"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/italolelis/download_service/internal/dispatch"
	"github.com/italolelis/download_service/internal/downloader/progress"
	"github.com/italolelis/download_service/internal/logctx"
	"github.com/italolelis/download_service/internal/telemetry"
	"github.com/italolelis/download_service/internal/transfer"
	"github.com/italolelis/download_service/internal/transport"
)

// Transport creates the operations the Manager controls. *transport.Client
// satisfies it.
type Transport interface {
	NewTask(ctx context.Context, id transfer.ID, req transfer.Request, d transport.Delegate) (transfer.Operation, error)
}

type Option func(*Manager)

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(m *Manager) {
		if t != nil {
			m.telemetry = t
		}
	}
}

// WithAcceptNonSuccessStatus buffers non-2xx bodies like any other instead of
// failing the transfer with a *transfer.ServerError.
func WithAcceptNonSuccessStatus(accept bool) Option {
	return func(m *Manager) {
		m.acceptNonSuccess = accept
	}
}

// WithMaxBufferSize fails transfers whose body grows past n bytes. Zero means no limit.
func WithMaxBufferSize(n int64) Option {
	return func(m *Manager) {
		m.maxBuffer = n
	}
}

type entry struct {
	transfer *transfer.Transfer
	tracker  progress.Tracker
	finish   telemetry.FinishFunc
	// pending is the failure decided by the Manager itself. It replaces the
	// cancellation the transport reports after being told to stop.
	pending error
}

// Manager starts transfers, receives their transport events and turns them into
// progress and completion callbacks on the configured dispatcher.
type Manager struct {
	transport        Transport
	dispatcher       dispatch.Dispatcher
	telemetry        *telemetry.Telemetry
	acceptNonSuccess bool
	maxBuffer        int64

	mu        sync.Mutex
	transfers map[transfer.ID]*entry
}

// New creates a Manager. A nil dispatcher runs callbacks on transport goroutines.
func New(t Transport, d dispatch.Dispatcher, opts ...Option) *Manager {
	if d == nil {
		d = dispatch.Inline{}
	}

	m := &Manager{
		transport:  t,
		dispatcher: d,
		telemetry:  &telemetry.Telemetry{},
		transfers:  make(map[transfer.ID]*entry),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start registers a new transfer for req and returns its handle without starting
// it. Only requests that can never succeed fail here; every other failure is
// reported through the completion callback.
func (m *Manager) Start(ctx context.Context, req transfer.Request) (*transfer.Transfer, error) {
	id := transfer.ID(uuid.NewString())

	ctx = logctx.WithTransferID(ctx, string(id))
	logger := logctx.LoggerFromContext(ctx)

	ctx, finish := m.telemetry.StartDownload(ctx)

	op, err := m.transport.NewTask(ctx, id, req, m)
	if err != nil {
		finish(err, 0)
		logger.WarnContext(ctx, "rejected download", "url", req.URL, "err", err)

		return nil, fmt.Errorf("failed to start download: %w", err)
	}

	t := transfer.New(id, req, op)

	m.mu.Lock()
	m.transfers[id] = &entry{transfer: t, finish: finish}
	m.mu.Unlock()

	logger.InfoContext(ctx, "download registered", "url", req.URL)

	return t, nil
}

// Get returns a registered transfer. Finished transfers are no longer registered.
func (m *Manager) Get(id transfer.ID) (*transfer.Transfer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.transfers[id]
	if !ok {
		return nil, false
	}

	return e.transfer, true
}

// Len returns the number of transfers that have not finished.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.transfers)
}

// DidReceiveResponse records the announced body size. Responses for unknown
// transfers, rejected statuses and bodies known to exceed the buffer limit are
// cancelled.
func (m *Manager) DidReceiveResponse(ctx context.Context, id transfer.ID, resp *transport.Response) transport.Disposition {
	logger := logctx.LoggerFromContext(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.transfers[id]
	if !ok {
		m.telemetry.RecordOrphanedEvent("response")
		logger.DebugContext(ctx, "cancelling response for unknown transfer", "transfer", id)

		return transport.Cancel
	}

	e.transfer.SetExpectedSize(resp.ContentLength)

	if !m.acceptNonSuccess && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		e.pending = &transfer.ServerError{
			URL:        e.transfer.Request().URL,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
		}

		return transport.Cancel
	}

	if m.maxBuffer > 0 && resp.ContentLength > m.maxBuffer {
		e.pending = &transfer.BufferLimitError{Limit: m.maxBuffer, Received: resp.ContentLength}

		return transport.Cancel
	}

	logger.DebugContext(ctx, "response received",
		"status", resp.StatusCode,
		"size", humanize.Bytes(uint64(e.transfer.ExpectedSize())),
	)

	return transport.Allow
}

// DidReceiveData buffers chunk and dispatches the new progress fraction when the
// size is known.
func (m *Manager) DidReceiveData(ctx context.Context, id transfer.ID, chunk []byte) {
	m.mu.Lock()

	e, ok := m.transfers[id]
	if !ok {
		m.mu.Unlock()
		m.telemetry.RecordOrphanedEvent("data")

		return
	}

	if e.pending != nil {
		m.mu.Unlock()

		return
	}

	if received := e.transfer.BytesReceived() + int64(len(chunk)); m.maxBuffer > 0 && received > m.maxBuffer {
		e.pending = &transfer.BufferLimitError{Limit: m.maxBuffer, Received: received}
		m.mu.Unlock()

		logctx.LoggerFromContext(ctx).WarnContext(ctx, "download exceeds buffer limit",
			"limit", humanize.Bytes(uint64(m.maxBuffer)))
		e.transfer.Cancel()

		return
	}

	n := e.transfer.Append(chunk)

	var notify func()
	if fraction, ok := e.tracker.Update(n, e.transfer.ExpectedSize()); ok {
		notify = e.transfer.ProgressHandler(fraction)
	}
	m.mu.Unlock()

	if notify != nil {
		m.dispatcher.Dispatch(notify)
	}
}

// DidComplete unregisters the transfer and dispatches its completion callback. A
// second completion for the same transfer is ignored.
func (m *Manager) DidComplete(ctx context.Context, id transfer.ID, err error) {
	logger := logctx.LoggerFromContext(ctx)

	m.mu.Lock()

	e, ok := m.transfers[id]
	if !ok {
		m.mu.Unlock()
		m.telemetry.RecordOrphanedEvent("complete")

		return
	}

	delete(m.transfers, id)

	if e.pending != nil {
		err = e.pending
	}

	notify, _ := e.transfer.Finish(err)
	m.mu.Unlock()

	received := e.transfer.BytesReceived()
	e.finish(err, received)

	if err != nil {
		logger.WarnContext(ctx, "download failed", "kind", transfer.Kind(err), "err", err)
	} else {
		logger.InfoContext(ctx, "download finished", "size", humanize.Bytes(uint64(received)))
	}

	if notify != nil {
		m.dispatcher.Dispatch(notify)
	}
}
