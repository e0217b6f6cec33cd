package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/italolelis/download_service/internal/logctx"
	"github.com/italolelis/download_service/internal/notifier"
	"github.com/italolelis/download_service/internal/telemetry"
	"github.com/italolelis/download_service/internal/transfer"
)

// Starter starts transfers. *downloader.Manager satisfies it.
type Starter interface {
	Start(ctx context.Context, req transfer.Request) (*transfer.Transfer, error)
}

type CreateDownloadRequest struct {
	URL         string `json:"url"`
	IgnoreCache bool   `json:"ignore_cache"`
	// Timeout is a Go duration string, e.g. "30s".
	Timeout string `json:"timeout"`
	// Paused registers the download without resuming it.
	Paused bool `json:"paused"`
}

type Download struct {
	ID            transfer.ID `json:"id"`
	URL           string      `json:"url"`
	Status        string      `json:"status"`
	Progress      float64     `json:"progress"`
	BytesReceived int64       `json:"bytes_received"`
	ExpectedSize  int64       `json:"expected_size"`
	Error         string      `json:"error,omitempty"`
	ErrorKind     string      `json:"error_kind,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

type record struct {
	transfer *transfer.Transfer

	mu         sync.Mutex
	data       []byte
	err        error
	finishedAt time.Time
}

func (rec *record) finish(res transfer.Result) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.data = res.Data
	rec.err = res.Err
	rec.finishedAt = time.Now()
}

// result reports whether the completion callback ran and with what outcome.
func (rec *record) result() (data []byte, finished bool, err error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	return rec.data, !rec.finishedAt.IsZero(), rec.err
}

func (rec *record) snapshot() Download {
	t := rec.transfer
	_, finished, err := rec.result()

	// The transfer turns terminal before its completion callback is dispatched.
	state := t.State()
	if state.Terminal() && !finished {
		state = transfer.StateActive
	}

	d := Download{
		ID:            t.ID(),
		URL:           t.Request().URL,
		Status:        state.String(),
		Progress:      t.Progress(),
		BytesReceived: t.BytesReceived(),
		ExpectedSize:  t.ExpectedSize(),
		CreatedAt:     t.CreatedAt(),
	}

	if err != nil {
		d.Error = err.Error()
		d.ErrorKind = transfer.Kind(err)
	}

	return d
}

// DownloadsHandler exposes transfers over HTTP. It keeps finished transfers, with
// their body, until they are deleted.
type DownloadsHandler struct {
	starter   Starter
	notifier  notifier.Notifier
	telemetry *telemetry.Telemetry

	mu      sync.RWMutex
	records map[transfer.ID]*record
}

// NewDownloadsHandler creates the handler. n may be nil.
func NewDownloadsHandler(s Starter, n notifier.Notifier, t *telemetry.Telemetry) *DownloadsHandler {
	return &DownloadsHandler{
		starter:   s,
		notifier:  n,
		telemetry: t,
		records:   make(map[transfer.ID]*record),
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/downloads", h.HandleCreate)
	r.Get("/downloads", h.HandleList)
	r.Get("/downloads/{id}", h.HandleGet)
	r.Get("/downloads/{id}/content", h.HandleContent)
	r.Post("/downloads/{id}/suspend", h.HandleSuspend)
	r.Post("/downloads/{id}/resume", h.HandleResume)
	r.Delete("/downloads/{id}", h.HandleDelete)

	return r
}

// Track makes t visible through the API and attaches its callbacks. It must be
// called before t is resumed. The returned channel is closed once t finished.
func (h *DownloadsHandler) Track(ctx context.Context, t *transfer.Transfer) <-chan struct{} {
	rec := &record{transfer: t}
	done := make(chan struct{})

	h.mu.Lock()
	h.records[t.ID()] = rec
	h.mu.Unlock()

	ctx = logctx.WithTransferID(context.WithoutCancel(ctx), string(t.ID()))
	logger := logctx.LoggerFromContext(ctx)

	t.OnProgress(func(fraction float64) {
		logger.DebugContext(ctx, "download progress", "percent", humanize.FtoaWithDigits(fraction*100, 2))
	})

	t.OnComplete(func(res transfer.Result) {
		rec.finish(res)
		close(done)

		go h.notify(ctx, t, res)
	})

	return done
}

func (h *DownloadsHandler) notify(ctx context.Context, t *transfer.Transfer, res transfer.Result) {
	if h.notifier == nil {
		return
	}

	content := fmt.Sprintf("Download finished: %s (%s)", t.Request().URL, humanize.Bytes(uint64(len(res.Data))))
	if !res.Success() {
		content = fmt.Sprintf("Download failed: %s (%s)", t.Request().URL, transfer.Kind(res.Err))
	}

	err := h.telemetry.InstrumentOperation(ctx, "notify", "notifier", func(ctx context.Context) error {
		return h.notifier.Notify(ctx, content)
	})
	if err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to send notification", "err", err)
	}
}

// HandleCreate starts a download. It answers 202 with the download snapshot.
func (h *DownloadsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	var req CreateDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	treq := transfer.Request{URL: req.URL, IgnoreCache: req.IgnoreCache}

	if req.Timeout != "" {
		timeout, err := time.ParseDuration(req.Timeout)
		if err != nil || timeout < 0 {
			http.Error(w, "invalid timeout", http.StatusBadRequest)

			return
		}

		treq.Timeout = timeout
	}

	t, err := h.starter.Start(ctx, treq)
	if err != nil {
		var invalid *transfer.InvalidRequestError
		if errors.As(err, &invalid) {
			http.Error(w, invalid.Error(), http.StatusBadRequest)

			return
		}

		logger.Error("failed to start download", "err", err)
		http.Error(w, "failed to start download", http.StatusInternalServerError)

		return
	}

	h.Track(ctx, t)

	if !req.Paused {
		t.Resume()
	}

	rec, _ := h.lookup(t.ID())
	writeJSON(ctx, w, http.StatusAccepted, rec.snapshot())
}

func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	list := make([]Download, 0, len(h.records))

	for _, rec := range h.records {
		list = append(list, rec.snapshot())
	}
	h.mu.RUnlock()

	slices.SortFunc(list, func(a, b Download) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	writeJSON(r.Context(), w, http.StatusOK, list)
}

func (h *DownloadsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookup(transfer.ID(chi.URLParam(r, "id")))
	if !ok {
		http.Error(w, "download not found", http.StatusNotFound)

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, rec.snapshot())
}

// HandleContent returns the body of a succeeded download, 409 otherwise.
func (h *DownloadsHandler) HandleContent(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookup(transfer.ID(chi.URLParam(r, "id")))
	if !ok {
		http.Error(w, "download not found", http.StatusNotFound)

		return
	}

	data, finished, err := rec.result()
	if !finished || err != nil {
		http.Error(w, "download is "+rec.snapshot().Status, http.StatusConflict)

		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(data); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to write content", "err", err)
	}
}

func (h *DownloadsHandler) HandleSuspend(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, (*transfer.Transfer).Suspend)
}

func (h *DownloadsHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, (*transfer.Transfer).Resume)
}

func (h *DownloadsHandler) control(w http.ResponseWriter, r *http.Request, fn func(*transfer.Transfer)) {
	rec, ok := h.lookup(transfer.ID(chi.URLParam(r, "id")))
	if !ok {
		http.Error(w, "download not found", http.StatusNotFound)

		return
	}

	fn(rec.transfer)

	writeJSON(r.Context(), w, http.StatusOK, rec.snapshot())
}

// HandleDelete cancels a running download (202) or forgets a finished one (204).
func (h *DownloadsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := transfer.ID(chi.URLParam(r, "id"))

	rec, ok := h.lookup(id)
	if !ok {
		http.Error(w, "download not found", http.StatusNotFound)

		return
	}

	if _, finished, _ := rec.result(); !finished {
		rec.transfer.Cancel()
		w.WriteHeader(http.StatusAccepted)

		return
	}

	h.mu.Lock()
	delete(h.records, id)
	h.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

// ForgetFinishedBefore drops downloads that finished before cutoff and returns how
// many were dropped.
func (h *DownloadsHandler) ForgetFinishedBefore(cutoff time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0

	for id, rec := range h.records {
		rec.mu.Lock()
		expired := !rec.finishedAt.IsZero() && rec.finishedAt.Before(cutoff)
		rec.mu.Unlock()

		if expired {
			delete(h.records, id)
			n++
		}
	}

	return n
}

func (h *DownloadsHandler) lookup(id transfer.ID) (*record, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rec, ok := h.records[id]

	return rec, ok
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to encode response", "err", err)
	}
}
