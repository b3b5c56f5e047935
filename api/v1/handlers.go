// Package v1 is the daemon's HTTP surface: download control, position
// journaling and the event stream for one open audiobook.
package v1

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tinoosan/fable/internal/data"
	"github.com/tinoosan/fable/internal/store"
	"github.com/tinoosan/fable/internal/toc"
)

// Engine is the slice of the orchestrator the handlers need.
type Engine interface {
	Fetch()
	FetchUndownloadedTracks()
	DeleteAll()
	OverallProgress() float64
}

// PositionJournal is the slice of the position tracker the handlers need.
type PositionJournal interface {
	Current() (data.TrackPosition, bool)
	Update(pos data.TrackPosition)
}

// BookHandler serves the API for the single book this daemon has open.
type BookHandler struct {
	l       *slog.Logger
	bookID  string
	tracks  data.Tracks
	engine  Engine
	st      store.Reader
	journal PositionJournal
	toc     *toc.TOC
	hub     *Hub
}

func NewBookHandler(l *slog.Logger, bookID string, tracks data.Tracks, engine Engine, st store.Reader, journal PositionJournal, contents *toc.TOC, hub *Hub) *BookHandler {
	return &BookHandler{l: l, bookID: bookID, tracks: tracks, engine: engine,
		st: st, journal: journal, toc: contents, hub: hub}
}

type rwLogger struct {
	http.ResponseWriter
	status int
	bytes  int
	err    error
}

func (w *rwLogger) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *rwLogger) SetErr(err error) {
	w.err = err
}

func (w *rwLogger) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Hijack passes through to the wrapped writer so the websocket upgrade works
// behind the access-log middleware.
func (w *rwLogger) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, errors.New("response writer does not support hijacking")
}

func (w *rwLogger) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type errorSetter interface {
	SetErr(error)
}

func markErr(w http.ResponseWriter, err error) {
	if es, ok := w.(errorSetter); ok {
		es.SetErr(err)
	}
}

// book extracts and checks the {id} route variable. The daemon owns exactly
// one book; anything else is a 404.
func (h *BookHandler) book(w http.ResponseWriter, r *http.Request) bool {
	if id := mux.Vars(r)["id"]; id != h.bookID {
		markErr(w, ErrUnknownBook)
		http.Error(w, ErrUnknownBook.Error(), http.StatusNotFound)
		return false
	}
	return true
}

type trackStatus struct {
	TrackKey        string              `json:"trackKey"`
	Index           int                 `json:"index"`
	Title           string              `json:"title"`
	Status          data.DownloadStatus `json:"status"`
	DownloadedBytes int64               `json:"downloadedBytes"`
	TotalBytes      int64               `json:"totalBytes"`
	Fraction        float64             `json:"fraction"`
}

type downloadsResponse struct {
	BookID  string        `json:"bookId"`
	Overall float64       `json:"overall"`
	Tracks  []trackStatus `json:"tracks"`
}

// GetDownloads lists every track's persisted download state. Tracks that
// never started report Pending with zero bytes.
func (h *BookHandler) GetDownloads(w http.ResponseWriter, r *http.Request) {
	if !h.book(w, r) {
		return
	}
	recs, err := h.st.ListByBook(r.Context(), h.bookID)
	if err != nil {
		markErr(w, err)
		http.Error(w, "unable to list downloads", http.StatusInternalServerError)
		return
	}
	byKey := make(map[string]*data.PersistedDownload, len(recs))
	for _, rec := range recs {
		byKey[rec.TrackKey] = rec
	}

	resp := downloadsResponse{BookID: h.bookID, Overall: h.engine.OverallProgress()}
	for _, tr := range h.tracks {
		ts := trackStatus{TrackKey: tr.Key, Index: tr.Index, Title: tr.Title, Status: data.StatusPending}
		if rec, ok := byKey[tr.Key]; ok {
			ts.Status = rec.Status
			ts.DownloadedBytes = rec.DownloadedBytes
			ts.TotalBytes = rec.TotalBytes
			ts.Fraction = rec.Fraction()
		}
		resp.Tracks = append(resp.Tracks, ts)
	}
	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		markErr(w, err)
	}
}

// StartDownloads kicks off the sequential download pass. The work is
// asynchronous; progress arrives on the event stream.
func (h *BookHandler) StartDownloads(w http.ResponseWriter, r *http.Request) {
	if !h.book(w, r) {
		return
	}
	h.engine.Fetch()
	w.WriteHeader(http.StatusAccepted)
}

// DeleteDownloads removes every track's assets and records.
func (h *BookHandler) DeleteDownloads(w http.ResponseWriter, r *http.Request) {
	if !h.book(w, r) {
		return
	}
	h.engine.DeleteAll()
	w.WriteHeader(http.StatusNoContent)
}

// Retry re-queues tracks whose last attempt failed in a retryable way.
func (h *BookHandler) Retry(w http.ResponseWriter, r *http.Request) {
	if !h.book(w, r) {
		return
	}
	h.engine.FetchUndownloadedTracks()
	w.WriteHeader(http.StatusAccepted)
}

type positionBody struct {
	TrackKey  string  `json:"trackKey"`
	Timestamp float64 `json:"timestamp"`
}

type chapterInfo struct {
	Title  string  `json:"title"`
	Offset float64 `json:"offset"`
}

type positionResponse struct {
	TrackKey  string       `json:"trackKey"`
	Timestamp float64      `json:"timestamp"`
	Chapter   *chapterInfo `json:"chapter,omitempty"`
}

// GetPosition returns the saved listening position, annotated with the
// chapter it falls in when the book has a table of contents.
func (h *BookHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	if !h.book(w, r) {
		return
	}
	pos, ok := h.journal.Current()
	if !ok {
		markErr(w, ErrNoPosition)
		http.Error(w, ErrNoPosition.Error(), http.StatusNotFound)
		return
	}
	resp := positionResponse{TrackKey: pos.Track.Key, Timestamp: pos.Timestamp}
	if h.toc != nil {
		if ch, err := h.toc.ChapterFor(pos); err == nil {
			off, _ := h.toc.ChapterOffset(pos)
			resp.Chapter = &chapterInfo{Title: ch.Title, Offset: off}
		}
	}
	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		markErr(w, err)
	}
}

// PutPosition journals a new listening position.
func (h *BookHandler) PutPosition(w http.ResponseWriter, r *http.Request) {
	if !h.book(w, r) {
		return
	}
	var body positionBody
	if err := decodeJSONStrict(w, r, &body, 1<<20); err != nil {
		markErr(w, err)
		status := http.StatusBadRequest
		if errors.Is(err, ErrContentType) {
			status = http.StatusUnsupportedMediaType
		}
		http.Error(w, err.Error(), status)
		return
	}
	tr, ok := h.tracks.ByKey(body.TrackKey)
	if !ok {
		markErr(w, ErrUnknownTrack)
		http.Error(w, ErrUnknownTrack.Error(), http.StatusBadRequest)
		return
	}
	if body.Timestamp < 0 || body.Timestamp > tr.Duration {
		markErr(w, ErrTimestamp)
		http.Error(w, ErrTimestamp.Error(), http.StatusBadRequest)
		return
	}
	h.journal.Update(data.TrackPosition{Track: tr, Timestamp: body.Timestamp, Tracks: h.tracks})
	w.WriteHeader(http.StatusNoContent)
}

// Events upgrades to a websocket and streams engine events as JSON.
func (h *BookHandler) Events(w http.ResponseWriter, r *http.Request) {
	h.hub.ServeWS(w, r)
}

// Log is the access-log middleware; it records the outcome every handler
// annotated via markErr.
func (h *BookHandler) Log(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		rw := &rwLogger{ResponseWriter: w}
		next.ServeHTTP(rw, r)
		if rw.status == 0 {
			rw.status = http.StatusOK
		}
		timeElapsed := time.Since(startTime)
		if rw.err != nil {
			h.l.Error(rw.err.Error(),
				"method", r.Method,
				"url", r.URL.Path,
				"status", rw.status,
				"remote", r.RemoteAddr,
				"ua", r.UserAgent(),
				"dur_ms", timeElapsed.Milliseconds(),
				"bytes", rw.bytes)
			return
		}
		h.l.Info("", "method", r.Method,
			"url", r.URL.Path,
			"status", rw.status,
			"remote", r.RemoteAddr,
			"ua", r.UserAgent(),
			"dur_ms", timeElapsed.Milliseconds(),
			"bytes", rw.bytes)
	})
}
