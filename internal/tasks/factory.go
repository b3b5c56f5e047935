// Package tasks selects the download task variant for a track. The transport
// is decided once, at track-construction time; everything downstream depends
// only on the downloader.Task interface.
package tasks

import (
	"log/slog"
	"net/http"

	"github.com/tinoosan/fable/internal/data"
	"github.com/tinoosan/fable/internal/downloader"
	"github.com/tinoosan/fable/internal/downloader/drmdl"
	"github.com/tinoosan/fable/internal/downloader/httpdl"
	"github.com/tinoosan/fable/internal/drm"
	"github.com/tinoosan/fable/internal/store"
)

// NewFactory wires the concrete transports. client may be nil for the
// default HTTP transport settings. The returned function is assignable to
// service.TaskFactory.
func NewFactory(bookID, dir string, st store.Store, dec drm.Decryptor, client *http.Client, log *slog.Logger) func(tr *data.Track, rep downloader.Reporter) downloader.Task {
	return func(tr *data.Track, rep downloader.Reporter) downloader.Task {
		switch tr.Transport {
		case data.TransportDRM:
			return drmdl.New(tr, bookID, dir, st, dec, rep, client, log)
		default:
			return httpdl.New(tr, bookID, dir, st, rep, client, log)
		}
	}
}
