package data

import "time"

// DownloadStatus is the durable state of one track's download.
type DownloadStatus string

const (
	StatusPending    DownloadStatus = "Pending"
	StatusInProgress DownloadStatus = "InProgress"
	StatusPaused     DownloadStatus = "Paused"
	StatusCompleted  DownloadStatus = "Completed"
	StatusFailed     DownloadStatus = "Failed"
)

// Valid reports whether s is one of the known statuses.
func (s DownloadStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusPaused, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the status counts as "finished trying".
func (s DownloadStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// PersistedDownload is the durable, crash-recoverable record of one track's
// download progress, keyed by (BookID, TrackKey). It is written on every
// meaningful transition and read once at process start to seed recovery.
//
// Invariant: DownloadedBytes <= TotalBytes, and StatusCompleted implies
// DownloadedBytes == TotalBytes with the destination file on disk. The file
// check is opportunistic: ValidateAndRecoverDownloads reconciles records
// against the filesystem rather than every write being transactional.
type PersistedDownload struct {
	BookID           string         `json:"bookId"`
	TrackKey         string         `json:"trackKey"`
	RemoteSource     string         `json:"remoteSource"`
	LocalDestination string         `json:"localDestination"`
	TotalBytes       int64          `json:"totalBytes"`
	DownloadedBytes  int64          `json:"downloadedBytes"`
	Status           DownloadStatus `json:"status"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// Fraction returns completed progress in [0,1], zero when the total is not
// yet known.
func (d *PersistedDownload) Fraction() float64 {
	if d.TotalBytes <= 0 {
		return 0
	}
	f := float64(d.DownloadedBytes) / float64(d.TotalBytes)
	if f > 1 {
		f = 1
	}
	return f
}

// Clone returns a copy so readers never share memory with the store's map.
func (d *PersistedDownload) Clone() *PersistedDownload {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}
