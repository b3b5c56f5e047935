package store

import "github.com/tinoosan/fable/internal/data"

// reconcile compares records against the filesystem and repairs them in
// place. It returns the records that changed (and must be flushed) plus a
// recovery report for the caller.
//
// Two asymmetric cases:
//   - completed record, file missing: the file was deleted externally. The
//     record is demoted to Pending so the next fetch re-downloads instead of
//     trusting a ghost.
//   - file present, record not completed: the process died after bytes
//     landed but before the state flush. The byte count is corrected so the
//     next fetch resumes instead of restarting.
func reconcile(recs []*data.PersistedDownload) ([]*data.PersistedDownload, []Recovery) {
	var changed []*data.PersistedDownload
	var report []Recovery

	for _, rec := range recs {
		size, exists := fileSize(rec.LocalDestination)
		switch {
		case rec.Status == data.StatusCompleted && !exists:
			rec.Status = data.StatusPending
			rec.DownloadedBytes = 0
			changed = append(changed, rec)
			report = append(report, Recovery{TrackKey: rec.TrackKey, Kind: RecoveryMissingFile})
		case rec.Status != data.StatusCompleted && exists && size > 0:
			if size != rec.DownloadedBytes {
				rec.DownloadedBytes = size
				if rec.TotalBytes > 0 && rec.DownloadedBytes > rec.TotalBytes {
					rec.DownloadedBytes = rec.TotalBytes
				}
				changed = append(changed, rec)
			}
			report = append(report, Recovery{TrackKey: rec.TrackKey, Kind: RecoveryPartialFile, BytesOnDisk: size})
		}
	}
	return changed, report
}
