package sync

import (
	"time"

	"woosync/internal/models"
)

// Classify derives a display status for one record from its error flag
// and timestamps. Pure function; tolerance absorbs clock skew between
// the source write clock and our own.
//
// Precedence: error > never_synced > modified > synced.
func Classify(sourceWriteTime *time.Time, record *models.SyncRecord, tolerance time.Duration) string {
	if record != nil && record.Error {
		return models.SyncStatusError
	}
	if record == nil || record.LastSyncedAt == nil {
		return models.SyncStatusNeverSynced
	}
	// An unknown write time is not evidence of change.
	if sourceWriteTime == nil {
		return models.SyncStatusSynced
	}
	if sourceWriteTime.After(record.LastSyncedAt.Add(tolerance)) {
		return models.SyncStatusModified
	}
	return models.SyncStatusSynced
}

var modifiedTolerance time.Duration = models.ModifiedToleranceSeconds * time.Second

// SetModifiedTolerance overrides the clock-skew tolerance used by
// ClassifyRecord. Called once at startup from config.
func SetModifiedTolerance(d time.Duration) {
	if d > 0 {
		modifiedTolerance = d
	}
}

// ClassifyRecord applies the configured tolerance against the record's
// own stored source write date.
func ClassifyRecord(record *models.SyncRecord) string {
	var writeTime *time.Time
	if record != nil {
		writeTime = record.SourceWriteDate
	}
	return Classify(writeTime, record, modifiedTolerance)
}
