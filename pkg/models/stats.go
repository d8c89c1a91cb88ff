package models

// Stats summarises the item records of a project.
type Stats struct {
	TotalItems      int64
	TotalSize       int64
	Folders         int64
	SyncedItems     int64
	SyncedSize      int64
	PendingItems    int64
	FailedItems     int64
	ConflictedItems int64
	DeletedItems    int64
	HistoryEntries  int64
}
