package models

import "time"

// ItemKind is the shape of a remote item.
type ItemKind string

const (
	KindFile     ItemKind = "file"
	KindFolder   ItemKind = "folder"
	KindDocument ItemKind = "document" // remote-native document, only reachable through export
)

// SyncState is the lifecycle state of a tracked item.
type SyncState string

const (
	StatePending    SyncState = "pending"
	StateSynced     SyncState = "synced"
	StateFailed     SyncState = "failed"
	StateConflicted SyncState = "conflicted"
)

// Operation names an attempted action in the sync history.
type Operation string

const (
	OpDownload     Operation = "download"
	OpExport       Operation = "export"
	OpCreateFolder Operation = "create_folder"
	OpUpload       Operation = "upload"
	OpDelete       Operation = "delete"
)

// Outcome is the result of an attempted operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// ItemRecord is the persisted sync state of one remote item.
type ItemRecord struct {
	RemoteID         string
	ParentID         string // remote id of the parent folder, empty under the sync root
	Name             string
	LocalPath        string // slash separated, relative to the local root
	Kind             ItemKind
	Checksum         string
	RemoteModifiedAt time.Time
	LocalSyncedAt    time.Time
	State            SyncState
	Size             int64 // -1 when unknown
	Deleted          bool
}

// HistoryEntry is one immutable row of the audit trail.
type HistoryEntry struct {
	ID        int64
	RemoteID  string
	Operation Operation
	Outcome   Outcome
	Message   string
	Timestamp time.Time
}

// Project is a named sync configuration persisted alongside its state.
type Project struct {
	Name            string
	Backend         string // "drive" or "minio"
	RootContainerID string
	LocalRoot       string
	ExportFormats   map[string]string
	Workers         int
	Remote          struct {
		Credentials string // drive: credentials JSON file
		Endpoint    string // minio
		Bucket      string
		AccessKey   string
		SecretKey   string
		UseSSL      bool
	}
}
