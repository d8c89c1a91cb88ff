// Package detect decides what a sync pass must do with one remote item.
//
// Decide is pure: it looks only at the remote metadata, the persisted record
// and whether the local copy is present, so the same inputs always give the
// same decision and a second pass over an unchanged tree is a no-op.
package detect

import (
	"github.com/septianibnyohan/gdrive-syncer/internal/remote"
	"github.com/septianibnyohan/gdrive-syncer/pkg/models"
)

// Action is what the engine must do with an item.
type Action int

const (
	Skip Action = iota
	Transfer
	CreateFolder
	Refresh // update record metadata only, no content transfer
)

func (a Action) String() string {
	switch a {
	case Skip:
		return "skip"
	case Transfer:
		return "transfer"
	case CreateFolder:
		return "create_folder"
	case Refresh:
		return "refresh"
	default:
		return "unknown"
	}
}

// Input is everything a decision depends on.
type Input struct {
	Item         remote.Item
	Record       *models.ItemRecord // nil when the item was never seen
	LocalPath    string             // path the item maps to in this pass
	LocalPresent bool
}

// Decision is an action and a short human-readable reason.
type Decision struct {
	Action Action
	Reason string
}

// Decide applies the reconciliation rules.
func Decide(in Input) Decision {
	if in.Item.Kind == models.KindFolder {
		return decideFolder(in)
	}

	rec := in.Record
	switch {
	case rec == nil:
		return Decision{Transfer, "new item"}
	case rec.Deleted:
		return Decision{Transfer, "record was forgotten"}
	case rec.State == models.StateFailed:
		return Decision{Transfer, "retry after failure"}
	case rec.State == models.StatePending:
		return Decision{Transfer, "never completed"}
	case rec.State == models.StateConflicted:
		return Decision{Skip, "conflicted"}
	case rec.LocalPath != in.LocalPath:
		return Decision{Transfer, "remote rename or move"}
	}

	compareChecksums := in.Item.Kind == models.KindFile && in.Item.Checksum != "" && rec.Checksum != ""
	remoteMod, recordMod := in.Item.ModifiedAt, rec.RemoteModifiedAt

	switch {
	case remoteMod.After(recordMod):
		if compareChecksums && in.Item.Checksum == rec.Checksum {
			return Decision{Refresh, "modified time moved, content unchanged"}
		}
		return Decision{Transfer, "remote modified"}
	case remoteMod.Equal(recordMod) && compareChecksums && in.Item.Checksum != rec.Checksum:
		return Decision{Transfer, "checksum changed"}
	case !in.LocalPresent:
		return Decision{Transfer, "local copy missing"}
	}
	return Decision{Skip, "up to date"}
}

func decideFolder(in Input) Decision {
	rec := in.Record
	switch {
	case rec == nil:
		return Decision{CreateFolder, "new folder"}
	case rec.Deleted:
		return Decision{CreateFolder, "record was forgotten"}
	case rec.State != models.StateSynced:
		return Decision{CreateFolder, "folder not synced"}
	case rec.LocalPath != in.LocalPath:
		return Decision{CreateFolder, "remote rename or move"}
	case !in.LocalPresent:
		return Decision{CreateFolder, "local directory missing"}
	case in.Item.ModifiedAt.After(rec.RemoteModifiedAt):
		return Decision{Refresh, "folder modified"}
	}
	return Decision{Skip, "up to date"}
}
