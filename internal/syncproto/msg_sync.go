package syncproto

import (
	"github.com/arcsync/arcsync/internal/merge"
	"github.com/arcsync/arcsync/internal/snapshot"
)

// SyncRequest carries one source's changes since its confirmed base.
type SyncRequest struct {
	Endpoint     string                  `json:"endpoint" msgpack:"ep"`
	SourceID     string                  `json:"source_id" msgpack:"src"`
	BaseVersion  uint64                  `json:"base_version" msgpack:"bv"`
	BaseCommitID string                  `json:"base_commit_id" msgpack:"bc"`
	Delta        []snapshot.ChangeRecord `json:"delta" msgpack:"d"`
	// Blobs holds the content of every added or edited file, keyed by hash.
	Blobs map[string][]byte `json:"blobs,omitempty" msgpack:"b,omitempty"`
}

// SyncResponse is what the source applies to converge with the archive.
type SyncResponse struct {
	Endpoint  string                  `json:"endpoint" msgpack:"ep"`
	Version   uint64                  `json:"version" msgpack:"v"`
	CommitID  string                  `json:"commit_id" msgpack:"c"`
	Policy    string                  `json:"policy" msgpack:"pol"`
	Delta     []snapshot.ChangeRecord `json:"delta" msgpack:"d"`
	Blobs     map[string][]byte       `json:"blobs,omitempty" msgpack:"b,omitempty"`
	Conflicts []ConflictRecord        `json:"conflicts,omitempty" msgpack:"cf,omitempty"`
	// Phantoms are removals the archive did not take.
	Phantoms []string `json:"phantoms,omitempty" msgpack:"ph,omitempty"`
	// Committed is false when the request changed nothing in the archive.
	Committed bool `json:"committed" msgpack:"ok"`
}

// ConflictRecord is the wire form of a merge conflict.
type ConflictRecord struct {
	Path       string           `json:"path" msgpack:"p"`
	Resolution string           `json:"resolution" msgpack:"r"`
	CopyPath   string           `json:"copy_path,omitempty" msgpack:"cp,omitempty"`
	Local      *snapshot.Record `json:"local,omitempty" msgpack:"l,omitempty"`
	Remote     *snapshot.Record `json:"remote,omitempty" msgpack:"rm,omitempty"`
}

// LocalLost reports whether the source's value was dropped without a copy.
func (c ConflictRecord) LocalLost() bool {
	return c.Resolution == string(merge.RemoteWins) && c.Local != nil && c.Local.Kind != 0
}

// NewConflictRecord flattens a merge conflict.
func NewConflictRecord(c merge.Conflict) ConflictRecord {
	cr := ConflictRecord{Path: c.Path, Resolution: string(c.Resolution), CopyPath: c.CopyPath}
	if c.Local != nil {
		r := snapshot.ToRecord(c.Path, c.Local)
		cr.Local = &r
	}
	if c.Remote != nil {
		r := snapshot.ToRecord(c.Path, c.Remote)
		cr.Remote = &r
	}
	return cr
}
