package sync

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/arcsync/arcsync/internal/client/localstate"
	"github.com/arcsync/arcsync/internal/snapshot"
	"github.com/arcsync/arcsync/internal/syncproto"
)

// buildRequest packs the scanned delta with the content of every file it
// adds or edits. It returns the request and the uploaded byte count.
func (se *SyncEngine) buildRequest(base *snapshot.Snapshot, scan *localstate.Result) (*syncproto.SyncRequest, int64, error) {
	req := &syncproto.SyncRequest{
		Endpoint:     se.cfg.Endpoint,
		SourceID:     se.cfg.SourceID,
		BaseVersion:  base.Version,
		BaseCommitID: base.CommitID,
		Delta:        scan.Delta.Records(),
		Blobs:        map[string][]byte{},
	}
	if req.BaseCommitID == "" {
		req.BaseCommitID = snapshot.NullCommitID
	}

	var uploaded int64
	for _, p := range scan.Delta.Paths() {
		f, ok := scan.Delta[p].New.(snapshot.File)
		if !ok {
			continue
		}
		if _, done := req.Blobs[f.Hash]; done {
			continue
		}
		data, err := os.ReadFile(filepath.Join(se.cfg.Root, filepath.FromSlash(p)))
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %s: %w", ErrSourceChanged, p, err)
		}
		if snapshot.HashBytes(data) != f.Hash {
			return nil, 0, fmt.Errorf("%w: %s", ErrSourceChanged, p)
		}
		req.Blobs[f.Hash] = data
		uploaded += int64(len(data))
	}
	return req, uploaded, nil
}

// checkResponse validates resp in full before anything touches disk.
func checkResponse(req *syncproto.SyncRequest, resp *syncproto.SyncResponse) (snapshot.Delta, error) {
	if resp.Endpoint != req.Endpoint {
		return nil, &syncproto.ProtocolError{Reason: fmt.Sprintf("response for endpoint %q, asked %q", resp.Endpoint, req.Endpoint)}
	}
	if resp.Version < req.BaseVersion {
		return nil, &syncproto.ProtocolError{Reason: fmt.Sprintf("response version %d is behind base %d", resp.Version, req.BaseVersion)}
	}
	delta, err := snapshot.DeltaFromRecords(resp.Delta)
	if err != nil {
		return nil, &syncproto.ProtocolError{Reason: err.Error()}
	}
	checked := map[string]bool{}
	for p, c := range delta {
		f, ok := c.New.(snapshot.File)
		if !ok || checked[f.Hash] {
			continue
		}
		data, ok := resp.Blobs[f.Hash]
		if !ok {
			return nil, &syncproto.ProtocolError{Reason: fmt.Sprintf("no content for %q", p)}
		}
		if snapshot.HashBytes(data) != f.Hash {
			return nil, &syncproto.ProtocolError{Reason: fmt.Sprintf("content for %q does not match its hash", p)}
		}
		checked[f.Hash] = true
	}
	return delta, nil
}
