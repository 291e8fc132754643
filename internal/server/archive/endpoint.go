package archive

import (
	"regexp"
	"time"

	"github.com/arcsync/arcsync/internal/merge"
	"github.com/arcsync/arcsync/internal/snapshot"
)

var endpointName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidName reports whether name can identify an endpoint and its tree dir.
func ValidName(name string) bool {
	return endpointName.MatchString(name)
}

// endpointState is the loaded, authoritative state of one endpoint. It is
// only replaced under the endpoint's write lock.
type endpointState struct {
	name       string
	policy     merge.Policy
	head       *snapshot.Snapshot
	halted     bool
	haltReason string
	pending    uint64
	updatedAt  string
}

// EndpointInfo describes an endpoint to operators.
type EndpointInfo struct {
	Name       string    `json:"name"`
	Policy     string    `json:"policy"`
	Version    uint64    `json:"version"`
	CommitID   string    `json:"commitId"`
	Entries    int       `json:"entries"`
	Halted     bool      `json:"halted"`
	HaltReason string    `json:"haltReason,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (st *endpointState) info() EndpointInfo {
	updated, _ := time.Parse(time.RFC3339Nano, st.updatedAt)
	return EndpointInfo{
		Name:       st.name,
		Policy:     string(st.policy.Name()),
		Version:    st.head.Version,
		CommitID:   st.head.CommitID,
		Entries:    st.head.Len(),
		Halted:     st.halted,
		HaltReason: st.haltReason,
		UpdatedAt:  updated,
	}
}

// VerifyReport lists where the materialized tree differs from the snapshot.
type VerifyReport struct {
	Endpoint string   `json:"endpoint"`
	Version  uint64   `json:"version"`
	Checked  int      `json:"checked"`
	Missing  []string `json:"missing,omitempty"`
	Extra    []string `json:"extra,omitempty"`
	Modified []string `json:"modified,omitempty"`
}

func (r *VerifyReport) OK() bool {
	return len(r.Missing) == 0 && len(r.Extra) == 0 && len(r.Modified) == 0
}
