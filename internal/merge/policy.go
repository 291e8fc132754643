package merge

import (
	"fmt"
	"strings"

	"github.com/arcsync/arcsync/internal/snapshot"
)

// PolicyName is the backup type of an endpoint.
type PolicyName string

const (
	Bijective      PolicyName = "bijective"
	Injective      PolicyName = "injective"
	BlockInjective PolicyName = "block-injective"
)

// Policy decides how a path changed incompatibly on both sides converges.
type Policy interface {
	Name() PolicyName

	// AppendOnly policies never remove archived entries on a requester's
	// behalf. Requester removals stay local.
	AppendOnly() bool

	// Resolve settles one clash. For append-only policies Local is never nil.
	Resolve(c *Clash) (Outcome, error)
}

// Clash is a path both sides changed to different end states.
type Clash struct {
	Path    string
	Base    snapshot.Entry
	Local   snapshot.Entry
	Remote  snapshot.Entry
	Content ContentSource
}

// Outcome is a policy decision for a Clash.
type Outcome struct {
	// Final is the archived value at the path.
	Final snapshot.Entry
	// Copy, when set, is stored next to the path as a conflict copy.
	Copy snapshot.Entry
	// Merged holds the content of Final when the policy produced it.
	Merged []byte
	// Resolution is empty when the clash merged cleanly.
	Resolution Resolution
}

// ParsePolicy maps a policy name to its implementation.
func ParsePolicy(name string) (Policy, error) {
	switch PolicyName(strings.ToLower(strings.TrimSpace(name))) {
	case Bijective:
		return BijectivePolicy{}, nil
	case Injective:
		return InjectivePolicy{}, nil
	case BlockInjective:
		return NewBlockInjectivePolicy(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
}

// BijectivePolicy converges on exactly one value per path.
//
// A present entry beats a removal. Between two present entries the kind rank
// decides (dir > symlink > file), then the larger content key (hash for
// files, target for symlinks).
type BijectivePolicy struct{}

func (BijectivePolicy) Name() PolicyName { return Bijective }
func (BijectivePolicy) AppendOnly() bool { return false }

func (BijectivePolicy) Resolve(c *Clash) (Outcome, error) {
	switch {
	case c.Local == nil:
		return Outcome{Final: c.Remote, Resolution: RemoteWins}, nil
	case c.Remote == nil:
		return Outcome{Final: c.Local, Resolution: LocalWins}, nil
	case wins(c.Local, c.Remote):
		return Outcome{Final: c.Local, Resolution: LocalWins}, nil
	default:
		return Outcome{Final: c.Remote, Resolution: RemoteWins}, nil
	}
}

type rankKey struct {
	rank int
	key  string
}

func rankOf(e snapshot.Entry) rankKey {
	return snapshot.Match(e,
		func(f snapshot.File) rankKey { return rankKey{1, f.Hash} },
		func(l snapshot.Symlink) rankKey { return rankKey{2, l.Target} },
		func(snapshot.Dir) rankKey { return rankKey{3, ""} },
	)
}

// wins reports whether a beats b under the bijective ordering.
func wins(a, b snapshot.Entry) bool {
	ra, rb := rankOf(a), rankOf(b)
	if ra.rank != rb.rank {
		return ra.rank > rb.rank
	}
	return ra.key > rb.key
}

// InjectivePolicy never overwrites archived content. A conflicting
// requester version is kept as a conflict copy.
type InjectivePolicy struct{}

func (InjectivePolicy) Name() PolicyName { return Injective }
func (InjectivePolicy) AppendOnly() bool { return true }

func (InjectivePolicy) Resolve(c *Clash) (Outcome, error) {
	if c.Remote == nil {
		return Outcome{Final: c.Local}, nil
	}
	return Outcome{Final: c.Remote, Copy: c.Local, Resolution: KeptBoth}, nil
}
