// Package harvest defines the domain types and capability contracts shared by
// the snapshot pipeline: item identifiers, artifacts, storage locations, stage
// results and the run summary.
package harvest

import (
	"fmt"
	"strings"
	"time"
)

// Stage names a pipeline stage.
type Stage string

const (
	// StageDiscovery enumerates item identifiers from the listing.
	StageDiscovery Stage = "discovery"
	// StageCapture snapshots each item into the local spool.
	StageCapture Stage = "capture"
	// StageStore uploads spooled artifacts to the object store.
	StageStore Stage = "store"
	// StageIndex submits stored artifacts to the index service.
	StageIndex Stage = "index"
)

// ItemID is the stable identifier of a remote item.
type ItemID string

// String implements fmt.Stringer.
func (id ItemID) String() string { return string(id) }

// Artifact is an immutable snapshot of a single item.
type Artifact struct {
	ItemID      ItemID
	Payload     []byte
	ContentType string
	SourceURL   string
	CapturedAt  time.Time
	Size        int
	Hash        string
}

// Validate rejects artifacts smaller than minSize bytes.
func (a Artifact) Validate(minSize int) error {
	if a.ItemID == "" {
		return Errorf(KindInvalidInput, "validate artifact", "item id is required")
	}
	if a.Size < minSize {
		return Errorf(KindInvalidArtifact, "validate artifact",
			"artifact for %s is %d bytes, below the %d byte minimum", a.ItemID, a.Size, minSize)
	}
	return nil
}

// Location describes where an artifact was persisted.
type Location struct {
	Key  string
	URI  string
	Size int64
}

// Ack is the index service acknowledgement.
type Ack struct {
	ID         string
	StatusCode int
}

// ArtifactKey derives the deterministic object key for an item.
func ArtifactKey(prefix string, id ItemID) string {
	name := fmt.Sprintf("item_%s.mhtml", id)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator yields unique run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}
