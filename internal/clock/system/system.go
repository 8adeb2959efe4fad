// Package system provides the wall clock used to stamp sessions, artifacts and
// run summaries.
package system

import (
	"time"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
)

// Clock implements harvest.Clock. Times are UTC so persisted sessions and
// summaries compare equal across hosts.
type Clock struct{}

var _ harvest.Clock = Clock{}

// New returns the wall clock.
func New() Clock {
	return Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
