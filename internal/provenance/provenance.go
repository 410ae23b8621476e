// Package provenance enforces that long-term summaries always cite the
// short-term items they were derived from.
package provenance

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrRejectedNoEvidence is returned when a profile or project update cites
// no usable evidence. The caller must not write any part of the update.
var ErrRejectedNoEvidence = errors.New("rejected: update carries no evidence")

// ValidID reports whether s is syntactically a memory item id. This is a
// format check only: compression deletes items after citing them, so a
// well-formed id referencing a deleted item is still valid provenance.
func ValidID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// ValidateEvidence accepts an evidence set when it contains at least one
// syntactically valid item id. Empty sets and sets of only malformed ids
// are rejected.
func ValidateEvidence(ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: empty evidence_ids", ErrRejectedNoEvidence)
	}
	for _, id := range ids {
		if ValidID(id) {
			return nil
		}
	}
	return fmt.Errorf("%w: no valid item id among %d entries", ErrRejectedNoEvidence, len(ids))
}
