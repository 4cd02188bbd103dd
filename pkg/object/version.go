package object

import (
	"errors"
	"fmt"
)

// Version chain errors
var (
	ErrNoPrevious      = errors.New("object does not declare a previous version")
	ErrPreviousMissing = errors.New("previous version not found")
	ErrOriginalMissing = errors.New("original version not found")
	ErrBrokenChain     = errors.New("version chain is broken")
	ErrTypeChanged     = errors.New("object type changed across versions")
	ErrVersionPredates = errors.New("version predates its previous version")
)

// ValidateVersion checks that next is a valid successor of prev and that
// both belong to the object whose first version is orig. prev and orig must
// carry their links in the sidecar.
func ValidateVersion(next, prev, orig *Object) error {
	if next.PrevLink == "" {
		return ErrNoPrevious
	}
	if prev == nil {
		return fmt.Errorf("%w: %s", ErrPreviousMissing, next.PrevLink)
	}
	if orig == nil {
		return fmt.Errorf("%w: %s", ErrOriginalMissing, next.RootLink)
	}

	if prev.meta.Link != next.PrevLink {
		return fmt.Errorf("%w: previous link %s does not match %s", ErrBrokenChain, next.PrevLink, prev.meta.Link)
	}

	origLink := orig.meta.Link
	if next.RootLink != origLink {
		return fmt.Errorf("%w: permalink %s does not match original %s", ErrBrokenChain, next.RootLink, origLink)
	}

	prevPermalink := prev.RootLink
	if prevPermalink == "" {
		prevPermalink = prev.meta.Link
	}
	if prevPermalink != origLink {
		return fmt.Errorf("%w: previous version belongs to %s", ErrBrokenChain, prevPermalink)
	}

	if next.Type != prev.Type {
		return fmt.Errorf("%w: %s -> %s", ErrTypeChanged, prev.Type, next.Type)
	}
	if next.Time != 0 && prev.Time != 0 && next.Time < prev.Time {
		return ErrVersionPredates
	}
	return nil
}
