package boardsync

import (
	"errors"
	"fmt"
)

var (
	ErrMissingSourceFile   = errors.New("missing source file")
	ErrResolutionAmbiguity = errors.New("resolution ambiguity")
	ErrListingFailed       = errors.New("listing failed")
	ErrSequencerClosed     = errors.New("sequencer closed")
)

// MissingSourceFileError is reported when a media file named by an event is
// not on disk. Only that attachment is skipped.
type MissingSourceFileError struct {
	Path string
	Err  error
}

func (e *MissingSourceFileError) Error() string {
	return fmt.Sprintf("missing source file %s: %v", e.Path, e.Err)
}

func (e *MissingSourceFileError) Is(target error) bool {
	return target == ErrMissingSourceFile
}

func (e *MissingSourceFileError) Unwrap() error {
	return e.Err
}

// ResolutionAmbiguityError describes a name lookup that matched more than
// one resource. The first match is used and the error is only logged.
type ResolutionAmbiguityError struct {
	Kind    string
	Name    string
	Matches int
	Chosen  string
}

func (e *ResolutionAmbiguityError) Error() string {
	return fmt.Sprintf("%s %q matched %d resources; using %s", e.Kind, e.Name, e.Matches, e.Chosen)
}

func (e *ResolutionAmbiguityError) Is(target error) bool {
	return target == ErrResolutionAmbiguity
}
