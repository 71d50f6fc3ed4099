package tokenpool

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrNoTokens      = errors.New("tokenpool: no token available")
	ErrTokenNotFound = errors.New("tokenpool: token not found")
	ErrInvalidConfig = errors.New("tokenpool: invalid config")
)

// SelectError reports that no token survived selection.
// It always matches ErrNoTokens; Cause holds the collaborator failure, if any.
type SelectError struct {
	Stage        Stage
	Requirements Requirements
	Cause        error
}

func (e *SelectError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("tokenpool: no token available at stage=%s image=%t video=%t elevated=%t: %v",
			e.Stage, e.Requirements.Image, e.Requirements.Video, e.Requirements.Elevated, e.Cause)
	}
	return fmt.Sprintf("tokenpool: no token available at stage=%s image=%t video=%t elevated=%t",
		e.Stage, e.Requirements.Image, e.Requirements.Video, e.Requirements.Elevated)
}

func (e *SelectError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrNoTokens, e.Cause}
	}
	return []error{ErrNoTokens}
}

// IsNotAvailable reports whether err means no token could be selected.
func IsNotAvailable(err error) bool {
	return errors.Is(err, ErrNoTokens)
}
