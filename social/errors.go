package social

import "errors"

var (
	ErrInvalidTarget    = errors.New("social: invalid target")
	ErrNotFound         = errors.New("social: not found")
	ErrForbidden        = errors.New("social: forbidden")
	ErrInvalidState     = errors.New("social: request is not pending")
	ErrAlreadyFriends   = errors.New("social: already friends")
	ErrDuplicateRequest = errors.New("social: friend request already exists")
)

// outcome labels err for metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidTarget):
		return "invalid_target"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrAlreadyFriends):
		return "already_friends"
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate"
	default:
		return "error"
	}
}
