package domain

import "errors"

// Domain errors
var (
	ErrDuplicateActiveSession = errors.New("user already has an open session in this community")
	ErrSessionNotJoinable     = errors.New("session is not accepting members")
	ErrAlreadyMember          = errors.New("user is already a member of this session")
	ErrNotAMember             = errors.New("user is not a member of this session")
	ErrNotAuthorized          = errors.New("only the session leader may do this")
	ErrInvalidStat            = errors.New("invalid stat submission")
	ErrRateLimited            = errors.New("rate limit exceeded")
	ErrSessionNotFound        = errors.New("session not found")
	ErrUserNotFound           = errors.New("user not found")
	ErrCommunityNotFound      = errors.New("community not found")
	ErrUnavailable            = errors.New("store unavailable")
	ErrInvalidRequest         = errors.New("invalid request")
	ErrInternalError          = errors.New("internal server error")
)

// IsUserError reports whether an error should be returned to the invoking
// command verbatim rather than retried.
func IsUserError(err error) bool {
	for _, userErr := range []error{
		ErrDuplicateActiveSession,
		ErrSessionNotJoinable,
		ErrAlreadyMember,
		ErrNotAMember,
		ErrNotAuthorized,
		ErrInvalidStat,
		ErrRateLimited,
	} {
		if errors.Is(err, userErr) {
			return true
		}
	}
	return false
}

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrCommunityNotFound)
}
