package email

import "errors"

// Error taxonomy shared by every component. Callers wrap these with
// fmt.Errorf("...: %w", err) and test with errors.Is.
var (
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrStorageUnavailable   = errors.New("storage unavailable")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrRejected             = errors.New("rejected")
	ErrNotFound             = errors.New("not found")
	ErrAssembly             = errors.New("message assembly failed")
	ErrMalformedMessage     = errors.New("malformed message")
	// ErrMessageUnreadable means the source answered but could not serve
	// one message. It concerns that message only.
	ErrMessageUnreadable = errors.New("message unreadable")
)

// IsUnavailable reports whether err means a backing service could not be
// reached at all, as opposed to a failure specific to one message.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrTransportUnavailable) || errors.Is(err, ErrStorageUnavailable)
}
