package panel

import "fmt"

// AuthError means login/token acquisition failed.
type AuthError struct {
	PanelType string
	Reason    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s auth failed: %s", e.PanelType, e.Reason)
}

// NotFoundError means the requested client or inbound does not exist on the panel.
type NotFoundError struct {
	Kind string // "client" or "inbound"
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

// EndpointExhaustedError means every endpoint/payload-shape candidate failed.
// It keeps the last attempt's details so operators can diagnose which vendor
// fork they are talking to.
type EndpointExhaustedError struct {
	Op         string
	LastPath   string
	LastStatus int
	LastBody   string // truncated preview
}

func (e *EndpointExhaustedError) Error() string {
	return fmt.Sprintf("%s: all endpoints failed, last %s -> %d: %s",
		e.Op, e.LastPath, e.LastStatus, e.LastBody)
}

// VerificationFailedError means a write returned success but the re-fetched
// state does not match what was written. Several X-UI forks return HTTP 200
// on updates they silently ignore.
type VerificationFailedError struct {
	Username   string
	WantLimit  int64
	GotLimit   int64
	WantExpiry int64
	GotExpiry  int64
}

func (e *VerificationFailedError) Error() string {
	return fmt.Sprintf("renewal of %q not persisted: limit %d != %d or expiry %d != %d",
		e.Username, e.GotLimit, e.WantLimit, e.GotExpiry, e.WantExpiry)
}

// bodyPreview truncates a response body for inclusion in error messages.
func bodyPreview(b []byte) string {
	const max = 200
	s := string(b)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
