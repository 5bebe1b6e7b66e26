package caldav

import (
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"
)

var (
	ErrDiscovery        = errors.New("calendar discovery failed")
	ErrTransport        = errors.New("caldav request failed")
	ErrMalformedContent = errors.New("malformed calendar content")
	ErrStore            = errors.New("sync store unavailable")
)

// maxErrorBody bounds how much of a failed response is kept for diagnostics.
const maxErrorBody = 200

// TransportError describes a CalDAV request that returned an unexpected status
// or never completed. StatusCode is zero for network failures and timeouts.
type TransportError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
	}
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Is makes errors.Is(err, ErrTransport) match any *TransportError.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err is a transport failure caused by rejected credentials.
func IsAuthError(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.StatusCode == http.StatusUnauthorized || te.StatusCode == http.StatusForbidden
	}
	return false
}

// NeedsAttention reports whether err is one the user has to fix: bad
// credentials or an account without a usable calendar.
func NeedsAttention(err error) bool {
	return errors.Is(err, ErrDiscovery) || IsAuthError(err)
}

// truncateBody keeps at most maxErrorBody bytes, backing up to a rune boundary.
func truncateBody(body []byte) string {
	if len(body) <= maxErrorBody {
		return string(body)
	}
	cut := maxErrorBody
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return string(body[:cut])
}
