package validator

import (
	"errors"
	"fmt"
	"net"
	"net/mail"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

var (
	ErrInvalidURL        = errors.New("invalid URL format")
	ErrHTTPSRequired     = errors.New("HTTPS is required")
	ErrPrivateIP         = errors.New("private IP addresses are not allowed")
	ErrInvalidEmail      = errors.New("invalid email address")
	ErrInvalidPassword   = errors.New("invalid app-specific password")
	ErrInvalidSchedule   = errors.New("invalid cron schedule")
	ErrInvalidAccountTag = errors.New("invalid account name")
)

const maxAccountName = 100

// Validator checks user- and operator-supplied values.
type Validator struct {
	allowPrivateIPs bool
}

// Option configures a Validator.
type Option func(*Validator)

// WithAllowPrivateIPs accepts loopback and private hosts, for local CalDAV
// servers in development.
func WithAllowPrivateIPs() Option {
	return func(v *Validator) {
		v.allowPrivateIPs = true
	}
}

// New creates a new Validator with the given options.
func New(opts ...Option) *Validator {
	v := &Validator{}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidateURL validates a URL string.
// If requireHTTPS is true, only HTTPS URLs are accepted.
func (v *Validator) ValidateURL(rawURL string, requireHTTPS bool) error {
	if rawURL == "" {
		return ErrInvalidURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: parse error: %w", ErrInvalidURL, err)
	}

	if parsed.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	if requireHTTPS && parsed.Scheme != "https" {
		return ErrHTTPSRequired
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}

	// Only literal addresses are checked; names are resolved by the transport.
	if ip := net.ParseIP(parsed.Hostname()); ip != nil && !v.allowPrivateIPs && isPrivateIP(ip) {
		return ErrPrivateIP
	}

	return nil
}

// isPrivateIP checks if an IP address is private or reserved.
func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// ValidateEmail checks that s is a bare address such as "mom@icloud.com".
func (v *Validator) ValidateEmail(s string) error {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEmail, err)
	}
	if addr.Address != s || addr.Name != "" {
		return fmt.Errorf("%w: display names are not allowed", ErrInvalidEmail)
	}
	return nil
}

// ValidateAppPassword rejects empty passwords and passwords with whitespace.
// iCloud issues them as four dash-separated groups, but other CalDAV servers
// do not, so the format itself is not enforced.
func (v *Validator) ValidateAppPassword(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPassword)
	}
	if strings.ContainsAny(s, " \t\r\n") {
		return fmt.Errorf("%w: contains whitespace", ErrInvalidPassword)
	}
	return nil
}

// ValidateAccountName checks a user-facing account label.
func (v *Validator) ValidateAccountName(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidAccountTag)
	}
	if len(s) > maxAccountName {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidAccountTag, maxAccountName)
	}
	return nil
}

// ValidateCron checks a standard five-field cron expression.
func (v *Validator) ValidateCron(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}
	return nil
}
