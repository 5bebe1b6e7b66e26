package caldav

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"

	"github.com/macjediwizard/familyhub/internal/ics"
)

const (
	// DefaultBaseURL is the iCloud CalDAV entry point.
	DefaultBaseURL = "https://caldav.icloud.com"

	defaultTimeout  = 30 * time.Second
	minTLSVersion   = tls.VersionTLS12
	maxResponseBody = 4 << 20
)

// Credentials authenticate one account. Password is an app-specific password.
type Credentials struct {
	Email    string
	Password string
}

// String never includes the password.
func (c Credentials) String() string {
	return c.Email + ":[redacted]"
}

// GoString keeps %#v from printing the password.
func (c Credentials) GoString() string {
	return c.String()
}

// Collection is a resolved calendar collection.
type Collection struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// ConnectionStatus is the outcome of a connectivity test.
type ConnectionStatus struct {
	Connected    bool   `json:"connected"`
	CalendarName string `json:"calendar_name,omitempty"`
	CalendarURL  string `json:"calendar_url,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Calendar describes one calendar on the remote account.
type Calendar struct {
	Path        string   `json:"path"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Components  []string `json:"components"`
}

// Client performs CalDAV operations for any account. It holds no credentials;
// every call authenticates with the Credentials it is given.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// NewClient creates a new CalDAV client rooted at baseURL.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("%w: invalid base URL %q", ErrDiscovery, baseURL)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: minTLSVersion,
		},
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	httpClient := &http.Client{
		Timeout:   timeout,
		Transport: transport,
		// Redirects are followed by hand so PROPFIND survives them; net/http
		// would downgrade the method to GET.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &Client{
		baseURL:    u,
		httpClient: httpClient,
	}, nil
}

// authClient returns an HTTP client that adds Basic auth for creds to every request.
func (c *Client) authClient(creds Credentials) webdav.HTTPClient {
	return webdav.HTTPClientWithBasicAuth(c.httpClient, creds.Email, creds.Password)
}

// do sends one request and returns the status and a bounded copy of the body.
func (c *Client) do(ctx context.Context, creds Credentials, method, target string, body []byte, header http.Header) (int, http.Header, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, nil, &TransportError{Method: method, URL: target, Err: err}
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.authClient(creds).Do(req)
	if err != nil {
		return 0, nil, nil, &TransportError{Method: method, URL: target, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, resp.Header, nil, &TransportError{Method: method, URL: target, StatusCode: resp.StatusCode, Err: err}
	}

	return resp.StatusCode, resp.Header, data, nil
}

// ObjectURL returns the URL of the resource named after uid inside collectionURL.
func ObjectURL(collectionURL, uid string) (string, error) {
	base, err := url.Parse(collectionURL)
	if err != nil {
		return "", fmt.Errorf("%w: invalid collection URL: %w", ErrDiscovery, err)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
		base.RawPath = ""
	}
	ref := &url.URL{Path: ics.ObjectName(uid)}
	return base.ResolveReference(ref).String(), nil
}

// PutEvent uploads an iCalendar document as <collection>/<uid>.ics. The
// document must carry exactly one VEVENT whose UID matches uid.
func (c *Client) PutEvent(ctx context.Context, creds Credentials, collectionURL, uid string, data []byte) error {
	if err := validateEvent(uid, data); err != nil {
		return err
	}

	target, err := ObjectURL(collectionURL, uid)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Content-Type", "text/calendar; charset=utf-8")

	status, _, body, err := c.do(ctx, creds, http.MethodPut, target, data, header)
	if err != nil {
		return err
	}

	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	default:
		return &TransportError{Method: http.MethodPut, URL: target, StatusCode: status, Body: truncateBody(body)}
	}
}

// DeleteEvent removes <collection>/<uid>.ics. A resource that is already gone
// counts as deleted.
func (c *Client) DeleteEvent(ctx context.Context, creds Credentials, collectionURL, uid string) error {
	target, err := ObjectURL(collectionURL, uid)
	if err != nil {
		return err
	}

	status, _, body, err := c.do(ctx, creds, http.MethodDelete, target, nil, nil)
	if err != nil {
		return err
	}

	switch status {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return &TransportError{Method: http.MethodDelete, URL: target, StatusCode: status, Body: truncateBody(body)}
	}
}

// TestConnection runs discovery and reports the outcome. It never touches
// local state.
func (c *Client) TestConnection(ctx context.Context, creds Credentials) *ConnectionStatus {
	collection, err := c.Discover(ctx, creds)
	if err != nil {
		return &ConnectionStatus{Connected: false, Error: describeError(err)}
	}
	return &ConnectionStatus{
		Connected:    true,
		CalendarName: collection.Name,
		CalendarURL:  collection.URL,
	}
}

// ListCalendars returns every calendar in the account's calendar home.
func (c *Client) ListCalendars(ctx context.Context, creds Credentials) ([]Calendar, error) {
	home, err := c.findCalendarHome(ctx, creds)
	if err != nil {
		return nil, err
	}

	cals, err := c.findCalendars(ctx, creds, home)
	if err != nil {
		return nil, err
	}

	calendars := make([]Calendar, 0, len(cals))
	for _, cal := range cals {
		calendars = append(calendars, Calendar{
			Path:        cal.Path,
			Name:        cal.Name,
			Description: cal.Description,
			Components:  cal.SupportedComponentSet,
		})
	}

	return calendars, nil
}

// validateEvent parses data the way a CalDAV server would before accepting it.
func validateEvent(uid string, data []byte) error {
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedContent, err)
	}

	events := cal.Events()
	if len(events) != 1 {
		return fmt.Errorf("%w: expected one VEVENT, found %d", ErrMalformedContent, len(events))
	}

	got, err := events[0].Props.Text(ical.PropUID)
	if err != nil || got != uid {
		return fmt.Errorf("%w: UID %q does not match resource %q", ErrMalformedContent, got, uid)
	}

	return nil
}

// describeError turns a sync error into a message safe to show users.
func describeError(err error) string {
	switch {
	case IsAuthError(err):
		return "Authentication failed. Check the email and app-specific password."
	case errors.Is(err, errNoEventCalendar):
		return "No calendar that accepts events was found on this account."
	case errReason(err) != "":
		return errReason(err)
	default:
		return "Could not connect to the calendar server."
	}
}

func errReason(err error) string {
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded"):
		return "Connection timed out."
	case strings.Contains(errStr, "no such host"):
		return "Calendar server not found."
	case strings.Contains(errStr, "connection refused"):
		return "Connection refused by the calendar server."
	case strings.Contains(errStr, "certificate"):
		return "TLS certificate error."
	default:
		return ""
	}
}
