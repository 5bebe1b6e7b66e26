package caldav

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/beevik/etree"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
)

const (
	maxRedirects = 3

	// preferredCalendar is chosen over any other VEVENT collection.
	preferredCalendar = "Home"

	propfindPrincipal = `<?xml version="1.0" encoding="utf-8" ?>
<d:propfind xmlns:d="DAV:">
  <d:prop>
    <d:current-user-principal/>
  </d:prop>
</d:propfind>`

	propfindHomeSet = `<?xml version="1.0" encoding="utf-8" ?>
<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <c:calendar-home-set/>
  </d:prop>
</d:propfind>`
)

var errNoEventCalendar = fmt.Errorf("%w: no VEVENT calendar found", ErrDiscovery)

// candidate is one entry of the calendar home listing.
type candidate struct {
	url        string
	name       string
	components []string
}

func (c candidate) supportsEvents() bool {
	for _, comp := range c.components {
		if strings.EqualFold(comp, "VEVENT") {
			return true
		}
	}
	return false
}

// Discover resolves the calendar collection new events are written to:
// the principal from .well-known/caldav, its calendar home, then the
// collection named "Home" or else the first one that accepts VEVENTs.
func (c *Client) Discover(ctx context.Context, creds Credentials) (*Collection, error) {
	home, err := c.findCalendarHome(ctx, creds)
	if err != nil {
		return nil, err
	}

	cals, err := c.findCalendars(ctx, creds, home)
	if err != nil {
		return nil, err
	}

	candidates := make([]candidate, 0, len(cals))
	for _, cal := range cals {
		ref := &url.URL{Path: cal.Path}
		candidates = append(candidates, candidate{
			url:        home.ResolveReference(ref).String(),
			name:       strings.TrimSpace(cal.Name),
			components: cal.SupportedComponentSet,
		})
	}

	selected := selectCollection(candidates)
	if selected == nil {
		return nil, errNoEventCalendar
	}

	log.Printf("[caldav] discovered calendar %q for %s", selected.name, creds.Email)
	return &Collection{URL: selected.url, Name: selected.name}, nil
}

// findCalendars lists the calendar collections of a calendar home in
// document order with a depth-1 PROPFIND.
func (c *Client) findCalendars(ctx context.Context, creds Credentials, home *url.URL) ([]caldav.Calendar, error) {
	recorder := &statusRecorder{client: c.authClient(creds)}
	client, err := caldav.NewClient(recorder, home.String())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CalDAV client: %w", ErrDiscovery, err)
	}

	cals, err := client.FindCalendars(ctx, home.Path)
	if err != nil {
		return nil, &TransportError{Method: "PROPFIND", URL: home.String(), StatusCode: recorder.status, Err: err}
	}
	return cals, nil
}

// statusRecorder keeps the last non-2xx status seen so that go-webdav errors
// can be classified.
type statusRecorder struct {
	client webdav.HTTPClient
	status int
}

func (r *statusRecorder) Do(req *http.Request) (*http.Response, error) {
	resp, err := r.client.Do(req)
	if err == nil && resp.StatusCode/100 != 2 {
		r.status = resp.StatusCode
	}
	return resp, err
}

// findCalendarHome runs the first two discovery steps.
func (c *Client) findCalendarHome(ctx context.Context, creds Credentials) (*url.URL, error) {
	wellKnown := c.baseURL.ResolveReference(&url.URL{Path: "/.well-known/caldav"})

	doc, base, err := c.propfind(ctx, creds, wellKnown, "0", propfindPrincipal)
	if err != nil {
		return nil, err
	}
	principal := findHref(doc, base, "current-user-principal")
	if principal == nil {
		return nil, fmt.Errorf("%w: no current-user-principal", ErrDiscovery)
	}

	doc, base, err = c.propfind(ctx, creds, principal, "0", propfindHomeSet)
	if err != nil {
		return nil, err
	}
	home := findHref(doc, base, "calendar-home-set")
	if home == nil {
		return nil, fmt.Errorf("%w: no calendar-home-set", ErrDiscovery)
	}

	return home, nil
}

// propfind issues a PROPFIND and follows up to maxRedirects redirects with the
// same method. It returns the parsed multistatus and the URL that answered,
// which relative hrefs resolve against.
func (c *Client) propfind(ctx context.Context, creds Credentials, target *url.URL, depth, body string) (*etree.Document, *url.URL, error) {
	header := http.Header{}
	header.Set("Content-Type", "application/xml; charset=utf-8")
	header.Set("Depth", depth)

	current := target
	for hop := 0; ; hop++ {
		status, respHeader, data, err := c.do(ctx, creds, "PROPFIND", current.String(), []byte(body), header)
		if err != nil {
			return nil, nil, err
		}

		if isRedirect(status) {
			location := respHeader.Get("Location")
			if location == "" || hop >= maxRedirects {
				return nil, nil, &TransportError{Method: "PROPFIND", URL: current.String(), StatusCode: status, Body: truncateBody(data)}
			}
			next, err := current.Parse(location)
			if err != nil {
				return nil, nil, &TransportError{Method: "PROPFIND", URL: current.String(), StatusCode: status, Err: err}
			}
			current = next
			continue
		}

		if status != http.StatusMultiStatus && status != http.StatusOK {
			return nil, nil, &TransportError{Method: "PROPFIND", URL: current.String(), StatusCode: status, Body: truncateBody(data)}
		}

		doc := etree.NewDocument()
		if err := doc.ReadFromBytes(data); err != nil {
			return nil, nil, &TransportError{Method: "PROPFIND", URL: current.String(), StatusCode: status, Body: truncateBody(data), Err: err}
		}
		return doc, current, nil
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// okProps returns the prop elements of every successful propstat in resp.
func okProps(resp *etree.Element) []*etree.Element {
	var props []*etree.Element
	for _, propstat := range resp.SelectElements("propstat") {
		if status := propstat.SelectElement("status"); status != nil && !strings.Contains(status.Text(), " 200") {
			continue
		}
		if prop := propstat.SelectElement("prop"); prop != nil {
			props = append(props, prop)
		}
	}
	return props
}

// findHref returns the first href inside the named property, resolved against base.
func findHref(doc *etree.Document, base *url.URL, property string) *url.URL {
	root := doc.Root()
	if root == nil {
		return nil
	}

	for _, resp := range root.SelectElements("response") {
		for _, prop := range okProps(resp) {
			elem := prop.SelectElement(property)
			if elem == nil {
				continue
			}
			href := elem.SelectElement("href")
			if href == nil {
				continue
			}
			if resolved := resolveHref(base, href.Text()); resolved != nil {
				return resolved
			}
		}
	}
	return nil
}

func resolveHref(base *url.URL, href string) *url.URL {
	href = strings.TrimSpace(href)
	if href == "" {
		return nil
	}
	ref, err := url.Parse(href)
	if err != nil {
		return nil
	}
	return base.ResolveReference(ref)
}

// selectCollection picks the collection named "Home" if one accepts VEVENTs,
// otherwise the first that does.
func selectCollection(candidates []candidate) *candidate {
	var first *candidate
	for i := range candidates {
		cand := &candidates[i]
		if !cand.supportsEvents() {
			continue
		}
		if cand.name == preferredCalendar {
			return cand
		}
		if first == nil {
			first = cand
		}
	}
	return first
}
