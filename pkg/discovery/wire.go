package discovery

import (
	"fmt"
	"strings"
)

const (
	domainDelimiter  = ":"
	serviceDelimiter = "\t"

	maxDatagramSize = 65536
)

// Announcement is one service advertisement seen on the multicast group
type Announcement struct {
	Domain      string
	ServiceName string
	URI         string
}

// ServiceDomain returns the registry key of the announcement
func (a Announcement) ServiceDomain() string {
	return a.ServiceName + "." + a.Domain
}

// FormatAnnouncement encodes an announcement as <domain>:<serviceName>\t<uri>
func FormatAnnouncement(a Announcement) []byte {
	return []byte(a.Domain + domainDelimiter + a.ServiceName + serviceDelimiter + a.URI)
}

// ParseAnnouncement decodes a datagram. The domain ends at the first ':' and
// the service name at the first tab, so URIs carrying ports survive intact.
func ParseAnnouncement(data []byte) (Announcement, error) {
	msg := string(data)

	domain, rest, ok := strings.Cut(msg, domainDelimiter)
	if !ok {
		return Announcement{}, fmt.Errorf("missing domain delimiter in %q", msg)
	}
	service, uri, ok := strings.Cut(rest, serviceDelimiter)
	if !ok {
		return Announcement{}, fmt.Errorf("missing service delimiter in %q", msg)
	}

	uri = strings.TrimSpace(uri)
	if domain == "" || service == "" || uri == "" {
		return Announcement{}, fmt.Errorf("empty field in %q", msg)
	}
	if strings.Contains(uri, serviceDelimiter) {
		return Announcement{}, fmt.Errorf("unexpected field in %q", msg)
	}

	return Announcement{Domain: domain, ServiceName: service, URI: uri}, nil
}
