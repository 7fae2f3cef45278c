package federation

import (
	"fmt"
	"strings"
)

// UserAddress is a federation-wide user identity in name@domain form.
// Examples:
//   - alice@d1
//   - bob@feeds.example.org
type UserAddress struct {
	Name   string // alice
	Domain string // d1
}

// ParseUserAddress parses a user identity into its components
func ParseUserAddress(addr string) (*UserAddress, error) {
	if addr == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}

	parts := strings.Split(addr, "@")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid address %q: must contain exactly one @ symbol", addr)
	}
	if parts[0] == "" {
		return nil, fmt.Errorf("invalid address %q: name cannot be empty", addr)
	}
	if parts[1] == "" {
		return nil, fmt.Errorf("invalid address %q: domain cannot be empty", addr)
	}

	return &UserAddress{Name: parts[0], Domain: parts[1]}, nil
}

// DomainOf returns the domain part of a user identity, or "" if the identity
// is malformed.
func DomainOf(addr string) string {
	ua, err := ParseUserAddress(addr)
	if err != nil {
		return ""
	}
	return ua.Domain
}

// SameDomain reports whether two identities share a home domain
func SameDomain(a, b string) bool {
	da := DomainOf(a)
	return da != "" && da == DomainOf(b)
}

// String returns the canonical name@domain form
func (a *UserAddress) String() string {
	if a == nil {
		return ""
	}
	return fmt.Sprintf("%s@%s", a.Name, a.Domain)
}

// IsLocal returns true if this address belongs to the specified domain
func (a *UserAddress) IsLocal(myDomain string) bool {
	if a == nil {
		return false
	}
	return a.Domain == myDomain
}

// Equal returns true if two addresses are equivalent
func (a *UserAddress) Equal(other *UserAddress) bool {
	if a == nil && other == nil {
		return true
	}
	if a == nil || other == nil {
		return false
	}
	return a.Name == other.Name && a.Domain == other.Domain
}
