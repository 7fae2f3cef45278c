package federation

import (
	"strings"
	"testing"
)

func TestParseUserAddress(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		want      *UserAddress
		wantError bool
		errorMsg  string
	}{
		{
			name:  "simple domain",
			input: "alice@d1",
			want:  &UserAddress{Name: "alice", Domain: "d1"},
		},
		{
			name:  "dotted domain",
			input: "bob@feeds.example.org",
			want:  &UserAddress{Name: "bob", Domain: "feeds.example.org"},
		},
		{
			name:      "empty",
			input:     "",
			wantError: true,
			errorMsg:  "cannot be empty",
		},
		{
			name:      "missing at",
			input:     "alice",
			wantError: true,
			errorMsg:  "exactly one @",
		},
		{
			name:      "two ats",
			input:     "alice@d1@d2",
			wantError: true,
			errorMsg:  "exactly one @",
		},
		{
			name:      "empty name",
			input:     "@d1",
			wantError: true,
			errorMsg:  "name cannot be empty",
		},
		{
			name:      "empty domain",
			input:     "alice@",
			wantError: true,
			errorMsg:  "domain cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseUserAddress(tt.input)
			if tt.wantError {
				if err == nil {
					t.Fatalf("ParseUserAddress(%q) expected error", tt.input)
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("error %q does not contain %q", err.Error(), tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseUserAddress(%q) unexpected error: %v", tt.input, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseUserAddress(%q) = %v, want %v", tt.input, got, tt.want)
			}
			if got.String() != tt.input {
				t.Errorf("String() = %q, want %q", got.String(), tt.input)
			}
		})
	}
}

func TestUserAddressIsLocal(t *testing.T) {
	addr, err := ParseUserAddress("alice@d1")
	if err != nil {
		t.Fatal(err)
	}
	if !addr.IsLocal("d1") {
		t.Error("expected alice@d1 to be local to d1")
	}
	if addr.IsLocal("d2") {
		t.Error("expected alice@d1 not to be local to d2")
	}

	var nilAddr *UserAddress
	if nilAddr.IsLocal("d1") {
		t.Error("nil address should never be local")
	}
}

func TestSameDomain(t *testing.T) {
	if !SameDomain("alice@d1", "carol@d1") {
		t.Error("alice@d1 and carol@d1 share a domain")
	}
	if SameDomain("alice@d1", "bob@d2") {
		t.Error("alice@d1 and bob@d2 are in different domains")
	}
	if SameDomain("broken", "broken") {
		t.Error("malformed identities never share a domain")
	}
	if DomainOf("bob@d2") != "d2" {
		t.Errorf("DomainOf(bob@d2) = %q", DomainOf("bob@d2"))
	}
}
