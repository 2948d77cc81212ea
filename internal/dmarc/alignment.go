package dmarc

import (
	"strings"

	"golang.org/x/net/publicsuffix"
)

const (
	AlignmentRelaxed = "r"
	AlignmentStrict  = "s"
)

// aligned reports whether authDomain satisfies DMARC identifier alignment
// with the header-from domain. Strict mode requires an exact match, relaxed
// mode (the RFC default) compares the organizational domains. Unknown modes
// are treated as relaxed.
func aligned(headerFrom, authDomain, mode string) bool {
	headerFrom = normalizeDomain(headerFrom)
	authDomain = normalizeDomain(authDomain)
	if headerFrom == "" || authDomain == "" {
		return false
	}
	if headerFrom == authDomain {
		return true
	}
	if mode == AlignmentStrict {
		return false
	}
	return organizationalDomain(headerFrom) == organizationalDomain(authDomain)
}

func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))
}

func organizationalDomain(domain string) string {
	org, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		// not a registrable domain (a bare TLD or garbage), compare as is
		return domain
	}
	return org
}
