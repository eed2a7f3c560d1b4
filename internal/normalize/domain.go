package normalize

import "strings"

// DomainRoot returns the label used as the match query for a domain.
//
// After lower-casing and dropping a leading "www.", a domain with more than
// two labels yields its third-from-last label (acme.com.au -> acme) and a
// two-label domain its second-from-last (acme.org -> acme). This is not a
// public-suffix lookup: shop.acme.com returns "shop".
func DomainRoot(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	d = strings.TrimPrefix(d, "www.")
	if d == "" {
		return ""
	}

	parts := strings.Split(d, ".")
	if len(parts) > 2 {
		return parts[len(parts)-3]
	}
	// Single-label hosts ("localhost") have no suffix to skip.
	return parts[0]
}
