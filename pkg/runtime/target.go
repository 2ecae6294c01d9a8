package runtime

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/scanforge/scanforge/pkg/errdefs"
)

// hostnameForm matches bare FQDN targets: dot-separated labels of letters,
// digits, and hyphens, not starting with a hyphen.
var hostnameForm = regexp.MustCompile(`^(?:[A-Za-z0-9](?:[A-Za-z0-9-]{0,62})\.)+[A-Za-z0-9](?:[A-Za-z0-9-]{0,62})$`)

// ValidateTarget enforces the launch precondition on scan targets.
// Accepted forms: an http(s) URL without embedded credentials, a bare
// hostname, a single IPv4/IPv6 address, a CIDR block, or an inclusive
// A-B address range. Everything else is rejected with InvalidTarget.
func ValidateTarget(target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return errdefs.Wrapf(errdefs.ErrInvalidTarget, "empty target")
	}

	// URL form.
	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil {
			return errdefs.Wrapf(errdefs.ErrInvalidTarget, "%q: %v", target, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return errdefs.Wrapf(errdefs.ErrInvalidTarget, "%q: unsupported scheme %q", target, u.Scheme)
		}
		if u.User != nil {
			return errdefs.Wrapf(errdefs.ErrInvalidTarget, "%q: embedded credentials", target)
		}
		if u.Hostname() == "" {
			return errdefs.Wrapf(errdefs.ErrInvalidTarget, "%q: missing host", target)
		}
		return nil
	}

	// Scheme without authority, e.g. javascript:alert(1).
	if strings.Contains(target, ":") && !isAddressForm(target) {
		return errdefs.Wrapf(errdefs.ErrInvalidTarget, "%q", target)
	}

	if isAddressForm(target) {
		return nil
	}

	if hostnameForm.MatchString(target) {
		return nil
	}

	return errdefs.Wrapf(errdefs.ErrInvalidTarget, "%q", target)
}

// isAddressForm accepts a single IP, a CIDR block, or an A-B range.
func isAddressForm(target string) bool {
	if net.ParseIP(target) != nil {
		return true
	}
	if _, _, err := net.ParseCIDR(target); err == nil {
		return true
	}
	if lo, hi, ok := splitRange(target); ok {
		return validRange(lo, hi)
	}
	return false
}

// splitRange splits an A-B range on the last dash that yields two
// parseable addresses, so IPv6 addresses with embedded colons still work.
func splitRange(target string) (string, string, bool) {
	idx := strings.LastIndex(target, "-")
	if idx <= 0 || idx == len(target)-1 {
		return "", "", false
	}
	return target[:idx], target[idx+1:], true
}

func validRange(lo, hi string) bool {
	a := net.ParseIP(lo)
	b := net.ParseIP(hi)
	if a == nil || b == nil {
		return false
	}
	// Both ends must share a family.
	if (a.To4() == nil) != (b.To4() == nil) {
		return false
	}
	if a4, b4 := a.To4(), b.To4(); a4 != nil && b4 != nil {
		a, b = a4, b4
	}
	for i := range a {
		if a[i] < b[i] {
			return true
		}
		if a[i] > b[i] {
			return false
		}
	}
	return true // equal endpoints are a valid single-address range
}
