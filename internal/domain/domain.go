package domain

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"text/tabwriter"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

// ErrInvalidIdentity is wrapped by every error returned for input that cannot
// be turned into a lookup key.
var ErrInvalidIdentity = errors.New("invalid identity")

// Host extracts the host part of a URL, bare domain or IP literal: scheme,
// userinfo, path, query, fragment and port are stripped, IPv6 brackets are
// removed and the result is lower-cased without a trailing dot.
func Host(input string) string {
	s := strings.TrimSpace(input)
	if s == "" {
		return ""
	}

	// Handle full URLs (or things that look like them).
	if strings.Contains(s, "://") {
		if u, err := url.Parse(s); err == nil {
			if u.Host != "" {
				s = u.Host
			}
		} else if i := strings.Index(s, "://"); i >= 0 {
			s = s[i+3:]
		}
	}

	// Strip path-ish suffixes if present.
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		s = s[i+1:]
	}

	// Bare IPv6 literals contain colons but no port.
	if ip := net.ParseIP(s); ip != nil {
		return strings.ToLower(s)
	}

	// Strip port if present (best effort).
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	} else {
		// net.SplitHostPort is strict; handle the common "example.com:443" case.
		if i := strings.LastIndexByte(s, ':'); i > 0 && i < len(s)-1 {
			maybePort := s[i+1:]
			if isAllDigits(maybePort) {
				s = s[:i]
			}
		}
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")

	s = strings.TrimSuffix(s, ".")
	return strings.ToLower(strings.TrimSpace(s))
}

// Normalize attempts to turn user input into an ASCII host name suitable for
// registry lookups.
//
// It is intentionally permissive (allows URLs, strips paths, strips port). It
// returns an error if the remaining value is not a valid domain name. The
// result keeps subdomains; use Registrable to reduce it.
func Normalize(input string) (string, error) {
	s := Host(input)
	if s == "" {
		return "", fmt.Errorf("%w: empty domain", ErrInvalidIdentity)
	}

	ascii, err := idna.Lookup.ToASCII(s)
	if err != nil {
		return "", fmt.Errorf("%w: idna: %v", ErrInvalidIdentity, err)
	}

	// Enforce at least one dot; single-label names are not registrable domains.
	if !strings.Contains(ascii, ".") {
		return "", fmt.Errorf("%w: domain must contain a dot: %q", ErrInvalidIdentity, input)
	}

	if !isValidDomainASCII(ascii) {
		return "", fmt.Errorf("%w: invalid domain: %q", ErrInvalidIdentity, input)
	}

	return ascii, nil
}

// Registrable reduces a normalized host name to the domain a registry accepts
// as a WHOIS subject (ICANN eTLD+1). Private suffixes such as github.io are
// skipped so that the registry-level domain is returned.
func Registrable(host string) (string, error) {
	suffix, icann := publicsuffix.PublicSuffix(host)
	for !icann {
		i := strings.IndexByte(suffix, '.')
		if i < 0 {
			break
		}
		suffix = suffix[i+1:]
		_, icann = publicsuffix.PublicSuffix(suffix)
	}
	if len(host) <= len(suffix)+1 || !strings.HasSuffix(host, "."+suffix) {
		return "", fmt.Errorf("%w: %q is a public suffix", ErrInvalidIdentity, host)
	}

	rest := host[:len(host)-len(suffix)-1]
	if i := strings.LastIndexByte(rest, '.'); i >= 0 {
		rest = rest[i+1:]
	}
	return rest + "." + suffix, nil
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func ReadLines(r io.Reader) ([]string, error) {
	sc := bufio.NewScanner(r)
	// Identities are short; keep the default scanner buffer.
	var out []string
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func NewTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func isValidDomainASCII(s string) bool {
	// This is intentionally a small, pragmatic validation for registrable names.
	if len(s) < 1 || len(s) > 253 {
		return false
	}
	if strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") {
		return false
	}
	labels := strings.Split(s, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if len(label) < 1 || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' {
				continue
			}
			return false
		}
	}
	return true
}
