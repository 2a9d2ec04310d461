package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrNormalizationAmbiguous is returned in strict mode when an IP literal
// cannot be reverse-resolved to a registrable domain.
var ErrNormalizationAmbiguous = errors.New("ip literal could not be reverse-resolved")

// Identity is the canonical cache and query key for one input.
type Identity struct {
	Input string `json:"input,omitempty"`
	Key   string `json:"key"`

	// IP is set when the input was an IP literal.
	IP bool `json:"ip,omitempty"`
	// Unresolved is set when the reverse lookup failed and Key is the literal.
	Unresolved bool `json:"unresolved,omitempty"`
}

// Resolver is the subset of *net.Resolver used for reverse lookups.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

type NormalizerOptions struct {
	// Resolver defaults to net.DefaultResolver.
	Resolver Resolver
	// Strict rejects IP literals that do not reverse-resolve instead of
	// falling back to the literal.
	Strict bool
}

type Normalizer struct {
	opts NormalizerOptions
}

func NewNormalizer(opts NormalizerOptions) *Normalizer {
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	return &Normalizer{opts: opts}
}

// Normalize maps a URL, domain or IP literal to its lookup identity.
// Reverse-DNS failures are never returned as errors unless Strict is set.
func (n *Normalizer) Normalize(ctx context.Context, input string) (Identity, error) {
	id := Identity{Input: strings.TrimSpace(input)}

	host := Host(input)
	if ip := net.ParseIP(host); ip != nil {
		id.IP = true
		if key, ok := n.reverse(ctx, ip); ok {
			id.Key = key
			return id, nil
		}
		if n.opts.Strict {
			return id, fmt.Errorf("%w: %s", ErrNormalizationAmbiguous, ip)
		}
		id.Key = ip.String()
		id.Unresolved = true
		return id, nil
	}

	key, err := registrableKey(input)
	if err != nil {
		return id, err
	}
	id.Key = key
	return id, nil
}

func (n *Normalizer) reverse(ctx context.Context, ip net.IP) (string, bool) {
	names, err := n.opts.Resolver.LookupAddr(ctx, ip.String())
	if err != nil {
		return "", false
	}
	for _, name := range names {
		// PTR targets are never IP literals; anything that fails to
		// normalize is treated the same as no answer.
		if net.ParseIP(Host(name)) != nil {
			continue
		}
		if key, err := registrableKey(name); err == nil {
			return key, true
		}
	}
	return "", false
}

func registrableKey(input string) (string, error) {
	host, err := Normalize(input)
	if err != nil {
		return "", err
	}
	return Registrable(host)
}
