package whois

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	whoisparser "github.com/likexian/whois-parser"
)

// DefaultRateLimitMarkers are the response fragments a provider emits when
// queries from the current exit node are throttled.
var DefaultRateLimitMarkers = []string{"WHOIS LIMIT EXCEEDED"}

// Kind tags the variant held by a Record.
type Kind int

const (
	// KindSuccess is a parsed registry answer.
	KindSuccess Kind = iota + 1
	// KindFailure is an authoritative negative answer ("no match").
	KindFailure
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindFailure:
		return "failure"
	default:
		return "invalid"
	}
}

// Record is the result of a lookup: either a Success or a Failure. Text always
// holds the raw response verbatim. Active and Registrant are only defined for
// KindSuccess; Registrant is empty when the response carries none.
type Record struct {
	Kind       Kind   `json:"kind"`
	Text       string `json:"text"`
	Active     bool   `json:"active"`
	Registrant string `json:"registrant,omitempty"`

	// Display-only enrichment; derived from Text, never persisted.
	Registrar string `json:"registrar,omitempty"`
	Created   string `json:"created,omitempty"`
	Expires   string `json:"expires,omitempty"`
	// Pattern names the no-match marker that produced a Failure.
	Pattern string `json:"pattern,omitempty"`
}

// MarshalJSON omits active unless the record is a Success; a Failure leaves
// it to the caller.
func (r Record) MarshalJSON() ([]byte, error) {
	type plain Record
	out := struct {
		plain
		Active *bool `json:"active,omitempty"`
	}{plain: plain(r)}
	if r.Kind == KindSuccess {
		active := r.Active
		out.Active = &active
	}
	return json.Marshal(out)
}

func (r Record) String() string {
	switch r.Kind {
	case KindSuccess:
		return fmt.Sprintf("success(active=%t, registrant=%q)", r.Active, r.Registrant)
	case KindFailure:
		return fmt.Sprintf("failure(%s)", r.Pattern)
	default:
		return "invalid record"
	}
}

// ErrRateLimited is matched by every *RateLimitError.
var ErrRateLimited = errors.New("whois rate limit exceeded")

// RateLimitError carries the throttling response for a single query.
type RateLimitError struct {
	Identity string
	Marker   string
	Text     string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("whois %s: rate limited (%s)", e.Identity, e.Marker)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// Classifier turns raw response text into a Record.
type Classifier struct {
	RateLimitMarkers []string
}

// Classify applies the default classifier. A nil error means the text is a
// terminal record; a *RateLimitError means it must not be cached.
func Classify(text string) (Record, error) {
	return Classifier{}.Classify(text)
}

func (c Classifier) Classify(text string) (Record, error) {
	markers := c.RateLimitMarkers
	if len(markers) == 0 {
		markers = DefaultRateLimitMarkers
	}
	for _, m := range markers {
		if m != "" && strings.Contains(text, m) {
			return Record{}, &RateLimitError{Marker: m, Text: text}
		}
	}

	info, perr := whoisparser.Parse(text)
	if errors.Is(perr, whoisparser.ErrDomainLimitExceed) {
		return Record{}, &RateLimitError{Marker: "whoisparser", Text: text}
	}

	// A populated domain_name field means the registry holds the name, so
	// "not found" elsewhere (an empty contact, a failed referral) is no
	// verdict on registration.
	fields := parseFields(text)
	domainName := fields.first("domain_name")
	if domainName == "" {
		if pattern := notFoundPattern(text); pattern != "" {
			return Record{Kind: KindFailure, Text: text, Pattern: pattern}, nil
		}
	}

	rec := Record{
		Kind:       KindSuccess,
		Text:       text,
		Active:     domainName != "",
		Registrant: fields.first("registrant_name", "registrant_organization", "registrant"),
	}
	if perr == nil {
		if info.Registrar != nil {
			rec.Registrar = strings.TrimSpace(info.Registrar.Name)
		}
		if info.Domain != nil {
			rec.Created = strings.TrimSpace(info.Domain.CreatedDate)
			rec.Expires = strings.TrimSpace(info.Domain.ExpirationDate)
		}
	}
	if rec.Registrar == "" {
		rec.Registrar = fields.first("registrar")
	}
	return rec, nil
}

var notFoundPatterns = []struct {
	Needle  string
	Pattern string
}{
	{"no match for", "no_match_for"},
	{"no data found", "no_data_found"},
	{"no entries found", "no_entries_found"},
	{"domain not found", "domain_not_found"},
	{"no such domain", "no_such_domain"},
	{"status: free", "status_free"},
	{"not found", "not_found"},
}

func notFoundPattern(body string) string {
	l := strings.ToLower(body)
	for _, p := range notFoundPatterns {
		if strings.Contains(l, p.Needle) {
			return p.Pattern
		}
	}
	return ""
}

type fieldSet map[string][]string

func (f fieldSet) first(keys ...string) string {
	for _, k := range keys {
		for _, v := range f[k] {
			if v != "" {
				return v
			}
		}
	}
	return ""
}

// parseFields collects "Key: value" lines with keys normalized to
// lower_snake_case, so "Domain Name:" and "domain_name:" land on one key.
func parseFields(text string) fieldSet {
	out := make(fieldSet)
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '%' || line[0] == '#' || strings.HasPrefix(line, ">>>") {
			continue
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			continue
		}
		key := fieldKey(line[:i])
		if key == "" {
			continue
		}
		out[key] = append(out[key], strings.TrimSpace(line[i+1:]))
	}
	return out
}

func fieldKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastUnderscore := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9'):
			b.WriteByte(c)
			lastUnderscore = false
		case !lastUnderscore && b.Len() > 0:
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
