// Package metadata pulls .com and .com.au mentions out of video metadata
// files (*.info.json) so they can be looked up in bulk.
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

// ErrMalformed wraps every metadata file that cannot be decoded.
var ErrMalformed = errors.New("malformed metadata")

// mentionPattern matches bare hostnames; Go's \w is ASCII-only.
var mentionPattern = regexp.MustCompile(`(www\.)?\w(?:[\w-]{0,61}\w)\.com(\.au)?`)

// Banned lists hosts that are never worth a lookup, compared lower-cased.
var Banned = map[string]struct{}{
	"www.facebook.com":             {},
	"facebook.com":                 {},
	"www.twitter.com":              {},
	"twitter.com":                  {},
	"www.youtube.com":              {},
	"www.instagram.com":            {},
	"instagram.com":                {},
	"www.tiktok.com":               {},
	"www.universalpictures.com.au": {},
	"talenthouse.com":              {},
}

// Video is the subset of an info.json document that is used.
type Video struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	UploadDate  *string `json:"upload_date"`
}

// Mention is one hostname found in one video's description.
type Mention struct {
	Date    string `json:"date"`
	Title   string `json:"title"`
	VideoID string `json:"yt_id"`
	URL     string `json:"url"`
}

// Extract returns the mentions in v's description, in match order. Videos
// without an upload date contribute nothing.
func Extract(v Video) []Mention {
	if v.UploadDate == nil {
		return nil
	}
	var out []Mention
	for _, m := range mentionPattern.FindAllString(v.Description, -1) {
		if _, banned := Banned[strings.ToLower(m)]; banned {
			continue
		}
		out = append(out, Mention{Date: *v.UploadDate, Title: v.Title, VideoID: v.ID, URL: m})
	}
	return out
}

func LoadFile(path string) (Video, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Video{}, fmt.Errorf("read %s: %w", path, err)
	}
	var v Video
	if err := json.Unmarshal(b, &v); err != nil {
		return Video{}, fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}
	return v, nil
}

// Scan loads every file and returns their mentions ordered by Order. The
// first unreadable or malformed file aborts the scan.
func Scan(paths []string) ([]Mention, error) {
	var all []Mention
	for _, p := range paths {
		v, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		all = append(all, Extract(v)...)
	}
	Order(all)
	return all, nil
}

// Order sorts mentions by the earliest date their URL was seen anywhere,
// keeping the original order among equal keys. Dates are compared as
// strings, which is correct for YYYYMMDD.
func Order(ms []Mention) {
	first := make(map[string]string, len(ms))
	for _, m := range ms {
		if d, ok := first[m.URL]; !ok || m.Date < d {
			first[m.URL] = m.Date
		}
	}
	sort.SliceStable(ms, func(i, j int) bool {
		return first[ms[i].URL] < first[ms[j].URL]
	})
}
