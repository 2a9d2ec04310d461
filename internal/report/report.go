// Package report renders scan results as CSV.
package report

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/benithors/whocache/internal/batch"
	"github.com/benithors/whocache/internal/metadata"
	"github.com/benithors/whocache/internal/whois"
)

var Header = []string{"date", "title", "yt_id", "url", "active", "registrant", "debug"}

// Row pairs a mention with the lookup outcome for its URL.
type Row struct {
	Mention metadata.Mention
	Result  batch.Result
}

// Fields renders one CSV record. A Failure is reported inactive with its
// raw text in debug; an errored lookup is reported inactive with the error
// text in debug.
func (r Row) Fields() []string {
	m := r.Mention
	active, registrant, debug := false, "", ""

	res := r.Result
	switch {
	case res.HasRecord():
		switch res.Record.Kind {
		case whois.KindSuccess:
			active = res.Record.Active
			registrant = res.Record.Registrant
		case whois.KindFailure:
			debug = res.Record.Text
		}
	case res.Err != nil:
		debug = res.Err.Error()
	}

	return []string{m.Date, m.Title, m.VideoID, m.URL, strconv.FormatBool(active), registrant, debug}
}

// Write emits the header and one record per row.
func Write(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write(r.Fields()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
