package report

import (
	"bytes"
	"errors"
	"testing"

	"github.com/benithors/whocache/internal/batch"
	"github.com/benithors/whocache/internal/metadata"
	"github.com/benithors/whocache/internal/whois"
)

func TestWrite(t *testing.T) {
	t.Parallel()

	mention := func(url string) metadata.Mention {
		return metadata.Mention{Date: "20240101", Title: "Trailer, final", VideoID: "abc", URL: url}
	}
	rows := []Row{
		{Mention: mention("example.com"), Result: batch.Result{Record: whois.Record{
			Kind: whois.KindSuccess, Active: true, Registrant: "Jane Doe", Text: "Domain Name: EXAMPLE.COM",
		}}},
		{Mention: mention("gone.com"), Result: batch.Result{Record: whois.Record{
			Kind: whois.KindFailure, Text: `No match for "GONE.COM".`,
		}}},
		{Mention: mention("busy.com"), Result: batch.Result{Err: errors.New("still rate limited")}},
	}

	var buf bytes.Buffer
	if err := Write(&buf, rows); err != nil {
		t.Fatalf("Write: %v", err)
	}

	want := "date,title,yt_id,url,active,registrant,debug\n" +
		"20240101,\"Trailer, final\",abc,example.com,true,Jane Doe,\n" +
		"20240101,\"Trailer, final\",abc,gone.com,false,,\"No match for \"\"GONE.COM\"\".\"\n" +
		"20240101,\"Trailer, final\",abc,busy.com,false,,still rate limited\n"
	if buf.String() != want {
		t.Fatalf("csv mismatch\n got: %q\nwant: %q", buf.String(), want)
	}
}
