package bluetooth

import (
	"strings"
	"testing"
)

func TestParseVCards(t *testing.T) {
	data := strings.Join([]string{
		"BEGIN:VCARD",
		"VERSION:3.0",
		"FN:Ada Lovelace",
		"TEL;TYPE=CELL:+15550100",
		"END:VCARD",
		"BEGIN:VCARD",
		"VERSION:3.0",
		"FN:Alan Turing",
		"TEL:+15550101",
		"TEL:+15550199",
		"END:VCARD",
		"",
	}, "\r\n")

	got := parseVCards(data)
	if len(got) != 2 {
		t.Fatalf("parsed %d contacts, want 2", len(got))
	}
	if got[0].Name != "Ada Lovelace" || got[0].Number != "+15550100" {
		t.Errorf("first contact = %+v", got[0])
	}
	if got[1].Name != "Alan Turing" || got[1].Number != "+15550101" {
		t.Errorf("second contact = %+v, want first TEL kept", got[1])
	}
	for _, c := range got {
		if !strings.HasPrefix(c.Raw, "BEGIN:VCARD") {
			t.Errorf("raw record starts with %q", c.Raw[:min(len(c.Raw), 20)])
		}
		if !strings.HasSuffix(c.Raw, "END:VCARD\n") {
			t.Errorf("raw record lost its terminator: %q", c.Raw)
		}
	}
}

func TestParseVCards_DedupAndMalformed(t *testing.T) {
	data := strings.Join([]string{
		"BEGIN:VCARD",
		"FN:Twin",
		"TEL:+15550100",
		"END:VCARD",
		"BEGIN:VCARD",
		"FN:Twin",
		"TEL:+15550100",
		"END:VCARD",
		"stray bytes with no record marker",
		"END:VCARD",
		"BEGIN:VCARD",
		"FN:Survivor",
		"TEL:+15550101",
		"END:VCARD",
		"",
	}, "\n")

	got := parseVCards(data)
	if len(got) != 2 {
		t.Fatalf("parsed %d contacts, want 2 (dedup + skip)", len(got))
	}
	if got[0].Name != "Twin" || got[1].Name != "Survivor" {
		t.Errorf("contacts = %+v", got)
	}
}

func TestParseVCards_Empty(t *testing.T) {
	if got := parseVCards(""); got != nil {
		t.Errorf("parseVCards(\"\") = %v, want nil", got)
	}
}

func TestVcardFields_ParamsAndMissing(t *testing.T) {
	name, number := vcardFields("BEGIN:VCARD\nTEL;TYPE=HOME,VOICE:+1-555-0102\n")
	if name != "" || number != "+1-555-0102" {
		t.Errorf("got (%q, %q)", name, number)
	}

	name, number = vcardFields("BEGIN:VCARD\nFN:No Phone\n")
	if name != "No Phone" || number != "" {
		t.Errorf("got (%q, %q)", name, number)
	}
}
