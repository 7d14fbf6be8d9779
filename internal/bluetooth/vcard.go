package bluetooth

import (
	"log/slog"
	"strings"

	"github.com/DigZan/CarPi/internal/store"
)

const vcardTerminator = "END:VCARD"

// parseVCards splits a vCard 3.0 dump on end-of-record markers and
// extracts the formatted name and the first telephone number of each
// record. Raw keeps the record text with its terminator restored.
// Malformed fragments are skipped; identical (name, number) pairs within
// one import collapse to the first record.
func parseVCards(data string) []store.Contact {
	var out []store.Contact
	seen := make(map[[2]string]bool)

	for _, chunk := range strings.Split(data, vcardTerminator) {
		if !strings.Contains(chunk, "BEGIN:VCARD") {
			if strings.TrimSpace(chunk) != "" {
				perr := &ParseError{Record: chunk, Reason: "no BEGIN:VCARD marker"}
				slog.Debug("skipping vcard fragment", "error", perr)
			}
			continue
		}
		name, number := vcardFields(chunk)
		key := [2]string{name, number}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, store.Contact{
			Name:   name,
			Number: number,
			Raw:    strings.TrimLeft(chunk, "\r\n") + vcardTerminator + "\n",
		})
	}
	return out
}

// vcardFields pulls FN and the first TEL property from one record.
// TEL lines may carry parameters (TEL;TYPE=CELL:+123...), so the value
// starts after the last colon.
func vcardFields(record string) (name, number string) {
	for _, line := range strings.Split(record, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "FN:"):
			if name == "" {
				name = strings.TrimSpace(strings.TrimPrefix(line, "FN:"))
			}
		case strings.HasPrefix(line, "TEL"):
			if number == "" {
				if idx := strings.LastIndex(line, ":"); idx >= 0 {
					number = strings.TrimSpace(line[idx+1:])
				}
			}
		}
	}
	return name, number
}
