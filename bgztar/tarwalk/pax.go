package tarwalk

import (
	"fmt"
	"strconv"
	"strings"
)

// paxRecords holds the key/value pairs of one PAX extended header.
type paxRecords map[string]string

// PAX keys applied to entries. Unknown keys are retained in the record map
// but otherwise ignored.
const (
	paxPath     = "path"
	paxLinkpath = "linkpath"
	paxSize     = "size"
	paxUID      = "uid"
	paxGID      = "gid"
	paxMtime    = "mtime"
)

// parsePAXRecords decodes a PAX extended header payload, a sequence of
// "<decimal length> <key>=<value>\n" records where the length counts the
// whole record including itself.
func parsePAXRecords(data []byte) (paxRecords, error) {
	records := paxRecords{}
	rest := string(data)

	for len(rest) > 0 {
		space := strings.IndexByte(rest, ' ')
		if space <= 0 {
			return nil, fmt.Errorf("pax record missing length field")
		}
		length, err := strconv.Atoi(rest[:space])
		if err != nil || length <= space || length > len(rest) {
			return nil, fmt.Errorf("pax record has invalid length %q", rest[:space])
		}

		record := rest[space+1 : length]
		rest = rest[length:]

		if !strings.HasSuffix(record, "\n") {
			return nil, fmt.Errorf("pax record not newline-terminated")
		}
		record = record[:len(record)-1]

		eq := strings.IndexByte(record, '=')
		if eq < 0 {
			return nil, fmt.Errorf("pax record missing '='")
		}
		records[record[:eq]] = record[eq+1:]
	}

	return records, nil
}

// applyPAXRecord overrides an entry field from a PAX record.
func applyPAXRecord(entry *Entry, key, value string) error {
	switch key {
	case paxPath:
		entry.Name = value
	case paxLinkpath:
		entry.Linkname = value
	case paxSize:
		size, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("pax size %q: %w", value, err)
		}
		entry.Size = size
	case paxUID:
		uid, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("pax uid %q: %w", value, err)
		}
		entry.UID = uint32(uid)
	case paxGID:
		gid, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("pax gid %q: %w", value, err)
		}
		entry.GID = uint32(gid)
	case paxMtime:
		// PAX mtime may carry a fractional part; the index keeps seconds.
		seconds := value
		if dot := strings.IndexByte(value, '.'); dot >= 0 {
			seconds = value[:dot]
		}
		mtime, err := strconv.ParseInt(seconds, 10, 64)
		if err != nil {
			return fmt.Errorf("pax mtime %q: %w", value, err)
		}
		entry.ModTime = mtime
	}
	return nil
}
