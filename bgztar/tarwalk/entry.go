// Package tarwalk parses a tar byte stream as a pull-based cursor, yielding
// one entry per tar header together with the entry's byte range in the
// stream. It understands USTar headers, GNU long-name/long-link extensions
// and PAX extended headers, which real-world archives mix freely.
package tarwalk

// EntryType classifies a tar entry.
type EntryType uint8

const (
	TypeFile EntryType = iota
	TypeDir
	TypeSymlink
	TypeHardLink
	TypeOther
)

var typeNames = map[EntryType]string{
	TypeFile:     "file",
	TypeDir:      "dir",
	TypeSymlink:  "symlink",
	TypeHardLink: "hardlink",
	TypeOther:    "other",
}

func (t EntryType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "other"
}

// Entry is one tar entry record. DataOffset and DataEnd delimit the entry's
// payload in the uncompressed stream, excluding the 512-byte block padding;
// for non-file entries the range is empty. Entries are never mutated after
// the walker yields them.
type Entry struct {
	Name     string
	Linkname string
	Type     EntryType

	Size       uint64
	DataOffset uint64
	DataEnd    uint64

	Mode    uint32
	UID     uint32
	GID     uint32
	ModTime int64
}
