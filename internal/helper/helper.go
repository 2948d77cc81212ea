package helper

import (
	"bytes"
)

type ArchiveKind int

const (
	ArchiveNone ArchiveKind = iota
	ArchiveGzip
	ArchiveZip
)

// https://en.wikipedia.org/wiki/List_of_file_signatures
var magicTable = map[ArchiveKind][][]byte{
	ArchiveGzip: {
		{31, 139}, // .gz "\x1f\x8b"
	},
	ArchiveZip: {
		{80, 75, 3, 4}, // .zip "\x50\x4B\x03\x04"
		{80, 75, 5, 6}, // .zip "\x50\x4B\x05\x06"
		{80, 75, 7, 8}, // .zip "\x50\x4B\x07\x08"
	},
}

// DetectArchive checks the magic bytes for the supported archive formats.
func DetectArchive(content []byte) ArchiveKind {
	sliceEnd := 10
	if len(content) < sliceEnd {
		sliceEnd = len(content)
	}
	contentStr := content[0:sliceEnd]

	for kind, magics := range magicTable {
		for _, magic := range magics {
			if bytes.HasPrefix(contentStr, magic) {
				return kind
			}
		}
	}

	return ArchiveNone
}

func IsSupportedArchive(content []byte) bool {
	return DetectArchive(content) != ArchiveNone
}
