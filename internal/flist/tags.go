// Package flist implements the binary file-list wire format: a compact,
// self-describing stream of tagged records describing a directory tree
// (names, metadata, optional digests and rsync block checksums).
package flist

import "fmt"

// Tag identifies the kind of the record that follows in the stream.
type Tag byte

const (
	TagHeader        Tag = 0
	TagDirMarker     Tag = 1
	TagDirStart      Tag = 2
	TagDirEnd        Tag = 3
	TagNormalFile    Tag = 4
	TagSymlink       Tag = 5
	TagDeviceSpecial Tag = 6
	TagDirectory     Tag = 7
	TagFilter        Tag = 8
	TagUidMap        Tag = 9
	TagGidMap        Tag = 10
	TagHardLink      Tag = 11
	TagTrailer       Tag = 12
	TagRSyncChecksum Tag = 13
	TagAggregateFile Tag = 14
	TagRSyncEnd      Tag = 15

	// maxTags bounds the header's per-tag flag array. Any tag value at or
	// beyond this is always treated as an unknown, hard-error tag.
	maxTags = 16
)

func (t Tag) String() string {
	switch t {
	case TagHeader:
		return "Header"
	case TagDirMarker:
		return "DirMarker"
	case TagDirStart:
		return "DirStart"
	case TagDirEnd:
		return "DirEnd"
	case TagNormalFile:
		return "NormalFile"
	case TagSymlink:
		return "Symlink"
	case TagDeviceSpecial:
		return "DeviceSpecial"
	case TagDirectory:
		return "Directory"
	case TagFilter:
		return "Filter"
	case TagUidMap:
		return "UidMap"
	case TagGidMap:
		return "GidMap"
	case TagHardLink:
		return "HardLink"
	case TagTrailer:
		return "Trailer"
	case TagRSyncChecksum:
		return "RSyncChecksum"
	case TagAggregateFile:
		return "AggregateFile"
	case TagRSyncEnd:
		return "RSyncEnd"
	default:
		return fmt.Sprintf("Tag(%d)", byte(t))
	}
}

// Per-entity flag bits, looked up through Header.Flags[tag]. Directory,
// NormalFile, HardLink and DeviceSpecial share FlPerm/FlOwner; NormalFile and
// HardLink additionally gate FlMD5.
const (
	FlPerm   uint32 = 1 << 0
	FlOwner  uint32 = 1 << 1
	FlMD5    uint32 = 1 << 2
	FlRSync  uint32 = 1 << 3
	FlRealID uint32 = 1 << 0 // UidMap/GidMap only, distinct namespace
)

// FilterType distinguishes an include rule from an exclude rule in a Filter
// record.
type FilterType byte

const (
	FilterInclude FilterType = 1
	FilterExclude FilterType = 2
)

// FormatError reports that the stream could not be parsed as a valid
// file-list. Per the error-handling design, a FormatError always means the
// caller must abandon the stream — there is no such thing as a partial or
// recoverable record.
type FormatError struct {
	Tag    Tag
	Offset uint64
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("flist: corrupt stream at offset %d (tag %s): %s", e.Offset, e.Tag, e.Reason)
}

// ErrUnknownTag reports a tag byte this implementation does not recognize.
// Unlike many wire formats, flist does not support forward-compatible skip
// of unknown tags: the tag determines field layout, and there is no generic
// length prefix to skip by.
type ErrUnknownTag struct {
	Tag    byte
	Offset uint64
}

func (e *ErrUnknownTag) Error() string {
	return fmt.Sprintf("flist: unknown tag %d at offset %d", e.Tag, e.Offset)
}
