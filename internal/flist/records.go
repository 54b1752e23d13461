package flist

// Record is implemented by every concrete record type. Tag reports the
// wire tag the record was decoded as (or will be encoded as); it is not
// itself part of the payload the type-specific Encode writes, mirroring the
// original format where the tag byte frames the record rather than living
// inside it.
type Record interface {
	RecordTag() Tag
}

// dirEntity is the field set shared by Directory, NormalFile, Symlink,
// DeviceSpecial and HardLink: a modification time
// delta against the header epoch, optional permissions/ownership, and a
// name relative to the enclosing directory.
type dirEntity struct {
	Tag         Tag
	ModTime     int32
	Permissions uint16
	User        uint32
	Group       uint32
	Name        string
}

// Directory is a DirMarker, DirStart or Directory record — the same layout
// serves all three tags, distinguished only by which tag framed them.
type Directory struct {
	dirEntity
}

func (d *Directory) RecordTag() Tag { return d.Tag }

func decodeDirectory(io IO, h *Header, tag Tag) (*Directory, error) {
	d := &Directory{dirEntity{Tag: tag}}
	f := h.flagsFor(tag)
	var err error
	if d.ModTime, err = readInt32(io); err != nil {
		return nil, err
	}
	if f&FlPerm != 0 {
		v, err := readUint(io, 2)
		if err != nil {
			return nil, err
		}
		d.Permissions = uint16(v)
	}
	if f&FlOwner != 0 {
		if d.User, err = readUint32Varint(io); err != nil {
			return nil, err
		}
		if d.Group, err = readUint32Varint(io); err != nil {
			return nil, err
		}
	}
	if d.Name, err = readString(io); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Directory) Encode(io IO, h *Header) error {
	f := h.flagsFor(d.Tag)
	if err := writeUint(io, uint64(d.Tag), 1); err != nil {
		return err
	}
	if err := writeInt32(io, d.ModTime); err != nil {
		return err
	}
	if f&FlPerm != 0 {
		if err := writeUint(io, uint64(d.Permissions), 2); err != nil {
			return err
		}
	}
	if f&FlOwner != 0 {
		if err := writeVarint(io, uint64(d.User)); err != nil {
			return err
		}
		if err := writeVarint(io, uint64(d.Group)); err != nil {
			return err
		}
	}
	return writeString(io, d.Name)
}

// NormalFile describes a regular file: size plus an optional whole-file MD5
// digest.
type NormalFile struct {
	dirEntity
	Size uint64
	MD5  [16]byte
}

func (n *NormalFile) RecordTag() Tag { return n.Tag }

func decodeNormalFile(io IO, h *Header, tag Tag) (*NormalFile, error) {
	n := &NormalFile{dirEntity: dirEntity{Tag: tag}}
	if err := decodeFileCommon(io, h, tag, &n.dirEntity, &n.Size, &n.MD5); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *NormalFile) Encode(io IO, h *Header) error {
	return encodeFileCommon(io, h, n.Tag, &n.dirEntity, n.Size, n.MD5)
}

// decodeFileCommon implements the field layout shared by NormalFile and
// HardLink: ModTime, [Perm], [User,Group], Name, Size, [MD5].
func decodeFileCommon(io IO, h *Header, tag Tag, d *dirEntity, size *uint64, md5 *[16]byte) error {
	f := h.flagsFor(tag)
	var err error
	if d.ModTime, err = readInt32(io); err != nil {
		return err
	}
	if f&FlPerm != 0 {
		v, err := readUint(io, 2)
		if err != nil {
			return err
		}
		d.Permissions = uint16(v)
	}
	if f&FlOwner != 0 {
		if d.User, err = readUint32Varint(io); err != nil {
			return err
		}
		if d.Group, err = readUint32Varint(io); err != nil {
			return err
		}
	}
	if d.Name, err = readString(io); err != nil {
		return err
	}
	if *size, err = readVarint(io); err != nil {
		return err
	}
	if f&FlMD5 != 0 {
		if err := io.Read(md5[:]); err != nil {
			return err
		}
	}
	return nil
}

func encodeFileCommon(io IO, h *Header, tag Tag, d *dirEntity, size uint64, md5 [16]byte) error {
	f := h.flagsFor(tag)
	if err := writeUint(io, uint64(tag), 1); err != nil {
		return err
	}
	if err := writeInt32(io, d.ModTime); err != nil {
		return err
	}
	if f&FlPerm != 0 {
		if err := writeUint(io, uint64(d.Permissions), 2); err != nil {
			return err
		}
	}
	if f&FlOwner != 0 {
		if err := writeVarint(io, uint64(d.User)); err != nil {
			return err
		}
		if err := writeVarint(io, uint64(d.Group)); err != nil {
			return err
		}
	}
	if err := writeString(io, d.Name); err != nil {
		return err
	}
	if err := writeVarint(io, size); err != nil {
		return err
	}
	if f&FlMD5 != 0 {
		if err := io.Write(md5[:]); err != nil {
			return err
		}
	}
	return nil
}

// HardLink is a NormalFile that additionally carries a Serial identifying
// the inode it shares content with; the first occurrence of a given Serial
// in the stream is expected to carry the real content/digest, subsequent
// occurrences just restate the link.
type HardLink struct {
	dirEntity
	Size   uint64
	MD5    [16]byte
	Serial uint32
}

func (hl *HardLink) RecordTag() Tag { return hl.Tag }

func decodeHardLink(io IO, h *Header, tag Tag) (*HardLink, error) {
	hl := &HardLink{dirEntity: dirEntity{Tag: tag}}
	var err error
	if hl.ModTime, err = readInt32(io); err != nil {
		return nil, err
	}
	if hl.Serial, err = readUint32Varint(io); err != nil {
		return nil, err
	}
	f := h.flagsFor(tag)
	if f&FlPerm != 0 {
		v, err := readUint(io, 2)
		if err != nil {
			return nil, err
		}
		hl.Permissions = uint16(v)
	}
	if f&FlOwner != 0 {
		if hl.User, err = readUint32Varint(io); err != nil {
			return nil, err
		}
		if hl.Group, err = readUint32Varint(io); err != nil {
			return nil, err
		}
	}
	if hl.Name, err = readString(io); err != nil {
		return nil, err
	}
	if hl.Size, err = readVarint(io); err != nil {
		return nil, err
	}
	if f&FlMD5 != 0 {
		if err := io.Read(hl.MD5[:]); err != nil {
			return nil, err
		}
	}
	return hl, nil
}

// Encode writes the hard-link record. The original C++ implementation wrote
// this field with ReadNum instead of WriteNum — a bug that silently
// corrupted every hard-link record's serial on write. This implementation
// always writes.
func (hl *HardLink) Encode(io IO, h *Header) error {
	f := h.flagsFor(hl.Tag)
	if err := writeUint(io, uint64(hl.Tag), 1); err != nil {
		return err
	}
	if err := writeInt32(io, hl.ModTime); err != nil {
		return err
	}
	if err := writeVarint(io, uint64(hl.Serial)); err != nil {
		return err
	}
	if f&FlPerm != 0 {
		if err := writeUint(io, uint64(hl.Permissions), 2); err != nil {
			return err
		}
	}
	if f&FlOwner != 0 {
		if err := writeVarint(io, uint64(hl.User)); err != nil {
			return err
		}
		if err := writeVarint(io, uint64(hl.Group)); err != nil {
			return err
		}
	}
	if err := writeString(io, hl.Name); err != nil {
		return err
	}
	if err := writeVarint(io, hl.Size); err != nil {
		return err
	}
	if f&FlMD5 != 0 {
		if err := io.Write(hl.MD5[:]); err != nil {
			return err
		}
	}
	return nil
}

// Symlink is a symbolic link entry. To carries the (decompressed) link
// target; Compress is only meaningful during encode/decode and is exposed
// for diagnostics.
type Symlink struct {
	dirEntity
	Compress byte
	To       string
}

func (s *Symlink) RecordTag() Tag { return s.Tag }

// decodeSymlink decodes a Symlink record, applying prefix/trailing-name
// decompression against prevTarget (the previous symlink's already
// decompressed target in this stream).
func decodeSymlink(io IO, h *Header, tag Tag, prevTarget string) (*Symlink, error) {
	s := &Symlink{dirEntity: dirEntity{Tag: tag}}
	f := h.flagsFor(tag)
	var err error
	if s.ModTime, err = readInt32(io); err != nil {
		return nil, err
	}
	if f&FlOwner != 0 {
		if s.User, err = readUint32Varint(io); err != nil {
			return nil, err
		}
		if s.Group, err = readUint32Varint(io); err != nil {
			return nil, err
		}
	}
	if s.Name, err = readString(io); err != nil {
		return nil, err
	}
	cb, err := readUint(io, 1)
	if err != nil {
		return nil, err
	}
	s.Compress = byte(cb)
	tail, err := readString(io)
	if err != nil {
		return nil, err
	}
	s.To = tail
	if s.Compress != 0 {
		if s.Compress&0x80 != 0 {
			s.To += s.Name
		}
		prefixLen := int(s.Compress & 0x7f)
		if prefixLen > 0 {
			if prefixLen > len(prevTarget) {
				prefixLen = len(prevTarget)
			}
			s.To = prevTarget[:prefixLen] + s.To
		}
	}
	return s, nil
}

// encodeSymlink writes s, compressing its target against prevTarget (the
// previous symlink target written in this stream, "" initially) using a
// shared-prefix length (capped at 127, stored in the low 7 bits of the
// compression byte) plus a high-bit flag meaning "target ends with Name".
func encodeSymlink(io IO, h *Header, s *Symlink, prevTarget string) error {
	f := h.flagsFor(s.Tag)
	if err := writeUint(io, uint64(s.Tag), 1); err != nil {
		return err
	}
	if err := writeInt32(io, s.ModTime); err != nil {
		return err
	}
	if f&FlOwner != 0 {
		if err := writeVarint(io, uint64(s.User)); err != nil {
			return err
		}
		if err := writeVarint(io, uint64(s.Group)); err != nil {
			return err
		}
	}
	if err := writeString(io, s.Name); err != nil {
		return err
	}

	trailing := false
	if len(s.To) >= len(s.Name) && s.Name != "" {
		if s.To[len(s.To)-len(s.Name):] == s.Name {
			trailing = true
		}
	}

	matchLen := len(s.To)
	if trailing {
		matchLen -= len(s.Name)
	}
	var compress int
	for compress < matchLen && compress < len(prevTarget) && compress < 0x7f {
		if s.To[compress] != prevTarget[compress] {
			break
		}
		compress++
	}

	cb := byte(compress)
	if trailing {
		cb |= 0x80
	}
	s.Compress = cb
	if err := writeUint(io, uint64(cb), 1); err != nil {
		return err
	}

	var tail string
	if trailing {
		tail = s.To[compress : len(s.To)-len(s.Name)]
	} else {
		tail = s.To[compress:]
	}
	return writeString(io, tail)
}

// DeviceSpecial describes a block or character device node. Permissions are
// always present on the wire (unlike Directory/NormalFile, where FlPerm
// gates them) because a device node's mode also encodes whether it is a
// block or character device; a missing FlPerm flag for this tag is
// therefore treated as a hard configuration error by internal/compare
// rather than silently defaulting to mode 0.
type DeviceSpecial struct {
	dirEntity
	Dev uint32
}

func (d *DeviceSpecial) RecordTag() Tag { return d.Tag }

func decodeDeviceSpecial(io IO, h *Header, tag Tag) (*DeviceSpecial, error) {
	d := &DeviceSpecial{dirEntity: dirEntity{Tag: tag}}
	f := h.flagsFor(tag)
	var err error
	if d.ModTime, err = readInt32(io); err != nil {
		return nil, err
	}
	permU, err := readUint(io, 2)
	if err != nil {
		return nil, err
	}
	d.Permissions = uint16(permU)
	if f&FlOwner != 0 {
		if d.User, err = readUint32Varint(io); err != nil {
			return nil, err
		}
		if d.Group, err = readUint32Varint(io); err != nil {
			return nil, err
		}
	}
	if d.Dev, err = readUint32Varint(io); err != nil {
		return nil, err
	}
	if d.Name, err = readString(io); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DeviceSpecial) Encode(io IO, h *Header) error {
	f := h.flagsFor(d.Tag)
	if err := writeUint(io, uint64(d.Tag), 1); err != nil {
		return err
	}
	if err := writeInt32(io, d.ModTime); err != nil {
		return err
	}
	if err := writeUint(io, uint64(d.Permissions), 2); err != nil {
		return err
	}
	if f&FlOwner != 0 {
		if err := writeVarint(io, uint64(d.User)); err != nil {
			return err
		}
		if err := writeVarint(io, uint64(d.Group)); err != nil {
			return err
		}
	}
	if err := writeVarint(io, uint64(d.Dev)); err != nil {
		return err
	}
	return writeString(io, d.Name)
}

// Filter is an include/exclude rule emitted ahead of the entries it governs,
// consumed by internal/pathfilter when building a rule list from a stream.
type Filter struct {
	Type    FilterType
	Pattern string
}

func (*Filter) RecordTag() Tag { return TagFilter }

func decodeFilter(io IO) (*Filter, error) {
	f := &Filter{}
	t, err := readUint(io, 1)
	if err != nil {
		return nil, err
	}
	f.Type = FilterType(t)
	if f.Pattern, err = readString(io); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Filter) Encode(io IO) error {
	if err := writeUint(io, uint64(TagFilter), 1); err != nil {
		return err
	}
	if err := writeUint(io, uint64(f.Type), 1); err != nil {
		return err
	}
	return writeString(io, f.Pattern)
}

// IDMap is a UidMap or GidMap record: maps a FileID recorded in the stream
// to a RealID meaningful on the consuming host, by Name for cross-host
// portability when the numeric ID spaces don't match.
type IDMap struct {
	Tag    Tag // TagUidMap or TagGidMap
	FileID uint32
	RealID uint32
	Name   string
}

func (m *IDMap) RecordTag() Tag { return m.Tag }

func decodeIDMap(io IO, h *Header, tag Tag) (*IDMap, error) {
	m := &IDMap{Tag: tag}
	var err error
	if m.FileID, err = readUint32Varint(io); err != nil {
		return nil, err
	}
	if h.flagsFor(tag)&FlRealID != 0 {
		if m.RealID, err = readUint32Varint(io); err != nil {
			return nil, err
		}
	}
	if m.Name, err = readString(io); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *IDMap) Encode(io IO, h *Header) error {
	if err := writeUint(io, uint64(m.Tag), 1); err != nil {
		return err
	}
	if err := writeVarint(io, uint64(m.FileID)); err != nil {
		return err
	}
	if h.flagsFor(m.Tag)&FlRealID != 0 {
		if err := writeVarint(io, uint64(m.RealID)); err != nil {
			return err
		}
	}
	return writeString(io, m.Name)
}

// Trailer closes the stream; Signature must match for the stream to be
// considered complete (an absent Trailer means a truncated stream even if
// the last record read cleanly).
type Trailer struct {
	Signature uint32
}

const TrailerSignature uint32 = 0x0BA87E79

func (*Trailer) RecordTag() Tag { return TagTrailer }

func decodeTrailer(io IO) (*Trailer, error) {
	v, err := readUint(io, 4)
	if err != nil {
		return nil, err
	}
	return &Trailer{Signature: uint32(v)}, nil
}

func (t *Trailer) Encode(io IO) error {
	if err := writeUint(io, uint64(TagTrailer), 1); err != nil {
		return err
	}
	return writeUint(io, uint64(t.Signature), 4)
}

// RSyncChecksum carries the rolling+strong block checksum table for the
// NormalFile or HardLink record immediately preceding it: BlockSize bytes
// per block, FileSize total, and a table of ceil(FileSize/BlockSize)
// 20-byte tuples (4-byte big-endian rolling checksum, 16-byte MD4 strong
// checksum) built by internal/rsync.
type RSyncChecksum struct {
	BlockSize uint64
	FileSize  uint64
	Sums      []byte // len == numBlocks(FileSize, BlockSize) * 20
}

func (*RSyncChecksum) RecordTag() Tag { return TagRSyncChecksum }

// NumBlocks returns the number of block tuples Sums should contain for the
// given file/block size, matching the original's ceil-division.
func NumBlocks(fileSize, blockSize uint64) uint64 {
	if blockSize == 0 {
		return 0
	}
	return (fileSize + blockSize - 1) / blockSize
}

func decodeRSyncChecksum(io IO) (*RSyncChecksum, error) {
	r := &RSyncChecksum{}
	var err error
	if r.BlockSize, err = readVarint(io); err != nil {
		return nil, err
	}
	if r.FileSize, err = readVarint(io); err != nil {
		return nil, err
	}
	n := NumBlocks(r.FileSize, r.BlockSize) * 20
	r.Sums = make([]byte, n)
	if n > 0 {
		if err := io.Read(r.Sums); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *RSyncChecksum) Encode(io IO) error {
	if err := writeUint(io, uint64(TagRSyncChecksum), 1); err != nil {
		return err
	}
	if err := writeVarint(io, r.BlockSize); err != nil {
		return err
	}
	if err := writeVarint(io, r.FileSize); err != nil {
		return err
	}
	if len(r.Sums) == 0 {
		return nil
	}
	return io.Write(r.Sums)
}

// AggregateFile names another list file that is joined logically with this
// one. This package only encodes and decodes the record; nothing in this
// module writes one or follows the name it carries.
type AggregateFile struct {
	File string
}

func (*AggregateFile) RecordTag() Tag { return TagAggregateFile }

func decodeAggregateFile(io IO) (*AggregateFile, error) {
	s, err := readString(io)
	if err != nil {
		return nil, err
	}
	return &AggregateFile{File: s}, nil
}

func (a *AggregateFile) Encode(io IO) error {
	if err := writeUint(io, uint64(TagAggregateFile), 1); err != nil {
		return err
	}
	return writeString(io, a.File)
}

// DirEnd and RSyncEnd carry no payload: the tag byte alone is the record.

type DirEnd struct{}

func (DirEnd) RecordTag() Tag { return TagDirEnd }

type RSyncEnd struct{}

func (RSyncEnd) RecordTag() Tag { return TagRSyncEnd }

func readUint32Varint(io IO) (uint32, error) {
	n, err := readVarint(io)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}
