package flist

import "golang.org/x/xerrors"

// Reader sequentially decodes records from an IO stream. Unlike the
// original C++ dsFList, which kept the "last symlink target" and header in
// mutable global-ish IO state, a Reader owns that state itself: two Readers,
// each over its own IO (as internal/multiroot creates, one per root), never
// interfere with each other.
type Reader struct {
	io          IO
	Header      *Header
	lastSymlink string
}

// NewReader constructs a Reader and immediately reads the stream's Header,
// which every valid stream must start with.
func NewReader(io IO) (*Reader, error) {
	tag, err := readUint(io, 1)
	if err != nil {
		return nil, err
	}
	if Tag(tag) != TagHeader {
		off, _ := io.Tell()
		return nil, &FormatError{Tag: Tag(tag), Offset: off, Reason: "stream does not start with a header"}
	}
	h, err := readHeader(io)
	if err != nil {
		return nil, err
	}
	return &Reader{io: io, Header: h}, nil
}

// Tell reports the current byte offset in the underlying stream.
func (r *Reader) Tell() (uint64, error) {
	return r.io.Tell()
}

// SeekTo repositions the stream at a byte offset previously obtained from
// Tell (typically via an internal/index Offsets map). Symlink-compression
// state is not reset: callers that seek into the middle of a directory
// should not expect to decode a Symlink record correctly unless the index
// was built to only ever point at directory-start boundaries, where no
// preceding symlink compression state is assumed by the writer either.
func (r *Reader) SeekTo(pos uint64) error {
	return r.io.Seek(pos)
}

// Next decodes the next record, returning its tag and the typed record
// value. It returns errors from the underlying IO (io.EOF at the end of the
// stream) unmodified. An unrecognized tag yields an *ErrUnknownTag; an
// over-long string or varint yields a plain error, not a *FormatError. Any
// error means the stream must be abandoned — there is no partial-record
// recovery.
func (r *Reader) Next() (Tag, Record, error) {
	tagByte, err := readUint(r.io, 1)
	if err != nil {
		return 0, nil, err
	}
	tag := Tag(tagByte)
	switch tag {
	case TagDirMarker, TagDirStart, TagDirectory:
		rec, err := decodeDirectory(r.io, r.Header, tag)
		if err != nil {
			return tag, nil, err
		}
		return tag, rec, nil

	case TagNormalFile:
		rec, err := decodeNormalFile(r.io, r.Header, tag)
		if err != nil {
			return tag, nil, err
		}
		return tag, rec, nil

	case TagSymlink:
		rec, err := decodeSymlink(r.io, r.Header, tag, r.lastSymlink)
		if err != nil {
			return tag, nil, err
		}
		r.lastSymlink = rec.To
		return tag, rec, nil

	case TagDeviceSpecial:
		rec, err := decodeDeviceSpecial(r.io, r.Header, tag)
		if err != nil {
			return tag, nil, err
		}
		return tag, rec, nil

	case TagFilter:
		rec, err := decodeFilter(r.io)
		if err != nil {
			return tag, nil, err
		}
		return tag, rec, nil

	case TagUidMap, TagGidMap:
		rec, err := decodeIDMap(r.io, r.Header, tag)
		if err != nil {
			return tag, nil, err
		}
		return tag, rec, nil

	case TagHardLink:
		rec, err := decodeHardLink(r.io, r.Header, tag)
		if err != nil {
			return tag, nil, err
		}
		return tag, rec, nil

	case TagTrailer:
		rec, err := decodeTrailer(r.io)
		if err != nil {
			return tag, nil, err
		}
		return tag, rec, nil

	case TagRSyncChecksum:
		rec, err := decodeRSyncChecksum(r.io)
		if err != nil {
			return tag, nil, err
		}
		return tag, rec, nil

	case TagAggregateFile:
		rec, err := decodeAggregateFile(r.io)
		if err != nil {
			return tag, nil, err
		}
		return tag, rec, nil

	case TagDirEnd:
		return tag, DirEnd{}, nil

	case TagRSyncEnd:
		return tag, RSyncEnd{}, nil

	default:
		off, _ := r.io.Tell()
		return tag, nil, &ErrUnknownTag{Tag: byte(tag), Offset: off}
	}
}

// Writer sequentially encodes records to an IO stream, mirroring Reader's
// per-stream symlink-compression state.
type Writer struct {
	io          IO
	Header      *Header
	lastSymlink string
	wroteHeader bool
}

// NewWriter constructs a Writer bound to header; the header is written
// immediately so every subsequent record can consult its flags.
func NewWriter(io IO, h *Header) (*Writer, error) {
	if err := h.write(io); err != nil {
		return nil, err
	}
	return &Writer{io: io, Header: h, wroteHeader: true}, nil
}

// WriteRecord encodes rec according to its dynamic type. Symlink records are
// compressed against the previously written symlink target.
func (w *Writer) WriteRecord(rec Record) error {
	switch v := rec.(type) {
	case *Directory:
		return v.Encode(w.io, w.Header)
	case *NormalFile:
		return v.Encode(w.io, w.Header)
	case *HardLink:
		return v.Encode(w.io, w.Header)
	case *Symlink:
		if err := encodeSymlink(w.io, w.Header, v, w.lastSymlink); err != nil {
			return err
		}
		w.lastSymlink = v.To
		return nil
	case *DeviceSpecial:
		return v.Encode(w.io, w.Header)
	case *Filter:
		return v.Encode(w.io)
	case *IDMap:
		return v.Encode(w.io, w.Header)
	case *Trailer:
		return v.Encode(w.io)
	case *RSyncChecksum:
		return v.Encode(w.io)
	case *AggregateFile:
		return v.Encode(w.io)
	case DirEnd:
		return writeUint(w.io, uint64(TagDirEnd), 1)
	case RSyncEnd:
		return writeUint(w.io, uint64(TagRSyncEnd), 1)
	default:
		return xerrors.Errorf("flist: unencodable record type %T", rec)
	}
}
