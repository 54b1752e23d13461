package flist

import "golang.org/x/xerrors"

// Signature is the fixed magic value every stream starts with, written as
// the first four bytes of the Header record.
const Signature uint32 = 0x097E78AB

const (
	MajorVersion uint16 = 1
	MinorVersion uint16 = 0
)

// Header is always the first record in a stream. Flags[tag] is the
// authoritative source of which optional fields a record of that tag
// carries in this particular stream; decoders must consult it rather than
// assume a fixed layout.
type Header struct {
	Signature    uint32
	MajorVersion uint16
	MinorVersion uint16

	// Epoch is the reference time mtime deltas are stored against.
	Epoch uint64

	// Flags holds one optional-field bitmask per tag. Only entries up to
	// maxTags are retained; a writer presenting more is a bug in this
	// package, not a wire-format requirement (the original format allows
	// it, reserved for tags this implementation doesn't define).
	Flags [maxTags]uint32
}

// NewHeader returns a Header with the current signature/version and the
// given epoch, flags zeroed.
func NewHeader(epoch uint64) *Header {
	return &Header{
		Signature:    Signature,
		MajorVersion: MajorVersion,
		MinorVersion: MinorVersion,
		Epoch:        epoch,
	}
}

func readHeader(io IO) (*Header, error) {
	h := &Header{}
	sig, err := readUint(io, 4)
	if err != nil {
		return nil, err
	}
	h.Signature = uint32(sig)
	if h.Signature != Signature {
		off, _ := io.Tell()
		return nil, &FormatError{Tag: TagHeader, Offset: off, Reason: "bad signature"}
	}
	maj, err := readUint(io, 2)
	if err != nil {
		return nil, err
	}
	h.MajorVersion = uint16(maj)
	min, err := readUint(io, 2)
	if err != nil {
		return nil, err
	}
	h.MinorVersion = uint16(min)
	if h.Epoch, err = readVarint(io); err != nil {
		return nil, err
	}
	flagCountU, err := readUint(io, 1)
	if err != nil {
		return nil, err
	}
	flagCount := int(flagCountU)
	for i := 0; i < flagCount; i++ {
		v, err := readUint(io, 4)
		if err != nil {
			return nil, err
		}
		if i < maxTags {
			h.Flags[i] = uint32(v)
		}
		// Entries beyond maxTags are reserved-tag flag words this
		// implementation doesn't know about; skip without error, matching
		// the permissive flag-array trailer the format allows.
	}
	return h, nil
}

func (h *Header) write(io IO) error {
	if err := writeUint(io, uint64(TagHeader), 1); err != nil {
		return err
	}
	if err := writeUint(io, uint64(h.Signature), 4); err != nil {
		return err
	}
	if err := writeUint(io, uint64(h.MajorVersion), 2); err != nil {
		return err
	}
	if err := writeUint(io, uint64(h.MinorVersion), 2); err != nil {
		return err
	}
	if err := writeVarint(io, h.Epoch); err != nil {
		return err
	}
	if err := writeUint(io, uint64(maxTags), 1); err != nil {
		return err
	}
	for i := 0; i < maxTags; i++ {
		if err := writeUint(io, uint64(h.Flags[i]), 4); err != nil {
			return err
		}
	}
	return nil
}

// flagsFor returns the optional-field bitmask for tag, or 0 if tag is out of
// range (never true for a Header this package wrote, but defensive against
// a hand-built Header passed to Encode).
func (h *Header) flagsFor(t Tag) uint32 {
	if int(t) < 0 || int(t) >= maxTags {
		return 0
	}
	return h.Flags[t]
}

// SetFlags records which optional fields tag's records will carry in this
// stream. Call before writing the Header.
func (h *Header) SetFlags(t Tag, flags uint32) error {
	if int(t) >= maxTags {
		return xerrors.Errorf("flist: tag %s out of range for header flags", t)
	}
	h.Flags[t] = flags
	return nil
}
