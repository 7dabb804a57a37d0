// Package wire defines the binary snapshot format.
//
// A buffer is a fixed header followed by a body:
//
//	magic(4) "BRNF" | version(4, little endian) | flags(4, little endian) | body
//
// The body is a sequence of protobuf-wire sections (code, frame, module).
// Each section is optional on the wire; readers check presence before use.
// When FlagCompressed is set the body is zstd compressed.
//
// Values inside sections are opaque byte payloads produced by an object
// codec. This package never interprets them.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("brine.wire")

// ---------------------------------------------------------------------------
// Format constants
// ---------------------------------------------------------------------------

// Magic identifies a brine frame snapshot.
var Magic = [4]byte{'B', 'R', 'N', 'F'}

// Version is the current format version.
// v1: initial format
const Version uint32 = 1

// HeaderSize is magic(4) + version(4) + flags(4).
const HeaderSize = 12

// Header flags
const (
	FlagNone       uint32 = 0
	FlagCompressed uint32 = 1 << 0 // body is zstd compressed
)

// DefaultSizeHint is the initial buffer capacity when none is given.
const DefaultSizeHint = 1024

var (
	ErrInvalidMagic    = errors.New("wire: invalid magic number: expected BRNF")
	ErrVersionMismatch = errors.New("wire: snapshot version mismatch")
	ErrCorruptHeader   = errors.New("wire: corrupt snapshot header")
	ErrCorruptData     = errors.New("wire: corrupt snapshot data")
	ErrMissingSection  = errors.New("wire: required section missing")
)

// MaxDecodedSize bounds the decompressed body of a snapshot.
const MaxDecodedSize = 256 << 20

var (
	// encoder and decoder for zstd are reusable and thread-safe
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder    = newDecoder(MaxDecodedSize)
)

func newDecoder(limit uint64) *zstd.Decoder {
	d, _ := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(limit))
	return d
}

// Header is the parsed fixed header.
type Header struct {
	Version uint32
	Flags   uint32
}

// Compressed reports whether the body is compressed.
func (h Header) Compressed() bool { return h.Flags&FlagCompressed != 0 }

// ---------------------------------------------------------------------------
// Snapshot: the decoded section set
// ---------------------------------------------------------------------------

// Snapshot is the content of one buffer. Code and Frame are required;
// Module is present only when module source was captured.
type Snapshot struct {
	Code   *Code
	Frame  *Frame
	Module *Module
}

// Options control encoding.
type Options struct {
	// SizeHint is the initial capacity of the output buffer. Zero means
	// DefaultSizeHint.
	SizeHint int
	// Compress zstd-compresses the body.
	Compress bool
}

// Marshal encodes s into a new buffer.
func Marshal(s *Snapshot, opts Options) ([]byte, error) {
	if s.Code == nil || s.Frame == nil {
		return nil, fmt.Errorf("%w: snapshot needs code and frame", ErrMissingSection)
	}
	hint := opts.SizeHint
	if hint <= 0 {
		hint = DefaultSizeHint
	}

	body := make([]byte, 0, hint)
	body = appendMessage(body, fieldCode, s.Code.append(nil))
	body = appendMessage(body, fieldFrame, s.Frame.append(nil))
	if s.Module != nil {
		body = appendMessage(body, fieldModule, s.Module.append(nil))
	}

	flags := FlagNone
	if opts.Compress {
		flags |= FlagCompressed
		body = zstdEncoder.EncodeAll(body, make([]byte, 0, len(body)))
	}

	out := make([]byte, HeaderSize, HeaderSize+len(body))
	copy(out, Magic[:])
	binary.LittleEndian.PutUint32(out[4:], Version)
	binary.LittleEndian.PutUint32(out[8:], flags)
	out = append(out, body...)
	log.Debugf("encoded snapshot %s: %d bytes (flags %#x)", s.Code.Name, len(out), flags)
	return out, nil
}

// ReadHeader parses and validates the fixed header.
func ReadHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrCorruptHeader, len(data))
	}
	if [4]byte(data[:4]) != Magic {
		return Header{}, ErrInvalidMagic
	}
	h := Header{
		Version: binary.LittleEndian.Uint32(data[4:]),
		Flags:   binary.LittleEndian.Uint32(data[8:]),
	}
	if h.Version != Version {
		return h, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, h.Version, Version)
	}
	if h.Flags&^FlagCompressed != 0 {
		return h, fmt.Errorf("%w: unknown flags %#x", ErrCorruptHeader, h.Flags)
	}
	return h, nil
}

// Unmarshal decodes a buffer produced by Marshal.
func Unmarshal(data []byte) (*Snapshot, error) {
	return unmarshal(data, zstdDecoder)
}

func unmarshal(data []byte, dec *zstd.Decoder) (*Snapshot, error) {
	h, err := ReadHeader(data)
	if err != nil {
		return nil, err
	}
	body := data[HeaderSize:]
	if h.Compressed() {
		body, err = dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress: %v", ErrCorruptData, err)
		}
	}

	s := &Snapshot{}
	err = walk(body, func(num fieldNum, v field) error {
		switch num {
		case fieldCode:
			c, err := parseCode(v.bytes)
			if err != nil {
				return err
			}
			s.Code = c
		case fieldFrame:
			f, err := parseFrame(v.bytes)
			if err != nil {
				return err
			}
			s.Frame = f
		case fieldModule:
			m, err := parseModule(v.bytes)
			if err != nil {
				return err
			}
			s.Module = m
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.Code == nil {
		return nil, fmt.Errorf("%w: code", ErrMissingSection)
	}
	if s.Frame == nil {
		return nil, fmt.Errorf("%w: frame", ErrMissingSection)
	}
	log.Debugf("decoded snapshot %s (module section %v)", s.Code.Name, s.Module != nil)
	return s, nil
}
