package endpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/fr13n8/connmux/config"
	"github.com/multiformats/go-varint"
)

const lengthHeaderSize = 4

// Codec splits a byte stream into frames and builds frames for sending.
type Codec interface {
	// Decode returns the first complete frame in src and the number of bytes
	// it occupies. It returns ErrNeedMore when src holds a partial frame.
	Decode(src []byte) (frame []byte, n int, err error)
	Encode(payload []byte) ([]byte, error)
}

// LengthPrefixCodec frames payloads behind a 4-byte unsigned length.
type LengthPrefixCodec struct {
	Order binary.ByteOrder
	// LengthIncludesHeader means the prefix counts its own four bytes.
	LengthIncludesHeader bool
	// IncludeHeader makes Decode return the prefix with the payload.
	IncludeHeader bool
	// MaxFrameSize bounds the payload; zero means no bound beyond uint32.
	MaxFrameSize uint32
}

func (c LengthPrefixCodec) order() binary.ByteOrder {
	if c.Order == nil {
		return binary.BigEndian
	}
	return c.Order
}

func (c LengthPrefixCodec) Decode(src []byte) ([]byte, int, error) {
	if len(src) < lengthHeaderSize {
		return nil, 0, ErrNeedMore
	}

	length := uint64(c.order().Uint32(src))
	total := length + lengthHeaderSize
	if c.LengthIncludesHeader {
		if length < lengthHeaderSize {
			return nil, 0, fmt.Errorf("%w: length %d is shorter than its header", ErrInvalidFrame, length)
		}
		total = length
	}
	if payload := total - lengthHeaderSize; c.MaxFrameSize > 0 && payload > uint64(c.MaxFrameSize) {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, payload)
	}
	if uint64(len(src)) < total {
		return nil, 0, ErrNeedMore
	}

	if c.IncludeHeader {
		return src[:total], int(total), nil
	}
	return src[lengthHeaderSize:total], int(total), nil
}

func (c LengthPrefixCodec) Encode(payload []byte) ([]byte, error) {
	length := uint64(len(payload))
	if c.MaxFrameSize > 0 && length > uint64(c.MaxFrameSize) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	if c.LengthIncludesHeader {
		length += lengthHeaderSize
	}
	if length > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	frame := make([]byte, lengthHeaderSize, lengthHeaderSize+len(payload))
	c.order().PutUint32(frame, uint32(length))
	return append(frame, payload...), nil
}

// VarintCodec frames payloads behind an unsigned varint length.
type VarintCodec struct {
	IncludeHeader bool
	MaxFrameSize  uint32
}

func (c VarintCodec) Decode(src []byte) ([]byte, int, error) {
	length, hdr, err := varint.FromUvarint(src)
	if err != nil {
		if errors.Is(err, varint.ErrUnderflow) {
			return nil, 0, ErrNeedMore
		}
		return nil, 0, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	if c.MaxFrameSize > 0 && length > uint64(c.MaxFrameSize) {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	total := uint64(hdr) + length
	if uint64(len(src)) < total {
		return nil, 0, ErrNeedMore
	}

	if c.IncludeHeader {
		return src[:total], int(total), nil
	}
	return src[hdr:total], int(total), nil
}

func (c VarintCodec) Encode(payload []byte) ([]byte, error) {
	if c.MaxFrameSize > 0 && uint64(len(payload)) > uint64(c.MaxFrameSize) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	frame := make([]byte, 0, varint.UvarintSize(uint64(len(payload)))+len(payload))
	frame = append(frame, varint.ToUvarint(uint64(len(payload)))...)
	return append(frame, payload...), nil
}

// NewCodec builds the codec described by cfg. FrameNone yields a nil codec.
func NewCodec(cfg config.Framing) (Codec, error) {
	switch cfg.Kind {
	case config.FrameNone, "":
		return nil, nil
	case config.FrameLength:
		var order binary.ByteOrder = binary.BigEndian
		if cfg.Order == config.NativeOrder {
			order = binary.NativeEndian
		}
		return LengthPrefixCodec{
			Order:                order,
			LengthIncludesHeader: cfg.LengthIncludesHeader,
			IncludeHeader:        cfg.IncludeHeader,
			MaxFrameSize:         cfg.MaxFrameSize,
		}, nil
	case config.FrameVarint:
		return VarintCodec{
			IncludeHeader: cfg.IncludeHeader,
			MaxFrameSize:  cfg.MaxFrameSize,
		}, nil
	default:
		return nil, fmt.Errorf("unknown framing %q", cfg.Kind)
	}
}
