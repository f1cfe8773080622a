package plist

import (
	"encoding/binary"
	"fmt"

	apperrors "github.com/Adithya-Monish-Kumar-K/plistore/pkg/errors"
)

// Record layout, little-endian:
//
//	flags        1 byte   bit 0 set on the first block of a list
//	list header 24 bytes  only when bit 0 is set
//	block header 16 bytes
//	body         BodySize bytes
const (
	flagsSize       = 1
	ListHeaderSize  = 24
	BlockHeaderSize = 16
	KeySize         = 8

	// MinBlockSize is the size of an encoded non-first block with no body.
	MinBlockSize = flagsSize + BlockHeaderSize

	flagFirst  byte = 1 << 0
	knownFlags      = flagFirst
)

// ListHeader is the per-list summary stored with block 0.
type ListHeader struct {
	BlockCount  uint32
	RecordCount uint64
	ByteCount   uint64
	// MaxFID is maintained by the matching collaborator; the engine only
	// persists it and keeps the maximum when lists are merged.
	MaxFID uint32
}

// BlockHeader describes one block of a list.
type BlockHeader struct {
	ID          uint32
	BodySize    uint32
	RecordCount uint32
	MaxFID      uint32
	First       bool
}

// Block is a decoded block record. List is set only on the first block.
type Block struct {
	List   *ListHeader
	Header *BlockHeader
	Body   []byte
}

// IsNull reports whether the block carries nothing at all.
func (b Block) IsNull() bool {
	return b.List == nil && b.Header == nil && b.Body == nil
}

// BlockKey returns the collection key of a block: the big-endian list id
// followed by the big-endian block id, so keys sort by list then block.
func BlockKey(listID, blockID uint32) []byte {
	key := make([]byte, KeySize)
	binary.BigEndian.PutUint32(key[0:4], listID)
	binary.BigEndian.PutUint32(key[4:8], blockID)
	return key
}

// ParseBlockKey splits a key produced by BlockKey.
func ParseBlockKey(key []byte) (listID, blockID uint32, ok bool) {
	if len(key) != KeySize {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32(key[0:4]), binary.BigEndian.Uint32(key[4:8]), true
}

// Encode serialises a block. A non-nil list header marks the block as the
// first of its list and is only valid on block 0. The returned header has
// BodySize and First set to match what was encoded.
func Encode(list *ListHeader, hdr BlockHeader, body []byte) ([]byte, BlockHeader, error) {
	if list != nil && hdr.ID != 0 {
		return nil, hdr, fmt.Errorf("%w: list header on block %d", apperrors.ErrInvariantViolation, hdr.ID)
	}
	hdr.BodySize = uint32(len(body))
	hdr.First = list != nil

	size := flagsSize + BlockHeaderSize + len(body)
	if list != nil {
		size += ListHeaderSize
	}
	buf := make([]byte, size)
	off := 0
	if hdr.First {
		buf[0] = flagFirst
	}
	off += flagsSize
	if list != nil {
		putListHeader(buf[off:], *list)
		off += ListHeaderSize
	}
	putBlockHeader(buf[off:], hdr)
	off += BlockHeaderSize
	copy(buf[off:], body)
	return buf, hdr, nil
}

// Decode parses a block record. The returned body aliases raw.
func Decode(raw []byte) (Block, error) {
	blk, off, err := decodeHeaders(raw)
	if err != nil {
		return Block{}, err
	}
	if rest := len(raw) - off; rest != int(blk.Header.BodySize) {
		return Block{}, fmt.Errorf("%w: block %d declares %d body bytes, %d present",
			apperrors.ErrCorruptBlock, blk.Header.ID, blk.Header.BodySize, rest)
	}
	blk.Body = raw[off:]
	return blk, nil
}

// DecodeHeader parses only the headers of a block record, without checking
// the body length.
func DecodeHeader(raw []byte) (*ListHeader, BlockHeader, error) {
	blk, _, err := decodeHeaders(raw)
	if err != nil {
		return nil, BlockHeader{}, err
	}
	return blk.List, *blk.Header, nil
}

func decodeHeaders(raw []byte) (Block, int, error) {
	if len(raw) < MinBlockSize {
		return Block{}, 0, fmt.Errorf("%w: %d bytes, need at least %d",
			apperrors.ErrCorruptBlock, len(raw), MinBlockSize)
	}
	flags := raw[0]
	if flags&^knownFlags != 0 {
		return Block{}, 0, fmt.Errorf("%w: unknown flags %#x", apperrors.ErrCorruptBlock, flags)
	}
	off := flagsSize
	var blk Block
	if flags&flagFirst != 0 {
		if len(raw) < MinBlockSize+ListHeaderSize {
			return Block{}, 0, fmt.Errorf("%w: first block of %d bytes, need at least %d",
				apperrors.ErrCorruptBlock, len(raw), MinBlockSize+ListHeaderSize)
		}
		lh := readListHeader(raw[off:])
		blk.List = &lh
		off += ListHeaderSize
	}
	hdr := readBlockHeader(raw[off:])
	hdr.First = blk.List != nil
	if hdr.First && hdr.ID != 0 {
		return Block{}, 0, fmt.Errorf("%w: first-block flag on block %d", apperrors.ErrCorruptBlock, hdr.ID)
	}
	blk.Header = &hdr
	off += BlockHeaderSize
	return blk, off, nil
}

func putListHeader(b []byte, h ListHeader) {
	binary.LittleEndian.PutUint32(b[0:4], h.BlockCount)
	binary.LittleEndian.PutUint64(b[4:12], h.RecordCount)
	binary.LittleEndian.PutUint64(b[12:20], h.ByteCount)
	binary.LittleEndian.PutUint32(b[20:24], h.MaxFID)
}

func readListHeader(b []byte) ListHeader {
	return ListHeader{
		BlockCount:  binary.LittleEndian.Uint32(b[0:4]),
		RecordCount: binary.LittleEndian.Uint64(b[4:12]),
		ByteCount:   binary.LittleEndian.Uint64(b[12:20]),
		MaxFID:      binary.LittleEndian.Uint32(b[20:24]),
	}
}

func putBlockHeader(b []byte, h BlockHeader) {
	binary.LittleEndian.PutUint32(b[0:4], h.ID)
	binary.LittleEndian.PutUint32(b[4:8], h.BodySize)
	binary.LittleEndian.PutUint32(b[8:12], h.RecordCount)
	binary.LittleEndian.PutUint32(b[12:16], h.MaxFID)
}

func readBlockHeader(b []byte) BlockHeader {
	return BlockHeader{
		ID:          binary.LittleEndian.Uint32(b[0:4]),
		BodySize:    binary.LittleEndian.Uint32(b[4:8]),
		RecordCount: binary.LittleEndian.Uint32(b[8:12]),
		MaxFID:      binary.LittleEndian.Uint32(b[12:16]),
	}
}
