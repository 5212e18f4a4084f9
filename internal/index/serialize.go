package index

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/visiona/gatenode/internal/models"
)

// Snapshot binary format:
//
//	Header (16 bytes):
//	  Magic    (4 bytes) - "GNIX"
//	  Format   (4 bytes) - format version (currently 1)
//	  Checksum (4 bytes) - CRC32-IEEE of payload
//	  Length   (4 bytes) - payload length in bytes
//
//	Payload:
//	  StoreVersion (8)  - identity-store version the generation was built for
//	  Dim, M, EfConstruction, EfSearch (4 each)
//	  Seed (8), Entry (8, signed), MaxLevel (4), Count (4)
//	  Items[Count]:
//	    PersonID  - 2-byte length + bytes
//	    Vector    - Dim*4 bytes, little-endian float32
//	    Level (4), per-layer link count (4) + link ids (4 each)

var magic = [4]byte{'G', 'N', 'I', 'X'}

const formatVersion = 1

// ErrCorrupted is returned when a snapshot fails structural or checksum
// validation. Startup treats this as fatal.
var ErrCorrupted = errors.New("index snapshot corrupted")

// MarshalBinary serializes the index into an opaque snapshot blob.
func (x *Index) MarshalBinary() ([]byte, error) {
	var payload bytes.Buffer
	w := func(v any) {
		binary.Write(&payload, binary.LittleEndian, v) //nolint:errcheck // bytes.Buffer does not fail
	}

	w(x.version)
	w(uint32(x.opts.Dim))
	w(uint32(x.opts.M))
	w(uint32(x.opts.EfConstruction))
	w(uint32(x.opts.EfSearch))
	w(x.opts.Seed)
	w(int64(x.entry))
	w(uint32(x.maxLevel))
	w(uint32(len(x.items)))

	for i, it := range x.items {
		if len(it.personID) > 0xFFFF {
			return nil, fmt.Errorf("person id too long: %d bytes", len(it.personID))
		}
		w(uint16(len(it.personID)))
		payload.WriteString(it.personID)
		payload.Write(models.VectorToBytes(it.vec))

		n := x.nodes[i]
		w(uint32(n.level))
		for l := 0; l <= n.level; l++ {
			w(uint32(len(n.links[l])))
			for _, id := range n.links[l] {
				w(id)
			}
		}
	}

	var out bytes.Buffer
	out.Write(magic[:])
	binary.Write(&out, binary.LittleEndian, uint32(formatVersion))             //nolint:errcheck
	binary.Write(&out, binary.LittleEndian, crc32.ChecksumIEEE(payload.Bytes())) //nolint:errcheck
	binary.Write(&out, binary.LittleEndian, uint32(payload.Len()))             //nolint:errcheck
	out.Write(payload.Bytes())
	return out.Bytes(), nil
}

// UnmarshalBinary reconstructs an index from a snapshot blob. Any
// structural or checksum mismatch returns ErrCorrupted.
func UnmarshalBinary(data []byte) (*Index, error) {
	if len(data) < 16 || !bytes.Equal(data[:4], magic[:]) {
		return nil, fmt.Errorf("%w: bad header", ErrCorrupted)
	}
	format := binary.LittleEndian.Uint32(data[4:8])
	if format != formatVersion {
		return nil, fmt.Errorf("%w: unsupported format %d", ErrCorrupted, format)
	}
	checksum := binary.LittleEndian.Uint32(data[8:12])
	length := binary.LittleEndian.Uint32(data[12:16])
	payload := data[16:]
	if uint32(len(payload)) != length {
		return nil, fmt.Errorf("%w: truncated payload", ErrCorrupted)
	}
	if crc32.ChecksumIEEE(payload) != checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupted)
	}

	r := bytes.NewReader(payload)
	rd := func(v any) error {
		return binary.Read(r, binary.LittleEndian, v)
	}

	x := &Index{}
	var dim, m, efc, efs, maxLevel, count uint32
	var entry int64
	if err := firstErr(
		rd(&x.version), rd(&dim), rd(&m), rd(&efc), rd(&efs),
		rd(&x.opts.Seed), rd(&entry), rd(&maxLevel), rd(&count),
	); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	x.opts.Dim = int(dim)
	x.opts.M = int(m)
	x.opts.EfConstruction = int(efc)
	x.opts.EfSearch = int(efs)
	x.entry = int(entry)
	x.maxLevel = int(maxLevel)

	x.items = make([]item, count)
	x.nodes = make([]node, count)
	vecBuf := make([]byte, dim*4)
	for i := uint32(0); i < count; i++ {
		var idLen uint16
		if err := rd(&idLen); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		idBytes := make([]byte, idLen)
		if _, err := io.ReadFull(r, idBytes); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		if _, err := io.ReadFull(r, vecBuf); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		vec, err := models.BytesToVector(vecBuf, int(dim))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		x.items[i] = item{personID: string(idBytes), vec: vec}

		var level uint32
		if err := rd(&level); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		n := node{level: int(level), links: make([][]uint32, level+1)}
		for l := uint32(0); l <= level; l++ {
			var linkCount uint32
			if err := rd(&linkCount); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
			}
			if linkCount > count {
				return nil, fmt.Errorf("%w: link count %d exceeds item count", ErrCorrupted, linkCount)
			}
			links := make([]uint32, linkCount)
			for j := range links {
				if err := rd(&links[j]); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
				}
				if links[j] >= count {
					return nil, fmt.Errorf("%w: link id %d out of range", ErrCorrupted, links[j])
				}
			}
			n.links[l] = links
		}
		x.nodes[i] = n
	}
	if x.entry >= len(x.items) {
		return nil, fmt.Errorf("%w: entry point out of range", ErrCorrupted)
	}
	return x, nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
