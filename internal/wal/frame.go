package wal

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"hash/crc32"

	"github.com/pkg/errors"
)

// Header is the fixed 16-byte prefix of every WAL file:
// magic(10) || format_version(u16 LE) || reserved(4).
var magic = [10]byte{'S', 'U', 'B', 'S', 'T', 'R', 'A', 'T', 'E', 0}

const formatVersion uint16 = 1
const headerSize = 10 + 2 + 4

// DefaultMaxEntrySize caps a single frame's payload; an entry larger than
// this is malformed on read.
const DefaultMaxEntrySize = 100 * 1024 * 1024

const defaultMaxEntrySize = DefaultMaxEntrySize

func writeHeader(w func([]byte) (int, error)) error {
	buf := make([]byte, headerSize)
	copy(buf[0:10], magic[:])
	binary.LittleEndian.PutUint16(buf[10:12], formatVersion)
	_, err := w(buf)
	return err
}

func parseHeader(buf []byte) error {
	if len(buf) < headerSize {
		return errors.Wrap(ErrCorruptHeader, "short header")
	}
	if !bytes.Equal(buf[0:10], magic[:]) {
		return ErrBadMagic
	}
	version := binary.LittleEndian.Uint16(buf[10:12])
	if version != formatVersion {
		return ErrUnsupportedVersion
	}
	return nil
}

// encodeEntry gob-encodes an Entry's payload bytes (without framing).
func encodeEntry(e Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, errors.Wrap(err, "gob encode WAL entry")
	}
	return buf.Bytes(), nil
}

// decodeEntry is the inverse of encodeEntry.
func decodeEntry(payload []byte) (Entry, error) {
	var e Entry
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&e); err != nil {
		return Entry{}, errors.Wrap(err, "gob decode WAL entry")
	}
	return e, nil
}

// frameEntry produces the on-disk frame: length(u32 LE) || payload || crc32(u32 LE).
func frameEntry(payload []byte) []byte {
	frame := make([]byte, 4+len(payload)+4)
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	copy(frame[4:4+len(payload)], payload)
	sum := crc32.ChecksumIEEE(payload)
	binary.LittleEndian.PutUint32(frame[4+len(payload):], sum)
	return frame
}
