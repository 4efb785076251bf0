package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/pkg/errors"
)

// ScanResult is a single framed entry plus its byte offset, returned while
// scanning a WAL file.
type ScanResult struct {
	Offset int64
	Entry  Entry
}

// Scan reads every valid frame in path, in file order, calling visit for
// each. A CRC mismatch or truncated frame at the
// very end of the file is a clean stop (everything before is authoritative,
// Truncated is returned true); the same failure with readable data after it
// is interior corruption and Scan returns a fatal error.
func Scan(path string, maxEntrySize int, visit func(ScanResult) error) (truncated bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "open WAL for scan")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, errors.Wrap(err, "stat WAL for scan")
	}
	size := info.Size()

	if size < headerSize {
		if size == 0 {
			return false, nil
		}
		return true, nil
	}

	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return false, errors.Wrap(err, "read WAL header")
	}
	if err := parseHeader(hdr); err != nil {
		return false, err
	}

	offset := int64(headerSize)
	for offset < size {
		lenBuf := make([]byte, 4)
		n, err := io.ReadFull(f, lenBuf)
		if err != nil || n < 4 {
			// Can't even read a length prefix: tail truncation.
			return true, nil
		}
		payloadLen := binary.LittleEndian.Uint32(lenBuf)
		if int(payloadLen) > maxEntrySize {
			// A bogus huge length can only mean a corrupt frame; if it's
			// the last thing in the file treat it as a truncated tail,
			// otherwise it's interior corruption.
			if offset+4 >= size {
				return true, nil
			}
			return false, ErrEntryTooLarge
		}

		rest := make([]byte, int(payloadLen)+4)
		if _, err := io.ReadFull(f, rest); err != nil {
			// Incomplete payload/crc: tail truncation.
			return true, nil
		}

		payload := rest[:payloadLen]
		crcBytes := rest[payloadLen:]
		expected := binary.LittleEndian.Uint32(crcBytes)
		if crc32.ChecksumIEEE(payload) != expected {
			frameEnd := offset + 4 + int64(payloadLen) + 4
			if frameEnd >= size {
				// Last frame in the file is corrupt: clean tail stop.
				return true, nil
			}
			return false, ErrChecksumMismatch
		}

		entry, err := decodeEntry(payload)
		if err != nil {
			return false, errors.Wrap(err, "decode WAL entry")
		}

		if err := visit(ScanResult{Offset: offset, Entry: entry}); err != nil {
			return false, err
		}

		offset += 4 + int64(payloadLen) + 4
	}

	return false, nil
}
