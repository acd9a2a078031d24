// Package cache implements the two persistent caches described in spec
// §4.B/§4.C: the file fingerprint database and the command result
// database. Both share one on-disk record framing, implemented here.
package cache

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/nativebuild/sw/errs"
	"golang.org/x/xerrors"
)

// readRecords reads length-prefixed records from r, invoking fn for each
// complete one. A trailing incomplete record (a torn write, per spec §4.B
// step 2) stops reading cleanly without error.
func readRecords(r io.Reader, fn func(body []byte) error) error {
	br := bufio.NewReader(r)
	for {
		var length uint64
		if err := binary.Read(br, binary.LittleEndian, &length); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil // clean EOF or torn length field: stop, not an error
			}
			return err
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(br, body); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil // torn record body: stop, not an error
			}
			return err
		}
		if err := fn(body); err != nil {
			return err
		}
	}
}

// writeRecord writes body to w framed with its little-endian u64 length
// prefix.
func writeRecord(w io.Writer, body []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(body))); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// errCorrupt wraps errs.ErrCorruptDb with path context; kept unexported
// since filedb.go and cmddb.go both need identical wording.
func errCorrupt(path string, cause error) error {
	return xerrors.Errorf("%s: %w: %v", path, errs.ErrCorruptDb, cause)
}
