package tunnel

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxRecordSize is the largest declared record length a peer will accept.
// A declared length above this is treated as a hostile or corrupted
// stream and terminates the connection.
const MaxRecordSize = 10 * 1024 * 1024 // 10 MiB

// writeRecord writes payload to w as a 4-byte big-endian length prefix
// followed by payload itself. Callers pass the already-encrypted record
// (iv || ciphertext); writeRecord never encrypts.
func writeRecord(w io.Writer, payload []byte) error {
	if len(payload) > MaxRecordSize {
		return ErrRecordTooLarge
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write record length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write record body: %w", err)
	}
	return nil
}

// readRecord reads one length-prefixed record from r, looping until the
// full declared length has been read or an error occurs. A length prefix
// declaring more than MaxRecordSize is a protocol violation.
func readRecord(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	declared := binary.BigEndian.Uint32(lenBuf[:])
	if declared > MaxRecordSize {
		return nil, &ProtocolError{Msg: fmt.Sprintf("declared record length %d exceeds maximum %d", declared, MaxRecordSize)}
	}

	payload := make([]byte, declared)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, &ProtocolError{Msg: "connection closed mid-record"}
		}
		return nil, fmt.Errorf("read record body: %w", err)
	}
	return payload, nil
}
