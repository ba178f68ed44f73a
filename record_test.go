package tunnel

import (
	"bytes"
	"io"
	"testing"
)

func TestWriteReadRecordRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello tunnel")
	if err := writeRecord(&buf, payload); err != nil {
		t.Fatalf("writeRecord: %v", err)
	}
	got, err := readRecord(&buf)
	if err != nil {
		t.Fatalf("readRecord: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestReadRecordEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := writeRecord(&buf, nil); err != nil {
		t.Fatalf("writeRecord: %v", err)
	}
	got, err := readRecord(&buf)
	if err != nil {
		t.Fatalf("readRecord: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(got))
	}
}

func TestReadRecordRejectsOversizeDeclaration(t *testing.T) {
	var buf bytes.Buffer
	lenBuf := []byte{0xFF, 0xFF, 0xFF, 0xFF} // declares ~4GiB
	buf.Write(lenBuf)
	_, err := readRecord(&buf)
	if err == nil {
		t.Fatal("expected error for oversize declared length")
	}
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("expected *ProtocolError, got %T", err)
	}
}

func TestReadRecordHandlesPartialReads(t *testing.T) {
	var buf bytes.Buffer
	payload := bytes.Repeat([]byte("z"), 70000) // spans many typical read buffer sizes
	if err := writeRecord(&buf, payload); err != nil {
		t.Fatalf("writeRecord: %v", err)
	}
	r := &slowReader{r: &buf, chunk: 17}
	got, err := readRecord(r)
	if err != nil {
		t.Fatalf("readRecord: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload corrupted across partial reads")
	}
}

func TestReadRecordTruncatedStreamIsProtocolError(t *testing.T) {
	var buf bytes.Buffer
	if err := writeRecord(&buf, []byte("truncated")); err != nil {
		t.Fatalf("writeRecord: %v", err)
	}
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-3])
	_, err := readRecord(truncated)
	if err == nil {
		t.Fatal("expected error for truncated record body")
	}
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("expected *ProtocolError, got %T: %v", err, err)
	}
}

func TestReadRecordImmediateEOFIsPlainIOEOF(t *testing.T) {
	_, err := readRecord(bytes.NewReader(nil))
	if err != io.EOF {
		t.Fatalf("expected io.EOF on an empty stream, got %v", err)
	}
}

// slowReader splits every Read into chunk-sized pieces to exercise
// readRecord's reassembly loop against a peer that never yields a full
// record in one call.
type slowReader struct {
	r     io.Reader
	chunk int
}

func (s *slowReader) Read(p []byte) (int, error) {
	if len(p) > s.chunk {
		p = p[:s.chunk]
	}
	return s.r.Read(p)
}
