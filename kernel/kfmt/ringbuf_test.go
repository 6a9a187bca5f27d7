package kfmt

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestRingBuffer(t *testing.T) {
	expStr := "the big brown fox jumped over the lazy dog"

	t.Run("read/write", func(t *testing.T) {
		var rb ringBuffer
		n, err := rb.Write([]byte(expStr))
		if err != nil {
			t.Fatal(err)
		}

		if n != len(expStr) {
			t.Fatalf("expected to write %d bytes; wrote %d", len(expStr), n)
		}

		if got := readByteByByte(&rb); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}

		if got := rb.Len(); got != 0 {
			t.Fatalf("expected buffer to be drained; got %d bytes", got)
		}
	})

	t.Run("overwrite oldest", func(t *testing.T) {
		var rb ringBuffer
		filler := strings.Repeat("x", ringBufferSize-4)
		rb.Write([]byte(filler))
		rb.Write([]byte("12345678"))

		if got := rb.Len(); got != ringBufferSize {
			t.Fatalf("expected buffer to hold %d bytes; got %d", ringBufferSize, got)
		}

		var buf bytes.Buffer
		io.Copy(&buf, &rb)

		got := buf.String()
		if exp := filler[4:] + "12345678"; got != exp {
			t.Fatalf("expected oldest 4 bytes to be dropped; got %d bytes ending with %q", len(got), got[len(got)-8:])
		}
	})

	t.Run("wrap around", func(t *testing.T) {
		var rb ringBuffer
		rb.start = ringBufferSize - 2
		rb.Write([]byte(expStr))

		var buf bytes.Buffer
		io.Copy(&buf, &rb)

		if got := buf.String(); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}
	})
}

func readByteByByte(r io.Reader) string {
	var (
		buf bytes.Buffer
		b   = make([]byte, 1)
	)
	for {
		if _, err := r.Read(b); err == io.EOF {
			break
		}
		buf.Write(b)
	}
	return buf.String()
}
