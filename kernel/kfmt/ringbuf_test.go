package kfmt

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestRingBuffer(t *testing.T) {
	var (
		buf    bytes.Buffer
		expStr = "the big brown fox jumped over the lazy dog"
	)

	t.Run("read/write", func(t *testing.T) {
		var rb ringBuffer
		n, err := rb.Write([]byte(expStr))
		if err != nil {
			t.Fatal(err)
		}

		if n != len(expStr) {
			t.Fatalf("expected to write %d bytes; wrote %d", len(expStr), n)
		}

		if got := readByteByByte(&buf, &rb); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}

		if rb.Len() != 0 {
			t.Fatalf("expected buffer to be drained; %d bytes left", rb.Len())
		}
	})

	t.Run("wrap around", func(t *testing.T) {
		var rb ringBuffer
		rb.start = ringBufferSize - 2
		if _, err := rb.Write([]byte(expStr)); err != nil {
			t.Fatal(err)
		}

		if got := readByteByByte(&buf, &rb); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}
	})

	t.Run("overflow drops oldest bytes", func(t *testing.T) {
		var rb ringBuffer
		filler := strings.Repeat("x", ringBufferSize)
		_, _ = rb.Write([]byte(filler))
		_, _ = rb.Write([]byte(expStr))

		if rb.Len() != ringBufferSize {
			t.Fatalf("expected buffer to hold %d bytes; got %d", ringBufferSize, rb.Len())
		}

		var out bytes.Buffer
		_, _ = io.Copy(&out, &rb)
		if got := out.String(); !strings.HasSuffix(got, expStr) || len(got) != ringBufferSize {
			t.Fatalf("expected last %d bytes to end with %q", ringBufferSize, expStr)
		}
	})

	t.Run("with io.Copy", func(t *testing.T) {
		var rb ringBuffer
		_, _ = rb.Write([]byte(expStr))

		var out bytes.Buffer
		_, _ = io.Copy(&out, &rb)

		if got := out.String(); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}
	})
}

func readByteByByte(buf *bytes.Buffer, r io.Reader) string {
	buf.Reset()
	var b = make([]byte, 1)
	for {
		_, err := r.Read(b)
		if err == io.EOF {
			break
		}

		buf.Write(b)
	}
	return buf.String()
}
