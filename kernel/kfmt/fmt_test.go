package kfmt

import (
	"bytes"
	"io"
	"testing"
)

func TestFprintf(t *testing.T) {
	specs := []struct {
		format string
		args   []interface{}
		exp    string
	}{
		{"no verbs", nil, "no verbs"},
		{"literal %%", nil, "literal %"},
		{"%s and %s", []interface{}{"foo", []byte("bar")}, "foo and bar"},
		{"%5s|", []interface{}{"ab"}, "   ab|"},
		{"%d", []interface{}{42}, "42"},
		{"%d", []interface{}{-121}, "-121"},
		{"%5d|", []interface{}{123}, "  123|"},
		{"%o", []interface{}{uint8(511 & 0xff)}, "377"},
		{"%x", []interface{}{uintptr(0xbadf00d)}, "badf00d"},
		{"%10x", []interface{}{uint64(0x1000)}, "0000001000"},
		{"%t %t", []interface{}{true, false}, "true false"},
		{"%d", nil, "(MISSING)"},
		{"", []interface{}{1}, "%!(EXTRA)"},
		{"%d", []interface{}{"nan"}, "%!(WRONGTYPE)"},
		{"%q", []interface{}{1}, "%!(NOVERB)%!(EXTRA)"},
	}

	var buf bytes.Buffer
	for specIndex, spec := range specs {
		buf.Reset()
		Fprintf(&buf, spec.format, spec.args...)
		if got := buf.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestPrintfToRingBuffer(t *testing.T) {
	defer func() {
		outputSink = nil
		earlyPrintBuffer = ringBuffer{}
	}()
	outputSink = nil

	exp := "early: 16"
	Printf("early: %d", 16)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if got := buf.String(); got != exp {
		t.Fatalf("expected SetOutputSink to replay %q; got %q", exp, got)
	}

	// With a sink installed, output must bypass the ring buffer.
	Printf("+more")
	if exp, got := "early: 16+more", buf.String(); got != exp {
		t.Fatalf("expected %q; got %q", exp, got)
	}
}

func TestRingBufferDrainReportsEOF(t *testing.T) {
	var rb ringBuffer

	rb.Write([]byte("abc"))

	out := make([]byte, 16)
	n, err := rb.Read(out)
	if n != 3 || err != nil {
		t.Fatalf("expected to read 3 bytes; got (%d, %v)", n, err)
	}

	if n, err = rb.Read(out); n != 0 || err != io.EOF {
		t.Fatalf("expected (0, io.EOF) from a drained buffer; got (%d, %v)", n, err)
	}

	// io.Copy relies on the EOF to terminate when an output sink replays
	// the early buffer.
	rb.Write([]byte("xyz"))
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, &rb); err != nil {
		t.Fatal(err)
	}
	if exp, got := "xyz", buf.String(); got != exp {
		t.Fatalf("expected io.Copy to drain %q; got %q", exp, got)
	}
}

func TestRingBufferOverwrite(t *testing.T) {
	var rb ringBuffer

	chunk := make([]byte, ringBufferSize)
	for i := range chunk {
		chunk[i] = 'a'
	}
	rb.Write(chunk)
	rb.Write([]byte("xyz"))

	out := make([]byte, 2*ringBufferSize)
	n, _ := rb.Read(out)
	if exp := ringBufferSize - 1; n != exp {
		t.Fatalf("expected to read %d bytes; got %d", exp, n)
	}
	if got := string(out[n-3 : n]); got != "xyz" {
		t.Fatalf("expected buffer to end in overwritten tail %q; got %q", "xyz", got)
	}
}
