package wire

import (
	"bytes"
	"testing"
)

func TestEncodeParseRoundTrip(t *testing.T) {
	b, err := Encode(0x7f000001, 9000, "RQ", "00010001", "00020002", "SET", "SCID", "00030003", "x", "1")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	n := ParseHeader(b[:2])
	if n != len(b)-2 {
		t.Fatalf("header length %d != encoded length-2 %d", n, len(b)-2)
	}
	f, err := Parse(b)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.ForwardIP != 0x7f000001 || f.ForwardPort != 9000 {
		t.Fatalf("unexpected forward addr: %#x:%d", f.ForwardIP, f.ForwardPort)
	}
	want := []string{"RQ", "00010001", "00020002", "SET", "SCID", "00030003", "x", "1"}
	if len(f.Args) != len(want) {
		t.Fatalf("args = %v, want %v", f.Args, want)
	}
	for i := range want {
		if f.Args[i] != want[i] {
			t.Fatalf("args[%d] = %q, want %q", i, f.Args[i], want[i])
		}
	}
}

func TestParseRejectsWrongProtocol(t *testing.T) {
	b, _ := Encode(0, 0, "RQ")
	b[2] = 2
	if _, err := Parse(b); err == nil {
		t.Fatal("expected error for wrong protocol byte")
	}
}

func TestParseRejectsWrongRequestCode(t *testing.T) {
	b, _ := Encode(0, 0, "RQ")
	b[3] = 11
	if _, err := Parse(b); err == nil {
		t.Fatal("expected error for wrong request code byte")
	}
}

func TestSplitArgsDropsDanglingSegment(t *testing.T) {
	args := splitArgs([]byte("a\x00bc\x00partial"))
	if len(args) != 2 || args[0] != "a" || args[1] != "bc" {
		t.Fatalf("splitArgs = %v", args)
	}
}

func TestAssemblerSingleFrame(t *testing.T) {
	b, _ := Encode(0, 0, "RQ", "1")
	a := NewAssembler(8192)
	if err := a.Feed(b[:5]); err != nil {
		t.Fatalf("Feed partial: %v", err)
	}
	if _, ok := a.Take(); ok {
		t.Fatal("Take should not succeed on a partial frame")
	}
	if err := a.Feed(b[5:]); err != nil {
		t.Fatalf("Feed rest: %v", err)
	}
	got, ok := a.Take()
	if !ok {
		t.Fatal("Take should succeed once the full frame has been fed")
	}
	if !bytes.Equal(got, b) {
		t.Fatalf("Take = %x, want %x", got, b)
	}
}

func TestAssemblerBackToBackFrames(t *testing.T) {
	b1, _ := Encode(0, 0, "RQ", "1")
	b2, _ := Encode(0, 0, "RQ", "2")
	a := NewAssembler(8192)
	if err := a.Feed(append(append([]byte{}, b1...), b2...)); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	got1, ok := a.Take()
	if !ok || !bytes.Equal(got1, b1) {
		t.Fatalf("first Take = %x, ok=%v, want %x", got1, ok, b1)
	}
	got2, ok := a.Take()
	if !ok || !bytes.Equal(got2, b2) {
		t.Fatalf("second Take = %x, ok=%v, want %x", got2, ok, b2)
	}
}

func TestAssemblerOversizeFrameRejected(t *testing.T) {
	a := NewAssembler(16)
	oversized := make([]byte, 2)
	oversized[0] = 0xff
	oversized[1] = 0xff
	if err := a.Feed(oversized); err == nil {
		t.Fatal("expected protocol violation for an oversized declared length")
	}
}
