package protocol

import (
	"errors"
	"testing"
)

func TestRconRoundTrip(t *testing.T) {
	cases := []struct {
		id   int32
		typ  int32
		body string
	}{
		{1, RconTypeAuth, "hunter2"},
		{42, RconTypeExecCommand, "status"},
		{7, RconTypeResponseValue, ""},
		{-1, RconTypeAuthResponse, ""},
	}

	for _, tc := range cases {
		raw, err := EncodeRconPacket(tc.id, tc.typ, tc.body)
		if err != nil {
			t.Fatalf("encode(%q): %v", tc.body, err)
		}
		pkt, n, err := DecodeRconPacket(raw)
		if err != nil {
			t.Fatalf("decode(%q): %v", tc.body, err)
		}
		if n != len(raw) {
			t.Fatalf("decode consumed %d of %d bytes", n, len(raw))
		}
		if pkt.ID != tc.id || pkt.Type != tc.typ || pkt.Body != tc.body {
			t.Fatalf("round trip mismatch: got %+v, want %+v", pkt, tc)
		}
	}
}

func TestRconEncodeRejectsNonASCII(t *testing.T) {
	_, err := EncodeRconPacket(1, RconTypeExecCommand, "say héllo")
	if !errors.Is(err, ErrNonASCIIBody) {
		t.Fatalf("expected ErrNonASCIIBody, got %v", err)
	}
}

func TestRconSizeField(t *testing.T) {
	raw, err := EncodeRconPacket(3, RconTypeExecCommand, "echo hi")
	if err != nil {
		t.Fatal(err)
	}
	// size = 4 (id) + 4 (type) + len(body) + 2 (terminators)
	wantSize := byte(4 + 4 + len("echo hi") + 2)
	if raw[0] != wantSize {
		t.Fatalf("size field = %d, want %d", raw[0], wantSize)
	}
	if raw[len(raw)-1] != 0 || raw[len(raw)-2] != 0 {
		t.Fatal("missing trailing terminator pair")
	}
}

// Feeding a complete packet byte by byte must yield exactly one decode,
// and zero decodes before the final byte arrives.
func TestRconIncrementalDecode(t *testing.T) {
	raw, err := EncodeRconPacket(9, RconTypeExecCommand, "sv_cheats 0")
	if err != nil {
		t.Fatal(err)
	}

	var buf []byte
	decodes := 0
	for i, b := range raw {
		buf = append(buf, b)
		pkt, n, err := DecodeRconPacket(buf)
		if err != nil {
			t.Fatalf("byte %d: unexpected error %v", i, err)
		}
		if n == 0 {
			if i == len(raw)-1 {
				t.Fatal("no decode after the final byte")
			}
			continue
		}
		decodes++
		if i != len(raw)-1 {
			t.Fatalf("spurious decode at byte %d of %d", i, len(raw)-1)
		}
		if pkt.ID != 9 || pkt.Body != "sv_cheats 0" {
			t.Fatalf("bad packet: %+v", pkt)
		}
		buf = buf[n:]
	}
	if decodes != 1 {
		t.Fatalf("decodes = %d, want 1", decodes)
	}
}

func TestRconDecodeTwoConcatenatedPackets(t *testing.T) {
	first, _ := EncodeRconPacket(1, RconTypeExecCommand, "status")
	second, _ := EncodeRconPacket(2, RconTypeExecCommand, "stats")
	buf := append(append([]byte{}, first...), second...)

	var got []*RconPacket
	for {
		pkt, n, err := DecodeRconPacket(buf)
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			break
		}
		got = append(got, pkt)
		buf = buf[n:]
	}

	if len(got) != 2 {
		t.Fatalf("decoded %d packets, want 2", len(got))
	}
	if got[0].ID != 1 || got[1].ID != 2 {
		t.Fatalf("decode order wrong: %d, %d", got[0].ID, got[1].ID)
	}
	if len(buf) != 0 {
		t.Fatalf("%d leftover bytes", len(buf))
	}
}

func TestRconDecodeRejectsOversizedField(t *testing.T) {
	raw := []byte{0xFF, 0xFF, 0xFF, 0x7F} // size = MaxInt32
	_, _, err := DecodeRconPacket(raw)
	if !errors.Is(err, ErrRconPacketTooLarge) {
		t.Fatalf("expected ErrRconPacketTooLarge, got %v", err)
	}
}
