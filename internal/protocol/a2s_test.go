package protocol

import (
	"bytes"
	"errors"
	"testing"
)

// buildInfoReply assembles a synthetic A2S_INFO response datagram.
func buildInfoReply(name, mapName, folder, game string, appID uint16, players, maxPlayers, bots byte, version string) []byte {
	var b bytes.Buffer
	b.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF, A2STypeInfoResponse})
	b.WriteByte(17) // protocol
	for _, s := range []string{name, mapName, folder, game} {
		b.WriteString(s)
		b.WriteByte(0)
	}
	b.WriteByte(byte(appID))
	b.WriteByte(byte(appID >> 8))
	b.Write([]byte{players, maxPlayers, bots})
	b.WriteByte('d') // dedicated
	b.WriteByte('l') // linux
	b.Write([]byte{0, 1}) // public, VAC on
	b.WriteString(version)
	b.WriteByte(0)
	return b.Bytes()
}

func TestA2SInfoRequestLayout(t *testing.T) {
	req := BuildA2SInfoRequest(nil)
	want := append([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x54}, []byte("Source Engine Query\x00")...)
	if !bytes.Equal(req, want) {
		t.Fatalf("request = % X, want % X", req, want)
	}

	challenge := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	req = BuildA2SInfoRequest(challenge)
	if !bytes.Equal(req[len(req)-4:], challenge) {
		t.Fatalf("challenge suffix = % X", req[len(req)-4:])
	}
	if len(req) != len(want)+4 {
		t.Fatalf("challenged request length = %d, want %d", len(req), len(want)+4)
	}
}

func TestA2SResponseType(t *testing.T) {
	if _, ok := A2SResponseType([]byte{0xFF, 0xFF}); ok {
		t.Fatal("short datagram accepted")
	}
	if _, ok := A2SResponseType([]byte{1, 2, 3, 4, 5}); ok {
		t.Fatal("datagram without OOB header accepted")
	}
	typ, ok := A2SResponseType([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x41, 1, 2, 3, 4})
	if !ok || typ != A2STypeChallenge {
		t.Fatalf("typ=%#x ok=%v", typ, ok)
	}
}

func TestParseA2SInfoResponse(t *testing.T) {
	raw := buildInfoReply("My Server", "de_dust2", "csgo", "Counter-Strike", 730, 12, 24, 2, "1.38.7.9")
	info, err := ParseA2SInfoResponse(raw)
	if err != nil {
		t.Fatal(err)
	}

	if info.Name != "My Server" || info.Map != "de_dust2" || info.Folder != "csgo" {
		t.Fatalf("strings mismatch: %+v", info)
	}
	if info.AppID != 730 || info.Players != 12 || info.MaxPlayers != 24 || info.Bots != 2 {
		t.Fatalf("numeric fields mismatch: %+v", info)
	}
	if info.ServerType != "d" || info.Environment != "l" || info.VAC != 1 {
		t.Fatalf("flag fields mismatch: %+v", info)
	}
	if info.Version != "1.38.7.9" {
		t.Fatalf("version = %q", info.Version)
	}
}

func TestParseA2SInfoResponseTooShort(t *testing.T) {
	_, err := ParseA2SInfoResponse([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x49, 17})
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

// A truncated capture must yield empty trailing fields, not an error.
func TestParseA2SInfoResponseTruncated(t *testing.T) {
	raw := buildInfoReply("Server", "cp_badlands", "tf", "Team Fortress", 440, 0, 32, 0, "8.1.2")
	raw = raw[:24] // cut inside the string block

	info, err := ParseA2SInfoResponse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if info.Name != "Server" {
		t.Fatalf("name = %q", info.Name)
	}
	if info.Version != "" {
		t.Fatalf("version should be empty on truncation, got %q", info.Version)
	}
}

func TestParseA2SChallenge(t *testing.T) {
	raw := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x41, 0x0A, 0x0B, 0x0C, 0x0D}
	ch, err := ParseA2SChallenge(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ch, []byte{0x0A, 0x0B, 0x0C, 0x0D}) {
		t.Fatalf("challenge = % X", ch)
	}

	if _, err := ParseA2SChallenge(raw[:7]); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}
