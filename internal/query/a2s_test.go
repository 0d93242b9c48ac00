package query

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bastion-project/bastion/internal/protocol"
)

func infoReply() []byte {
	var b bytes.Buffer
	b.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF, protocol.A2STypeInfoResponse})
	b.WriteByte(17)
	for _, s := range []string{"Test Server", "de_inferno", "csgo", "Counter-Strike 2"} {
		b.WriteString(s)
		b.WriteByte(0)
	}
	b.Write([]byte{0xDA, 0x02}) // appid 730
	b.Write([]byte{5, 16, 0, 'd', 'l', 0, 1})
	b.WriteString("1.40.0.1")
	b.WriteByte(0)
	return b.Bytes()
}

// startUDPServer runs handler for every datagram received on a loopback
// UDP socket and returns the bound address.
func startUDPServer(t *testing.T, handler func(conn *net.UDPConn, remote *net.UDPAddr, data []byte)) (string, int) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			n, remote, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			handler(conn, remote, data)
		}
	}()

	addr := conn.LocalAddr().(*net.UDPAddr)
	return "127.0.0.1", addr.Port
}

func TestInfoDirectReply(t *testing.T) {
	host, port := startUDPServer(t, func(conn *net.UDPConn, remote *net.UDPAddr, data []byte) {
		conn.WriteToUDP(infoReply(), remote)
	})

	info, err := Info(context.Background(), host, port, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if info.Name != "Test Server" || info.Map != "de_inferno" {
		t.Fatalf("info = %+v", info)
	}
	if info.AppID != 730 || info.Players != 5 || info.MaxPlayers != 16 {
		t.Fatalf("info = %+v", info)
	}
}

// A challenge reply must trigger exactly one retry carrying the 4-byte
// challenge, and only the subsequent info reply resolves the call.
func TestInfoChallengeFlow(t *testing.T) {
	challenge := []byte{0x11, 0x22, 0x33, 0x44}
	var requests int32

	host, port := startUDPServer(t, func(conn *net.UDPConn, remote *net.UDPAddr, data []byte) {
		n := atomic.AddInt32(&requests, 1)
		if n == 1 {
			reply := append([]byte{0xFF, 0xFF, 0xFF, 0xFF, protocol.A2STypeChallenge}, challenge...)
			conn.WriteToUDP(reply, remote)
			return
		}
		if !bytes.Equal(data[len(data)-4:], challenge) {
			return // wrong challenge echoed: never answer
		}
		conn.WriteToUDP(infoReply(), remote)
	})

	info, err := Info(context.Background(), host, port, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if info.Name != "Test Server" {
		t.Fatalf("info = %+v", info)
	}
	if got := atomic.LoadInt32(&requests); got != 2 {
		t.Fatalf("server saw %d requests, want 2", got)
	}
}

// Stray short datagrams are dropped silently; the real reply still
// resolves the query.
func TestInfoIgnoresStrayDatagrams(t *testing.T) {
	host, port := startUDPServer(t, func(conn *net.UDPConn, remote *net.UDPAddr, data []byte) {
		conn.WriteToUDP([]byte{0x01}, remote)
		conn.WriteToUDP([]byte("junk"), remote)
		conn.WriteToUDP(infoReply(), remote)
	})

	info, err := Info(context.Background(), host, port, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if info.Map != "de_inferno" {
		t.Fatalf("info = %+v", info)
	}
}

func TestInfoTimeout(t *testing.T) {
	host, port := startUDPServer(t, func(conn *net.UDPConn, remote *net.UDPAddr, data []byte) {
		// never reply
	})

	start := time.Now()
	_, err := Info(context.Background(), host, port, 200*time.Millisecond)
	if !errors.Is(err, ErrQueryTimeout) {
		t.Fatalf("expected ErrQueryTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("timeout not honored")
	}
}
