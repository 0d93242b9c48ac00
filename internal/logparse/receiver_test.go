package logparse

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"
)

func startReceiver(t *testing.T) *Receiver {
	t.Helper()
	r := NewReceiver(0)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := r.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Stop() })
	return r
}

func sendDatagram(t *testing.T, port int, data []byte) {
	t.Helper()
	conn, err := net.Dial("udp4", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write(data); err != nil {
		t.Fatal(err)
	}
}

func collect(t *testing.T, ch <-chan Notification, want int) []Notification {
	t.Helper()
	var got []Notification
	deadline := time.After(2 * time.Second)
	for len(got) < want {
		select {
		case n := <-ch:
			got = append(got, n)
		case <-deadline:
			t.Fatalf("received %d notifications, want %d", len(got), want)
		}
	}
	return got
}

func TestReceiverHeaderStripping(t *testing.T) {
	r := startReceiver(t)

	ch := make(chan Notification, 16)
	sub := r.Subscribe("test", func(n Notification) { ch <- n })
	defer sub.Cancel()

	payload := append([]byte{0xFF, 0xFF, 0xFF, 0xFF, 'l', 'o', 'g', 0x00},
		[]byte(`L 03/01/2024 - 12:34:56: "A<2><S><CT>" say "hi"`)...)
	sendDatagram(t, r.Port(), payload)

	got := collect(t, ch, 1)
	ev := got[0].Event
	if ev.Category != CategoryChat || ev.Message != "A [CT]: hi" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Raw != `L 03/01/2024 - 12:34:56: "A<2><S><CT>" say "hi"` {
		t.Fatalf("raw contains header bytes: %q", ev.Raw)
	}
}

func TestReceiverMultiLineDatagram(t *testing.T) {
	r := startReceiver(t)

	ch := make(chan Notification, 16)
	sub := r.Subscribe("test", func(n Notification) { ch <- n })
	defer sub.Cancel()

	text := "World triggered \"Round_Start\"\n\n" +
		"\"Eve<3><STEAM_1:1:42><>\" say \"gg\"\n"
	sendDatagram(t, r.Port(), []byte(text))

	got := collect(t, ch, 2)
	if got[0].Event.Category != CategoryRound || got[1].Event.Category != CategoryChat {
		t.Fatalf("categories = %s, %s", got[0].Event.Category, got[1].Event.Category)
	}
	if got[0].SourceIP != "127.0.0.1" {
		t.Fatalf("source ip = %q", got[0].SourceIP)
	}
}

func TestReceiverHeadlessDatagramPassesThrough(t *testing.T) {
	r := startReceiver(t)

	ch := make(chan Notification, 16)
	sub := r.Subscribe("test", func(n Notification) { ch <- n })
	defer sub.Cancel()

	sendDatagram(t, r.Port(), []byte(`"Eve<3><STEAM_1:1:42><>" say "hello"`))

	got := collect(t, ch, 1)
	if got[0].Event.Message != "Eve: hello" {
		t.Fatalf("message = %q", got[0].Event.Message)
	}
}

func TestReceiverCancelStopsDelivery(t *testing.T) {
	r := startReceiver(t)

	ch := make(chan Notification, 16)
	sub := r.Subscribe("test", func(n Notification) { ch <- n })

	sendDatagram(t, r.Port(), []byte("World triggered \"Round_Start\""))
	collect(t, ch, 1)

	sub.Cancel()
	sub.Cancel() // double cancel must be safe
	if r.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d", r.SubscriberCount())
	}

	sendDatagram(t, r.Port(), []byte("World triggered \"Round_End\""))
	select {
	case n := <-ch:
		t.Fatalf("delivery after cancel: %+v", n)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestReceiverStartIdempotent(t *testing.T) {
	r := startReceiver(t)
	port := r.Port()

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if r.Port() != port {
		t.Fatalf("port changed on restart: %d -> %d", port, r.Port())
	}
}

func TestReceiverIndependentSubscribers(t *testing.T) {
	r := startReceiver(t)

	ch1 := make(chan Notification, 16)
	ch2 := make(chan Notification, 16)
	sub1 := r.Subscribe("one", func(n Notification) { ch1 <- n })
	sub2 := r.Subscribe("two", func(n Notification) { ch2 <- n })
	defer sub2.Cancel()

	sendDatagram(t, r.Port(), []byte("World triggered \"Round_Start\""))
	collect(t, ch1, 1)
	collect(t, ch2, 1)

	sub1.Cancel()
	sendDatagram(t, r.Port(), []byte("World triggered \"Round_End\""))
	collect(t, ch2, 1)
	select {
	case <-ch1:
		t.Fatal("cancelled subscriber still receiving")
	case <-time.After(200 * time.Millisecond):
	}
}
