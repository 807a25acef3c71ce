package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

type testMsg struct {
	Type string `json:"type"`
	Val  int    `json:"val"`
}

func TestHostClientRoundTrip(t *testing.T) {
	host := NewWSHost("127.0.0.1:0", "/ws")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := host.Start(ctx); err != nil {
		t.Fatalf("start host: %v", err)
	}
	defer host.Close()

	client := NewWSClient()
	url := "ws://" + host.Addr() + "/ws"
	if err := client.Connect(ctx, url); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	select {
	case ev := <-host.PeerEvents():
		if !ev.Connected {
			t.Fatalf("expected connect event, got disconnect")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect event")
	}

	if err := client.Send(testMsg{Type: "ping", Val: 7}); err != nil {
		t.Fatalf("client send: %v", err)
	}

	select {
	case env := <-host.Recv():
		var got testMsg
		if err := json.Unmarshal(env.Data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Val != 7 {
			t.Fatalf("expected val=7, got %d", got.Val)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for host recv")
	}

	var peerID string
	select {
	case ev := <-host.PeerEvents():
		t.Fatalf("unexpected extra peer event: %+v", ev)
	default:
	}

	host.mu.Lock()
	for id := range host.sessions {
		peerID = id
	}
	host.mu.Unlock()

	if err := host.Send(peerID, testMsg{Type: "pong", Val: 9}); err != nil {
		t.Fatalf("host send: %v", err)
	}

	select {
	case data := <-client.Recv():
		var got testMsg
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Val != 9 {
			t.Fatalf("expected val=9, got %d", got.Val)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client recv")
	}
}

func TestHostDisconnectNotifiesPeerEvent(t *testing.T) {
	host := NewWSHost("127.0.0.1:0", "/ws")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := host.Start(ctx); err != nil {
		t.Fatalf("start host: %v", err)
	}
	defer host.Close()

	client := NewWSClient()
	if err := client.Connect(ctx, "ws://"+host.Addr()+"/ws"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	<-host.PeerEvents() // connect event

	client.Close()

	select {
	case ev := <-host.PeerEvents():
		if ev.Connected {
			t.Fatal("expected disconnect event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect event")
	}
}
