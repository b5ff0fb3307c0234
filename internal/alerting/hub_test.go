package alerting

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHubDeliversToWalletSubscribers(t *testing.T) {
	hub := NewHub(DefaultHubConfig(), testLogger())
	defer hub.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := hub.ServeWS(w, r, r.URL.Query().Get("wallet")); err != nil {
			t.Errorf("serve ws: %v", err)
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?wallet=0xabc"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers("0xabc") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(time.Millisecond)
	}

	other := sampleNotification()
	other.WalletKey = "0xdef"
	other.ID = "other"
	if err := hub.Notify(context.Background(), other); err != nil {
		t.Fatal(err)
	}
	if err := hub.Notify(context.Background(), sampleNotification()); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Notification
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.ID != "n-1" {
		t.Fatalf("only the wallet's own notifications are pushed, got %q", got.ID)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for hub.Subscribers("0xabc") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("closed subscriber was not removed")
		}
		time.Sleep(time.Millisecond)
	}
}
