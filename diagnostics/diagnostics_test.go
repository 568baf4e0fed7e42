package diagnostics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/diagnostics"
}

func TestServerBroadcastsSnapshots(t *testing.T) {
	want := Snapshot{CreditWindow: 3, ACLBREDRInUse: 1, ACLBREDRMax: 5}
	srv := NewServer(func() Snapshot { return want }, 10*time.Millisecond, nil)

	stop := make(chan struct{})
	defer close(stop)
	go srv.Run(stop)

	mux := http.NewServeMux()
	mux.HandleFunc("/diagnostics", srv.ServeHTTP)
	httpSrv := httptest.NewServer(mux)
	defer httpSrv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(httpSrv), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	var got Snapshot
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got.CreditWindow != want.CreditWindow || got.ACLBREDRMax != want.ACLBREDRMax {
		t.Fatalf("got %+v, want fields matching %+v", got, want)
	}
}

func TestServerDropsClientAfterDisconnect(t *testing.T) {
	srv := NewServer(func() Snapshot { return Snapshot{} }, time.Hour, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/diagnostics", srv.ServeHTTP)
	httpSrv := httptest.NewServer(mux)
	defer httpSrv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(httpSrv), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		srv.mu.Lock()
		n := len(srv.clients)
		srv.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client was never removed from registry")
}
