package ws_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/your-org/fpmatch/internal/api/ws"
	"github.com/your-org/fpmatch/internal/models"
	"github.com/your-org/fpmatch/pkg/dto"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *ws.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() < n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", hub.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubDeliversFilteredEvents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := ws.NewHub()
	go hub.Run(ctx)

	r := gin.New()
	r.GET("/ws", hub.HandleWS)
	srv := httptest.NewServer(r)
	defer srv.Close()

	all := dial(t, srv, "")
	onlySeven := dial(t, srv, "?fingerprint_id=7")
	waitForClients(t, hub, 2)

	for _, ev := range []models.FingerprintEvent{
		{Type: models.EventMatched, FingerprintID: 3, Similarity: 91, Confidence: "High", Timestamp: time.Now()},
		{Type: models.EventMatched, FingerprintID: 7, Similarity: 88.5, Confidence: "Moderate", Timestamp: time.Now()},
	} {
		if err := hub.PublishEvent(ctx, ev); err != nil {
			t.Fatalf("PublishEvent: %v", err)
		}
	}

	read := func(conn *websocket.Conn) dto.WSEvent {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var ev dto.WSEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return ev
	}

	if ev := read(all); ev.FingerprintID != 3 || ev.Similarity != "91.00%" {
		t.Fatalf("first event for unfiltered client = %+v", ev)
	}
	if ev := read(all); ev.FingerprintID != 7 {
		t.Fatalf("second event for unfiltered client = %+v", ev)
	}
	if ev := read(onlySeven); ev.FingerprintID != 7 || ev.Similarity != "88.50%" || ev.Type != string(models.EventMatched) {
		t.Fatalf("filtered client got %+v", ev)
	}
}

func TestToWSEventOmitsSimilarityForRegistration(t *testing.T) {
	ev := ws.ToWSEvent(models.FingerprintEvent{Type: models.EventRegistered, FingerprintID: 1})
	if ev.Similarity != "" || ev.Type != "fingerprint_registered" {
		t.Fatalf("ToWSEvent = %+v", ev)
	}
}
