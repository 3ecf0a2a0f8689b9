package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jprofessionals/shopping-list-sub001/internal/broker"
	"github.com/jprofessionals/shopping-list-sub001/internal/event"
	"github.com/jprofessionals/shopping-list-sub001/internal/store"
)

func TestWebSocket_RejectsMissingToken(t *testing.T) {
	s := newTestServer(t, broker.NewMemoryNetwork(), store.New())
	resp, err := http.Get(s.srv.URL + "/ws")
	if err != nil {
		t.Fatalf("GET /ws: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestWebSocketPingPong(t *testing.T) {
	s := newTestServer(t, broker.NewMemoryNetwork(), store.New())
	conn, ready := s.dial(t, token(t, "u1", "Una"))
	if ready.ConnectionID == "" {
		t.Fatalf("expected connection id in ready frame")
	}

	if err := conn.WriteJSON(event.ControlFrame{Type: event.FrameTypePing}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	frame := readFrame(t, conn, 2*time.Second)
	if frame == nil || frame["type"] != event.FrameTypePong {
		t.Fatalf("expected pong, got %v", frame)
	}
}

func TestWebSocket_ReadyListsSubscriptions(t *testing.T) {
	s := newTestServer(t, broker.NewMemoryNetwork(), store.New())
	una := token(t, "u1", "Una")
	_, body := s.do(t, http.MethodPost, "/v1/lists", una, map[string]any{"name": "Weekly"})
	listID := id(t, body, "list")

	_, ready := s.dial(t, una)
	if len(ready.Subscriptions) != 1 || ready.Subscriptions[0].TargetID != listID {
		t.Fatalf("expected ready to list %s, got %+v", listID, ready.Subscriptions)
	}
	s.waitSubscribed(t, "u1", event.ListTarget(listID))
}

func TestWebSocket_SubscribeControlFrames(t *testing.T) {
	s := newTestServer(t, broker.NewMemoryNetwork(), store.New())
	una := token(t, "u1", "Una")
	_, body := s.do(t, http.MethodPost, "/v1/lists", una, map[string]any{"name": "Weekly"})
	listID := id(t, body, "list")

	conn, _ := s.dial(t, una)
	target := event.ListTarget(listID)
	s.waitSubscribed(t, "u1", target)

	send := func(typ, kind, targetID string) map[string]any {
		t.Helper()
		if err := conn.WriteJSON(event.ControlFrame{Type: typ, TargetKind: kind, TargetID: targetID}); err != nil {
			t.Fatalf("WriteJSON: %v", err)
		}
		frame := readFrame(t, conn, 2*time.Second)
		if frame == nil {
			t.Fatalf("no reply to %s", typ)
		}
		return frame
	}

	if frame := send(event.FrameTypeUnsubscribe, "list", listID); frame["type"] != event.FrameTypeUnsubscribed {
		t.Fatalf("expected unsubscribed, got %v", frame)
	}
	if subs := s.registry.Subscriptions("u1"); len(subs) != 0 {
		t.Fatalf("expected no subscriptions, got %v", subs)
	}

	if frame := send(event.FrameTypeSubscribe, "list", listID); frame["type"] != event.FrameTypeSubscribed {
		t.Fatalf("expected subscribed, got %v", frame)
	}
	s.waitSubscribed(t, "u1", target)

	if frame := send(event.FrameTypeSubscribe, "list", "someone-elses"); frame["type"] != event.FrameTypeError {
		t.Fatalf("expected error for unknown list, got %v", frame)
	}
	if frame := send(event.FrameTypeSubscribe, "shelf", "x"); frame["type"] != event.FrameTypeError {
		t.Fatalf("expected error for invalid target, got %v", frame)
	}
	if frame := send("dance", "", ""); frame["type"] != event.FrameTypeError {
		t.Fatalf("expected error for unknown frame type, got %v", frame)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if frame := readFrame(t, conn, 2*time.Second); frame == nil || frame["type"] != event.FrameTypeError {
		t.Fatalf("expected error for malformed frame, got %v", frame)
	}
}

// sharedList creates a household owned by u1 with u2 as member and a list in
// it, returning the list id.
func sharedList(t *testing.T, s *testServer) string {
	t.Helper()
	una := token(t, "u1", "Una")
	_, body := s.do(t, http.MethodPost, "/v1/households", una, map[string]any{"name": "Home"})
	householdID := id(t, body, "household")
	if code, _ := s.do(t, http.MethodPost, "/v1/households/"+householdID+"/members", una, map[string]any{"account_id": "u2"}); code != http.StatusOK {
		t.Fatalf("add member: %d", code)
	}
	_, body = s.do(t, http.MethodPost, "/v1/lists", una, map[string]any{"name": "Weekly", "household_id": householdID})
	return id(t, body, "list")
}

func TestWebSocket_ItemAddedReachesOtherMembers(t *testing.T) {
	s := newTestServer(t, broker.NewMemoryNetwork(), store.New())
	listID := sharedList(t, s)
	target := event.ListTarget(listID)

	una := token(t, "u1", "Una")
	bo, _ := s.dial(t, token(t, "u2", "Bo"))
	unaOther, _ := s.dial(t, una)
	s.waitSubscribed(t, "u2", target)
	s.waitSubscribed(t, "u1", target)

	if code, body := s.do(t, http.MethodPost, "/v1/lists/"+listID+"/items", una, map[string]any{"name": "Milk"}); code != http.StatusCreated {
		t.Fatalf("add item: %d %v", code, body)
	}

	frame := readFrame(t, bo, 2*time.Second)
	if frame == nil {
		t.Fatalf("expected item:added frame")
	}
	if frame["type"] != event.FrameTypeEvent || frame["kind"] != "item:added" || frame["target_id"] != listID {
		t.Fatalf("unexpected frame %v", frame)
	}
	actor := frame["actor"].(map[string]any)
	if actor["id"] != "u1" || actor["display_name"] != "Una" {
		t.Fatalf("unexpected actor %v", actor)
	}
	item := frame["payload"].(map[string]any)["item"].(map[string]any)
	if item["name"] != "Milk" {
		t.Fatalf("unexpected item %v", item)
	}

	if frame := readFrame(t, unaOther, 200*time.Millisecond); frame != nil {
		t.Fatalf("actor's own session should not receive its change, got %v", frame)
	}
	if got := s.bridge.Stats().Loopback; got == 0 {
		t.Fatalf("expected the event to come back through the broker, loopback=%d", got)
	}
}

func TestWebSocket_ListCreatedReachesActorSessions(t *testing.T) {
	s := newTestServer(t, broker.NewMemoryNetwork(), store.New())
	una := token(t, "u1", "Una")
	conn, _ := s.dial(t, una)

	_, body := s.do(t, http.MethodPost, "/v1/lists", una, map[string]any{"name": "Weekly"})
	listID := id(t, body, "list")

	frame := readFrame(t, conn, 2*time.Second)
	if frame == nil || frame["kind"] != "list:created" || frame["target_id"] != listID {
		t.Fatalf("expected list:created for %s, got %v", listID, frame)
	}
}

func TestWebSocket_CrossProcessDelivery(t *testing.T) {
	network := broker.NewMemoryNetwork()
	st := store.New()
	a := newTestServer(t, network, st)
	b := newTestServer(t, network, st)

	listID := sharedList(t, a)
	target := event.ListTarget(listID)

	bo, _ := b.dial(t, token(t, "u2", "Bo"))
	b.waitSubscribed(t, "u2", target)

	una := token(t, "u1", "Una")
	if code, _ := a.do(t, http.MethodPost, "/v1/lists/"+listID+"/items", una, map[string]any{"name": "Eggs"}); code != http.StatusCreated {
		t.Fatalf("add item: %d", code)
	}

	frame := readFrame(t, bo, 2*time.Second)
	if frame == nil || frame["kind"] != "item:added" {
		t.Fatalf("expected item:added on the other process, got %v", frame)
	}
	if frame := readFrame(t, bo, 200*time.Millisecond); frame != nil {
		t.Fatalf("expected exactly one delivery, got %v", frame)
	}
	if got := b.bridge.Stats().Loopback; got != 0 {
		t.Fatalf("envelope from the other process counted as loopback: %d", got)
	}
}
