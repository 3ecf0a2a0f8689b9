package server

import (
	"net/http"
	"testing"

	"github.com/jprofessionals/shopping-list-sub001/internal/broker"
	"github.com/jprofessionals/shopping-list-sub001/internal/store"
)

func TestHealth(t *testing.T) {
	s := newTestServer(t, broker.NewMemoryNetwork(), store.New())
	code, body := s.do(t, http.MethodGet, "/health", "", nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok, got %v", body)
	}
	if _, ok := body["registry"]; !ok {
		t.Fatalf("expected registry stats, got %v", body)
	}
}

func TestAPI_RequiresAuth(t *testing.T) {
	s := newTestServer(t, broker.NewMemoryNetwork(), store.New())
	code, _ := s.do(t, http.MethodGet, "/v1/lists", "", nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestAPI_ListAndItemFlow(t *testing.T) {
	s := newTestServer(t, broker.NewMemoryNetwork(), store.New())
	una := token(t, "u1", "Una")
	bo := token(t, "u2", "Bo")

	code, body := s.do(t, http.MethodPost, "/v1/households", una, map[string]any{"name": "Home"})
	if code != http.StatusCreated {
		t.Fatalf("create household: %d %v", code, body)
	}
	householdID := id(t, body, "household")

	code, body = s.do(t, http.MethodPost, "/v1/households/"+householdID+"/members", una, map[string]any{"account_id": "u2"})
	if code != http.StatusOK {
		t.Fatalf("add member: %d %v", code, body)
	}

	code, body = s.do(t, http.MethodPost, "/v1/lists", una, map[string]any{"name": "Weekly", "household_id": householdID})
	if code != http.StatusCreated {
		t.Fatalf("create list: %d %v", code, body)
	}
	listID := id(t, body, "list")

	code, body = s.do(t, http.MethodPost, "/v1/lists/"+listID+"/items", bo, map[string]any{"name": "Milk", "quantity": 2})
	if code != http.StatusCreated {
		t.Fatalf("add item: %d %v", code, body)
	}
	itemID := id(t, body, "item")

	code, body = s.do(t, http.MethodPatch, "/v1/items/"+itemID, una, map[string]any{"checked": true})
	if code != http.StatusOK {
		t.Fatalf("check item: %d %v", code, body)
	}
	if item := body["item"].(map[string]any); item["checked"] != true {
		t.Fatalf("expected checked item, got %v", item)
	}

	code, body = s.do(t, http.MethodGet, "/v1/lists/"+listID+"/items", bo, nil)
	if code != http.StatusOK || len(body["items"].([]any)) != 1 {
		t.Fatalf("list items: %d %v", code, body)
	}

	if code, _ := s.do(t, http.MethodGet, "/v1/lists/"+listID+"/items", token(t, "u3", "Cy"), nil); code != http.StatusNotFound {
		t.Fatalf("expected outsider to get 404, got %d", code)
	}

	if code, _ := s.do(t, http.MethodDelete, "/v1/lists/"+listID, bo, nil); code != http.StatusForbidden {
		t.Fatalf("expected member delete to be forbidden, got %d", code)
	}
	if code, _ := s.do(t, http.MethodDelete, "/v1/items/"+itemID, bo, nil); code != http.StatusOK {
		t.Fatalf("delete item: %d", code)
	}
	if code, _ := s.do(t, http.MethodDelete, "/v1/items/"+itemID, bo, nil); code != http.StatusNotFound {
		t.Fatalf("expected second delete to be 404, got %d", code)
	}
}

func TestAPI_InvalidBody(t *testing.T) {
	s := newTestServer(t, broker.NewMemoryNetwork(), store.New())
	code, _ := s.do(t, http.MethodPost, "/v1/lists", token(t, "u1", "Una"), map[string]any{"name": ""})
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}
