package memory

import (
	"testing"

	"quiz-session-service/internal/app"
)

func TestSessionStoreLifecycle(t *testing.T) {
	store := NewSessionStore()
	first, second := new(app.Session), new(app.Session)

	store.Put("room-1", first)
	if got, ok := store.Get("room-1"); !ok || got != first {
		t.Fatalf("expected session present")
	}
	if ids := store.RoomIDs(); len(ids) != 1 || ids[0] != "room-1" {
		t.Fatalf("unexpected room ids %v", ids)
	}

	store.Put("room-1", second)
	if store.Delete("room-1", first) {
		t.Fatalf("expected replaced session not to be deleted")
	}
	if got, _ := store.Get("room-1"); got != second {
		t.Fatalf("expected replacement to survive stale delete")
	}

	if !store.Delete("room-1", second) {
		t.Fatalf("expected delete of current session")
	}
	if _, ok := store.Get("room-1"); ok {
		t.Fatalf("expected session removed")
	}
}
