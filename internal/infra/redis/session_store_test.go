package redis

import (
	"context"
	"net"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"quiz-session-service/internal/app"
)

func TestSessionStoreSetsAndClearsKeys(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	store := NewSessionStore(newClient(mr), time.Minute, "instance-a")
	session := new(app.Session)

	store.Put("room-1", session)
	if got, err := mr.Get("quiz:session:room-1"); err != nil || got != "instance-a" {
		t.Fatalf("expected redis marker naming the instance, got %q (%v)", got, err)
	}
	if _, ok := store.Get("room-1"); !ok {
		t.Fatalf("expected local session")
	}

	if store.Delete("room-1", new(app.Session)) {
		t.Fatalf("expected delete of a different session to be ignored")
	}
	if !mr.Exists("quiz:session:room-1") {
		t.Fatalf("expected marker to survive stale delete")
	}

	if !store.Delete("room-1", session) {
		t.Fatalf("expected delete of the stored session")
	}
	if _, ok := store.Get("room-1"); ok {
		t.Fatalf("expected local session removed")
	}
	deadline := time.Now().Add(2 * time.Second)
	for mr.Exists("quiz:session:room-1") {
		if time.Now().After(deadline) {
			t.Fatalf("expected redis key to be removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionStoreDeleteDoesNotWaitForRedis(t *testing.T) {
	// A server that accepts connections and never answers.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		var held []net.Conn
		defer func() {
			for _, c := range held {
				c.Close()
			}
		}()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			held = append(held, conn)
		}
	}()

	client := redis.NewClient(&redis.Options{Addr: ln.Addr().String()})
	defer client.Close()
	store := NewSessionStore(client, time.Minute, "instance-a")
	session := new(app.Session)
	store.SessionStore.Put("room-1", session)

	started := time.Now()
	if !store.Delete("room-1", session) {
		t.Fatalf("expected delete of the stored session")
	}
	if elapsed := time.Since(started); elapsed > 200*time.Millisecond {
		t.Fatalf("delete waited %v on an unresponsive redis", elapsed)
	}
	if _, ok := store.Get("room-1"); ok {
		t.Fatalf("expected local session removed")
	}
}

func TestSessionStoreRefreshExtendsMarkers(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	store := NewSessionStore(newClient(mr), time.Minute, "instance-a")
	store.Put("room-1", new(app.Session))

	mr.FastForward(50 * time.Second)
	if err := store.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	mr.FastForward(50 * time.Second)

	owner, err := store.Owner(context.Background(), "room-1")
	if err != nil || owner != "instance-a" {
		t.Fatalf("expected refreshed marker, got %q (%v)", owner, err)
	}
	if owner, _ := store.Owner(context.Background(), "room-2"); owner != "" {
		t.Fatalf("expected no owner for unknown room, got %q", owner)
	}
}
