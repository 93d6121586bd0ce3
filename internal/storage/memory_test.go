package storage

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestMemoryStoreHashOps(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.HSet(ctx, "res:alice", "T1", `{"presence":{"status":"online"}}`); err != nil {
		t.Fatalf("HSet: %v", err)
	}

	v, err := s.HGet(ctx, "res:alice", "T1")
	if err != nil {
		t.Fatalf("HGet: %v", err)
	}
	if v != `{"presence":{"status":"online"}}` {
		t.Errorf("HGet returned %q", v)
	}

	if _, err := s.HGet(ctx, "res:alice", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.HGet(ctx, "res:nobody", "T1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing table, got %v", err)
	}

	all, err := s.HGetAll(ctx, "res:alice")
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if len(all) != 1 || all["T1"] == "" {
		t.Errorf("HGetAll returned %v", all)
	}

	if err := s.HDel(ctx, "res:alice", "T1"); err != nil {
		t.Fatalf("HDel: %v", err)
	}
	all, _ = s.HGetAll(ctx, "res:alice")
	if len(all) != 0 {
		t.Errorf("expected empty hash after HDel, got %v", all)
	}
}

func TestMemoryStoreHSetNMergesWithExistingFields(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.HSet(ctx, "res:bob", "T1", "v1"); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	if err := s.HSetN(ctx, "res:bob", map[string]string{"T2": "v2", "T3": "v3"}); err != nil {
		t.Fatalf("HSetN: %v", err)
	}

	all, err := s.HGetAll(ctx, "res:bob")
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	expected := map[string]string{"T1": "v1", "T2": "v2", "T3": "v3"}
	if !reflect.DeepEqual(all, expected) {
		t.Errorf("HGetAll = %v, want %v", all, expected)
	}
}

func TestMemoryStoreSetOps(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, r := range []string{"alice", "bob", "carol"} {
		if err := s.SAdd(ctx, ResourcesSet(), r); err != nil {
			t.Fatalf("SAdd(%s): %v", r, err)
		}
	}

	members, err := s.SGetAll(ctx, ResourcesSet())
	if err != nil {
		t.Fatalf("SGetAll: %v", err)
	}
	want := []string{"alice", "bob", "carol"}
	if !reflect.DeepEqual(members, want) {
		t.Errorf("SGetAll = %v, want %v (insertion order)", members, want)
	}

	if err := s.SRem(ctx, ResourcesSet(), "bob"); err != nil {
		t.Fatalf("SRem: %v", err)
	}
	members, _ = s.SGetAll(ctx, ResourcesSet())
	want = []string{"alice", "carol"}
	if !reflect.DeepEqual(members, want) {
		t.Errorf("SGetAll after SRem = %v, want %v", members, want)
	}
}

func TestMemoryStoreAddCallbackOnConnectedRunsSynchronously(t *testing.T) {
	s := NewMemoryStore()
	called := false
	s.AddCallbackOnConnected(func(context.Context) {
		called = true
	})
	if !called {
		t.Error("expected callback to run synchronously")
	}
}

func TestMemoryStoreHDrop(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.HSet(ctx, "sys:status_timers", "alice:T1", "123.0")
	if err := s.HDrop(ctx, "sys:status_timers"); err != nil {
		t.Fatalf("HDrop: %v", err)
	}
	all, _ := s.HGetAll(ctx, "sys:status_timers")
	if len(all) != 0 {
		t.Errorf("expected empty hash after HDrop, got %v", all)
	}
}
