package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "kv_test.db"), DriverModernc)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type subscriberRecord struct {
	Email  string `json:"email"`
	Status string `json:"status"`
}

func TestPut_IfAbsent_FirstWriteSucceeds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.Put(ctx, "subscribers", "sub-1", subscriberRecord{Email: "a@x", Status: "pending_verification"}, PutOptions{Condition: IfAbsent})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if v != 1 {
		t.Errorf("version = %d, want 1", v)
	}
}

func TestPut_IfAbsent_SecondWriteFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, "subscribers", "sub-1", subscriberRecord{Email: "a@x"}, PutOptions{Condition: IfAbsent}); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	_, err := s.Put(ctx, "subscribers", "sub-1", subscriberRecord{Email: "a@x"}, PutOptions{Condition: IfAbsent})
	if !errors.Is(err, ErrConditionFailed) {
		t.Errorf("err = %v, want ErrConditionFailed", err)
	}
}

func TestPut_IfVersion_MatchSucceeds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.Put(ctx, "classifications", "t1", subscriberRecord{Status: "v1"}, PutOptions{Condition: Unconditional})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	v2, err := s.Put(ctx, "classifications", "t1", subscriberRecord{Status: "v2"}, PutOptions{Condition: IfVersion, ExpectedVersion: v})
	if err != nil {
		t.Fatalf("Put if_version: %v", err)
	}
	if v2 != v+1 {
		t.Errorf("version = %d, want %d", v2, v+1)
	}
}

func TestPut_IfVersion_MismatchFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, "classifications", "t1", subscriberRecord{Status: "v1"}, PutOptions{Condition: Unconditional}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	_, err := s.Put(ctx, "classifications", "t1", subscriberRecord{Status: "v2"}, PutOptions{Condition: IfVersion, ExpectedVersion: 99})
	if !errors.Is(err, ErrConditionFailed) {
		t.Errorf("err = %v, want ErrConditionFailed", err)
	}
}

func TestGet_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, "subscribers", "sub-1", subscriberRecord{Email: "a@x", Status: "active"}, PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var got subscriberRecord
	version, err := s.Get(ctx, "subscribers", "sub-1", &got)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if version != 1 {
		t.Errorf("version = %d, want 1", version)
	}
	if got.Email != "a@x" || got.Status != "active" {
		t.Errorf("got = %+v", got)
	}
}

func TestGet_MissingKeyReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	var out subscriberRecord
	_, err := s.Get(context.Background(), "subscribers", "missing", &out)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDelete_RemovesRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Put(ctx, "subscribers", "sub-1", subscriberRecord{Email: "a@x"}, PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ctx, "subscribers", "sub-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	var out subscriberRecord
	if _, err := s.Get(ctx, "subscribers", "sub-1", &out); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete err = %v, want ErrNotFound", err)
	}
}

func TestQuery_FiltersByPredicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	records := map[string]subscriberRecord{
		"sub-1": {Email: "a@x", Status: "active"},
		"sub-2": {Email: "b@x", Status: "pending_verification"},
		"sub-3": {Email: "c@x", Status: "active"},
	}
	for key, rec := range records {
		if _, err := s.Put(ctx, "subscribers", key, rec, PutOptions{}); err != nil {
			t.Fatalf("Put(%s): %v", key, err)
		}
	}

	items, err := s.Query(ctx, "subscribers", func(key string, raw json.RawMessage) bool {
		var rec subscriberRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return false
		}
		return rec.Status == "active"
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
}

func TestTableIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, "subscribers", "k1", subscriberRecord{Email: "a@x"}, PutOptions{}); err != nil {
		t.Fatalf("Put subscribers: %v", err)
	}
	if _, err := s.Put(ctx, "classifications", "k1", subscriberRecord{Status: "v1"}, PutOptions{}); err != nil {
		t.Fatalf("Put classifications: %v", err)
	}

	var sub, cls subscriberRecord
	if _, err := s.Get(ctx, "subscribers", "k1", &sub); err != nil {
		t.Fatalf("Get subscribers: %v", err)
	}
	if _, err := s.Get(ctx, "classifications", "k1", &cls); err != nil {
		t.Fatalf("Get classifications: %v", err)
	}
	if sub.Email != "a@x" || cls.Status != "v1" {
		t.Errorf("cross-table contamination: sub=%+v cls=%+v", sub, cls)
	}
}
