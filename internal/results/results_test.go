package results

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shineum/mail-gateway/internal/email"
	"github.com/shineum/mail-gateway/internal/storage"
)

var day = time.Date(2024, 3, 9, 23, 30, 0, 0, time.UTC)

func result(id string, status email.Status, at time.Time) email.DeliveryResult {
	return email.DeliveryResult{
		MessageID:   id,
		Status:      status,
		Detail:      "detail for " + id,
		Timestamp:   at,
		Recipient:   "bob@example.org",
		Client:      email.ClientMeta{Addr: "10.0.0.1:5555", Headers: map[string][]string{"User-Agent": {"curl"}}},
		MessageSize: 512,
		Provider:    "smtp",
	}
}

func TestKey(t *testing.T) {
	t.Parallel()

	// 23:30 in UTC-5 is the next day in UTC.
	at := time.Date(2024, 3, 9, 23, 30, 0, 0, time.FixedZone("EST", -5*3600))
	got := Key(result("abc", email.StatusFailure, at))
	want := "2024-03-10/failure/abc.json"
	if got != want {
		t.Errorf("Key: got %q, want %q", got, want)
	}
}

func TestRecordAndRead(t *testing.T) {
	t.Parallel()

	mem := storage.NewMemory()
	s := New(mem, "email-results")
	ctx := context.Background()

	want := result("abc", email.StatusSuccess, day)
	if err := s.Record(ctx, want); err != nil {
		t.Fatalf("Record: %v", err)
	}

	if _, err := mem.Stat(ctx, "email-results", "2024-03-09/success/abc.json"); err != nil {
		t.Fatalf("expected object at dated key: %v", err)
	}

	got, err := s.Read(ctx, "abc")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.MessageID != want.MessageID || got.Status != want.Status || got.Detail != want.Detail {
		t.Errorf("Read: got %+v, want %+v", got, want)
	}
	if !got.Timestamp.Equal(want.Timestamp) {
		t.Errorf("Timestamp: got %v, want %v", got.Timestamp, want.Timestamp)
	}
	if got.MessageSize != 512 || got.Client.Addr != "10.0.0.1:5555" {
		t.Errorf("metadata not preserved: %+v", got)
	}
}

func TestRead_NotFound(t *testing.T) {
	t.Parallel()

	s := New(storage.NewMemory(), "email-results")
	ctx := context.Background()
	if err := s.Record(ctx, result("abc", email.StatusSuccess, day)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	for _, id := range []string{"missing", "bc", "", "../abc"} {
		if _, err := s.Read(ctx, id); !errors.Is(err, email.ErrNotFound) {
			t.Errorf("Read(%q): expected ErrNotFound, got %v", id, err)
		}
	}
}

type countingStore struct {
	storage.ObjectStore
	lists int
}

func (c *countingStore) List(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	c.lists++
	return c.ObjectStore.List(ctx, bucket, prefix)
}

func TestRead_RecentWithoutListing(t *testing.T) {
	t.Parallel()

	counter := &countingStore{ObjectStore: storage.NewMemory()}
	s := New(counter, "email-results")
	s.now = func() time.Time { return day.Add(2 * time.Hour) }
	ctx := context.Background()

	for _, r := range []email.DeliveryResult{
		result("today", email.StatusSuccess, day.Add(time.Hour)),
		result("yesterday", email.StatusFailure, day),
		result("old", email.StatusSuccess, day.AddDate(0, 0, -30)),
	} {
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	for _, id := range []string{"today", "yesterday"} {
		got, err := s.Read(ctx, id)
		if err != nil {
			t.Fatalf("Read(%s): %v", id, err)
		}
		if got.MessageID != id {
			t.Errorf("Read(%s): got %q", id, got.MessageID)
		}
	}
	if counter.lists != 0 {
		t.Errorf("listings for recent results: got %d, want 0", counter.lists)
	}

	got, err := s.Read(ctx, "old")
	if err != nil {
		t.Fatalf("Read(old): %v", err)
	}
	if got.MessageID != "old" {
		t.Errorf("Read(old): got %q", got.MessageID)
	}
	if counter.lists != 1 {
		t.Errorf("listings for an old result: got %d, want 1", counter.lists)
	}
}

func TestRead_IgnoresDebugCopies(t *testing.T) {
	t.Parallel()

	s := New(storage.NewMemory(), "email-results")
	ctx := context.Background()
	if err := s.StoreRaw(ctx, "abc", []byte("raw")); err != nil {
		t.Fatalf("StoreRaw: %v", err)
	}
	if _, err := s.Read(ctx, "abc"); !errors.Is(err, email.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreRaw(t *testing.T) {
	t.Parallel()

	mem := storage.NewMemory()
	s := New(mem, "email-results")
	ctx := context.Background()

	if err := s.StoreRaw(ctx, "abc", []byte("Subject: x\r\n\r\nbody")); err != nil {
		t.Fatalf("StoreRaw: %v", err)
	}

	objects, err := mem.List(ctx, "email-results", "debug/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(objects) != 1 || !strings.HasSuffix(objects[0].Key, "/abc.eml") {
		t.Fatalf("debug objects: got %+v", objects)
	}
	if objects[0].ContentType != "message/rfc822" {
		t.Errorf("ContentType: got %q, want %q", objects[0].ContentType, "message/rfc822")
	}
}

func TestListByDate(t *testing.T) {
	t.Parallel()

	s := New(storage.NewMemory(), "email-results")
	ctx := context.Background()

	for _, r := range []email.DeliveryResult{
		result("a", email.StatusSuccess, day),
		result("b", email.StatusFailure, day),
		result("c", email.StatusSuccess, day.Add(24*time.Hour)),
	} {
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	all, err := s.ListByDate(ctx, day, "")
	if err != nil {
		t.Fatalf("ListByDate: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all statuses: got %d results, want 2", len(all))
	}

	failed, err := s.ListByDate(ctx, day, email.StatusFailure)
	if err != nil {
		t.Fatalf("ListByDate: %v", err)
	}
	if len(failed) != 1 || failed[0].MessageID != "b" {
		t.Errorf("failures: got %+v", failed)
	}
}

func TestRecord_RequiresID(t *testing.T) {
	t.Parallel()

	s := New(storage.NewMemory(), "email-results")
	if err := s.Record(context.Background(), email.DeliveryResult{Status: email.StatusSuccess}); err == nil {
		t.Error("expected error for result without id")
	}
}

func TestRecord_StorageUnavailable(t *testing.T) {
	t.Parallel()

	s := New(storage.NewMemory(), "email-results")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Record(ctx, result("abc", email.StatusSuccess, day))
	if !errors.Is(err, email.ErrStorageUnavailable) {
		t.Errorf("expected ErrStorageUnavailable, got %v", err)
	}
}
