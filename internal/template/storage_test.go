package template

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"
)

func setupStorage(t *testing.T) *Storage {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, nil)
	if err != nil {
		t.Fatalf("bolt.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStorage(db)
	if err != nil {
		t.Fatalf("NewStorage() error = %v", err)
	}
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()

	tmpl := &Template{
		Name:    "welcome",
		Subject: "Welcome {{.name}}",
		Text:    "Hello {{.name}}",
	}
	if err := s.Create(ctx, tmpl); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if tmpl.ID == "" {
		t.Fatal("Create() did not assign an ID")
	}
	if tmpl.Version != 1 {
		t.Errorf("Version = %d, want 1", tmpl.Version)
	}

	got, err := s.Get(ctx, tmpl.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "welcome" {
		t.Errorf("Name = %q, want welcome", got.Name)
	}

	byName, err := s.GetByName(ctx, "welcome")
	if err != nil {
		t.Fatalf("GetByName() error = %v", err)
	}
	if byName.ID != tmpl.ID {
		t.Errorf("GetByName() ID = %q, want %q", byName.ID, tmpl.ID)
	}
}

func TestGetMissing(t *testing.T) {
	s := setupStorage(t)

	if _, err := s.Get(context.Background(), "no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetByName(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByName() error = %v, want ErrNotFound", err)
	}
}

func TestCreateDuplicateName(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()

	if err := s.Create(ctx, &Template{Name: "dup", Subject: "a", Text: "b"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	err := s.Create(ctx, &Template{Name: "dup", Subject: "c", Text: "d"})
	if !errors.Is(err, ErrNameTaken) {
		t.Errorf("duplicate Create() error = %v, want ErrNameTaken", err)
	}
}

func TestUpdate(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()

	tmpl := &Template{Name: "note", Subject: "v1", Text: "body"}
	if err := s.Create(ctx, tmpl); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := s.IncrementUsage(ctx, tmpl.ID); err != nil {
		t.Fatalf("IncrementUsage() error = %v", err)
	}

	updated := &Template{ID: tmpl.ID, Name: "note-renamed", Subject: "v2", Text: "body"}
	if err := s.Update(ctx, updated); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := s.Get(ctx, tmpl.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
	if got.Subject != "v2" {
		t.Errorf("Subject = %q, want v2", got.Subject)
	}
	if got.UsageCount != 1 {
		t.Errorf("UsageCount = %d, want preserved 1", got.UsageCount)
	}

	// The old name index entry is gone, the new one resolves.
	if _, err := s.GetByName(ctx, "note"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByName(old name) error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetByName(ctx, "note-renamed"); err != nil {
		t.Errorf("GetByName(new name) error = %v", err)
	}
}

func TestUpdateRenameToTakenName(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()

	a := &Template{Name: "a", Subject: "s", Text: "t"}
	b := &Template{Name: "b", Subject: "s", Text: "t"}
	if err := s.Create(ctx, a); err != nil {
		t.Fatalf("Create(a) error = %v", err)
	}
	if err := s.Create(ctx, b); err != nil {
		t.Fatalf("Create(b) error = %v", err)
	}

	err := s.Update(ctx, &Template{ID: b.ID, Name: "a", Subject: "s", Text: "t"})
	if !errors.Is(err, ErrNameTaken) {
		t.Errorf("Update() rename onto taken name error = %v, want ErrNameTaken", err)
	}
}

func TestIncrementUsage(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()

	tmpl := &Template{Name: "counted", Subject: "s", Text: "t"}
	if err := s.Create(ctx, tmpl); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := s.IncrementUsage(ctx, tmpl.ID); err != nil {
			t.Fatalf("IncrementUsage() error = %v", err)
		}
	}

	got, err := s.Get(ctx, tmpl.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.UsageCount != 3 {
		t.Errorf("UsageCount = %d, want 3", got.UsageCount)
	}
	if got.Version != 1 {
		t.Errorf("Version = %d, want unchanged 1", got.Version)
	}

	if err := s.IncrementUsage(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("IncrementUsage(missing) error = %v, want ErrNotFound", err)
	}
}

func TestListAndSearch(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()

	for _, name := range []string{"birthday", "anniversary", "graduation"} {
		tmpl := &Template{Name: name, Subject: "s", Text: "t", Description: "for " + name + " wishes"}
		if err := s.Create(ctx, tmpl); err != nil {
			t.Fatalf("Create(%s) error = %v", name, err)
		}
	}

	all, err := s.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List() = %d templates, want 3", len(all))
	}

	matched, err := s.List(ctx, ListFilter{Search: "BIRTH"})
	if err != nil {
		t.Fatalf("List(search) error = %v", err)
	}
	if len(matched) != 1 || matched[0].Name != "birthday" {
		t.Errorf("List(search) = %v, want [birthday]", matched)
	}

	limited, err := s.List(ctx, ListFilter{Limit: 2})
	if err != nil {
		t.Fatalf("List(limit) error = %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("List(limit) = %d templates, want 2", len(limited))
	}
}

func TestDelete(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()

	tmpl := &Template{Name: "gone", Subject: "s", Text: "t"}
	if err := s.Create(ctx, tmpl); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := s.Delete(ctx, tmpl.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, tmpl.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}

	// The name becomes reusable.
	if err := s.Create(ctx, &Template{Name: "gone", Subject: "s", Text: "t"}); err != nil {
		t.Errorf("Create() with freed name error = %v", err)
	}

	// Deleting a missing template is a no-op.
	if err := s.Delete(ctx, "missing"); err != nil {
		t.Errorf("Delete(missing) error = %v", err)
	}
}

func TestCount(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()

	for _, name := range []string{"one", "two"} {
		if err := s.Create(ctx, &Template{Name: name, Subject: "s", Text: "t"}); err != nil {
			t.Fatalf("Create(%s) error = %v", name, err)
		}
	}

	total, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if total != 2 {
		t.Errorf("Count() = %d, want 2", total)
	}
}
