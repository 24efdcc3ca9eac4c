package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"entitycore/internal/snapshot/core"
	"entitycore/pkg/domain"
	"entitycore/pkg/entity"
)

func sampleBundle(id string, regions ...int) *entity.Bundle {
	recs := make([]entity.EntityRecord, 0, len(regions))
	for _, r := range regions {
		recs = append(recs, entity.EntityRecord{Values: map[string]any{"regionID": r}, State: domain.StateUnchanged})
	}
	return &entity.Bundle{ID: id, Version: entity.BundleVersion, Entities: map[string][]entity.EntityRecord{"Region": recs}}
}

func TestStore_MissingLoad(t *testing.T) {
	store := New()
	if _, err := store.Load(context.Background(), "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if ok, err := store.Delete(context.Background(), "missing"); err != nil || ok {
		t.Fatalf("expected delete false")
	}
}

func TestStore_AllBranches(t *testing.T) {
	store := New()
	ctx := context.Background()
	if store.Driver() != core.DriverMemory {
		t.Fatalf("expected DriverMemory")
	}
	info, err := store.Save(ctx, "daily/a", sampleBundle("one", 1, 2))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if info.Name != "daily/a" || info.Entities != 2 || info.BundleID != "one" {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.Save(ctx, "daily/a", sampleBundle("two", 3)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if _, err := store.Save(ctx, "weekly/b", sampleBundle("three")); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load(ctx, "daily/a")
	if err != nil || got.ID != "two" || got.Count() != 1 {
		t.Fatalf("expected the replaced bundle, got %+v (%v)", got, err)
	}
	if list, err := store.List(ctx, ""); err != nil || len(list) != 2 || list[0].Name != "daily/a" {
		t.Fatalf("list all: %v %+v", err, list)
	}
	if list, err := store.List(ctx, "weekly/"); err != nil || len(list) != 1 {
		t.Fatalf("list prefix: %v %d", err, len(list))
	}
	if ok, err := store.Delete(ctx, "daily/a"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if _, err := store.Save(ctx, "../x", sampleBundle("bad")); err == nil {
		t.Fatalf("expected invalid name rejected")
	}
	if _, err := store.Save(ctx, "nil", nil); err == nil {
		t.Fatalf("expected nil bundle rejected")
	}
}

func TestStore_LoadIsIsolated(t *testing.T) {
	store := New()
	ctx := context.Background()
	b := sampleBundle("one", 1)
	if _, err := store.Save(ctx, "n", b); err != nil {
		t.Fatalf("save: %v", err)
	}
	b.Entities["Region"][0].Values["regionID"] = 99
	got, _ := store.Load(ctx, "n")
	if got.Entities["Region"][0].Values["regionID"] != json.Number("1") {
		t.Fatalf("expected the saved encoding, got %v", got.Entities["Region"][0].Values)
	}
}
