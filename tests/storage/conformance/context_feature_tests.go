package conformance

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/biocatchltd/heksher/internal/storage"
)

// RunContextFeatureTests tests the context feature hierarchy operations.
func RunContextFeatureTests(t *testing.T, newStore StoreFactory) {
	t.Helper()

	t.Run("List_FreshStoreIsEmpty", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()

		features, err := store.ListContextFeatures(ctx)
		if err != nil {
			t.Fatalf("ListContextFeatures: %v", err)
		}
		if len(features) != 0 {
			t.Errorf("expected 0 context features, got %d: %v", len(features), features)
		}
	})

	t.Run("Add_AppendsAtEnd", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()

		for i, name := range []string{"trust", "theme", "user"} {
			index, err := store.AddContextFeature(ctx, name)
			if err != nil {
				t.Fatalf("AddContextFeature %s: %v", name, err)
			}
			if index != i {
				t.Errorf("AddContextFeature %s: expected index %d, got %d", name, i, index)
			}
		}

		features, err := store.ListContextFeatures(ctx)
		if err != nil {
			t.Fatalf("ListContextFeatures: %v", err)
		}
		want := []storage.ContextFeatureRecord{
			{Name: "trust", Index: 0},
			{Name: "theme", Index: 1},
			{Name: "user", Index: 2},
		}
		if !reflect.DeepEqual(features, want) {
			t.Errorf("expected %v, got %v", want, features)
		}
	})

	t.Run("Add_Duplicate", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()

		if _, err := store.AddContextFeature(ctx, "trust"); err != nil {
			t.Fatalf("AddContextFeature: %v", err)
		}
		_, err := store.AddContextFeature(ctx, "trust")
		if !errors.Is(err, storage.ErrContextFeatureExists) {
			t.Errorf("expected ErrContextFeatureExists, got %v", err)
		}
	})

	t.Run("Get_ReturnsPosition", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedFeatures(t, store, "trust", "theme", "user")

		rec, err := store.GetContextFeature(ctx, "theme")
		if err != nil {
			t.Fatalf("GetContextFeature: %v", err)
		}
		if rec.Name != "theme" || rec.Index != 1 {
			t.Errorf("expected {theme 1}, got {%s %d}", rec.Name, rec.Index)
		}
	})

	t.Run("Get_Unknown", func(t *testing.T) {
		store := newStore()
		defer store.Close()

		_, err := store.GetContextFeature(context.Background(), "walrus")
		if !errors.Is(err, storage.ErrContextFeatureNotFound) {
			t.Errorf("expected ErrContextFeatureNotFound, got %v", err)
		}
	})

	t.Run("Delete_CompactsIndices", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedFeatures(t, store, "trust", "theme", "user")

		if err := store.DeleteContextFeature(ctx, "theme"); err != nil {
			t.Fatalf("DeleteContextFeature: %v", err)
		}

		features, err := store.ListContextFeatures(ctx)
		if err != nil {
			t.Fatalf("ListContextFeatures: %v", err)
		}
		want := []storage.ContextFeatureRecord{
			{Name: "trust", Index: 0},
			{Name: "user", Index: 1},
		}
		if !reflect.DeepEqual(features, want) {
			t.Errorf("expected %v, got %v", want, features)
		}
	})

	t.Run("Delete_Unknown", func(t *testing.T) {
		store := newStore()
		defer store.Close()

		err := store.DeleteContextFeature(context.Background(), "walrus")
		if !errors.Is(err, storage.ErrContextFeatureNotFound) {
			t.Errorf("expected ErrContextFeatureNotFound, got %v", err)
		}
	})

	t.Run("Delete_ConfigurableForSetting", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		seedSetting(t, store, "cache_ttl", "environment")

		err := store.DeleteContextFeature(context.Background(), "environment")
		if !errors.Is(err, storage.ErrContextFeatureInUse) {
			t.Errorf("expected ErrContextFeatureInUse, got %v", err)
		}
	})

	t.Run("Delete_ConditionedOnByRule", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "cache_ttl", "environment", "user")
		seedRule(t, store, "cache_ttl", map[string]string{"user": "john"}, `10`)

		err := store.DeleteContextFeature(ctx, "user")
		if !errors.Is(err, storage.ErrContextFeatureInUse) {
			t.Errorf("expected ErrContextFeatureInUse, got %v", err)
		}
	})

	t.Run("Move_TowardsFront", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedFeatures(t, store, "trust", "theme", "user")

		if err := store.MoveContextFeature(ctx, "user", 0); err != nil {
			t.Fatalf("MoveContextFeature: %v", err)
		}

		assertFeatureOrder(t, store, []string{"user", "trust", "theme"})
	})

	t.Run("Move_TowardsBack", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedFeatures(t, store, "trust", "theme", "user")

		// The target index counts positions with the moved feature taken out,
		// so index 2 of {theme, user} puts trust last.
		if err := store.MoveContextFeature(ctx, "trust", 2); err != nil {
			t.Fatalf("MoveContextFeature: %v", err)
		}

		assertFeatureOrder(t, store, []string{"theme", "user", "trust"})
	})

	t.Run("Move_ClampsOutOfRange", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedFeatures(t, store, "trust", "theme", "user")

		if err := store.MoveContextFeature(ctx, "trust", 99); err != nil {
			t.Fatalf("MoveContextFeature to 99: %v", err)
		}
		assertFeatureOrder(t, store, []string{"theme", "user", "trust"})

		if err := store.MoveContextFeature(ctx, "user", -5); err != nil {
			t.Fatalf("MoveContextFeature to -5: %v", err)
		}
		assertFeatureOrder(t, store, []string{"user", "theme", "trust"})
	})

	t.Run("Move_Unknown", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		seedFeatures(t, store, "trust")

		err := store.MoveContextFeature(context.Background(), "walrus", 0)
		if !errors.Is(err, storage.ErrContextFeatureNotFound) {
			t.Errorf("expected ErrContextFeatureNotFound, got %v", err)
		}
	})

	t.Run("SetAll_ReplacesHierarchy", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedFeatures(t, store, "trust", "theme")

		if err := store.SetContextFeatures(ctx, []string{"environment", "theme", "user"}); err != nil {
			t.Fatalf("SetContextFeatures: %v", err)
		}

		assertFeatureOrder(t, store, []string{"environment", "theme", "user"})
	})

	t.Run("SetAll_Reorders", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedFeatures(t, store, "trust", "theme", "user")

		if err := store.SetContextFeatures(ctx, []string{"user", "trust", "theme"}); err != nil {
			t.Fatalf("SetContextFeatures: %v", err)
		}

		assertFeatureOrder(t, store, []string{"user", "trust", "theme"})
	})
}

// assertFeatureOrder checks the stored hierarchy against the expected order
// and that the indices are contiguous from zero.
func assertFeatureOrder(t *testing.T, store storage.Storage, want []string) {
	t.Helper()

	features, err := store.ListContextFeatures(context.Background())
	if err != nil {
		t.Fatalf("ListContextFeatures: %v", err)
	}
	if len(features) != len(want) {
		t.Fatalf("expected %d context features, got %d: %v", len(want), len(features), features)
	}
	for i, rec := range features {
		if rec.Name != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], rec.Name)
		}
		if rec.Index != i {
			t.Errorf("feature %s: expected index %d, got %d", rec.Name, i, rec.Index)
		}
	}
}
