package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/waveto/mr-ray-open/internal/keys"
	"github.com/waveto/mr-ray-open/internal/permission"
)

var (
	testConversation = keys.Conversation{ID: "wave!w+abc", SubID: "wave!conv+root"}
	testKey          = keys.NewIdentity(testConversation, "avery@example.com")
)

func TestMemoryStoreGetMissing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetIdentity(ctx, testKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for identity, got %v", err)
	}
	if _, err := s.GetSettings(ctx, testKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for settings, got %v", err)
	}
	if _, err := s.GetMeta(ctx, testConversation); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for meta, got %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	settings := NewSettings(permission.Read)
	settings.ReadItems = append(settings.ReadItems, "b+1")
	if err := s.PutSettings(ctx, testKey, settings); err != nil {
		t.Fatalf("put settings: %v", err)
	}
	settings.ReadItems[0] = "mutated"

	got, err := s.GetSettings(ctx, testKey)
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if got.ReadItems[0] != "b+1" {
		t.Fatalf("stored settings aliased caller slice: %v", got.ReadItems)
	}
}

func TestMemoryTransactionCommitsAndRunsCallbacks(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	called := false
	err := s.RunInTransaction(ctx, keys.IdentityName(testKey), func(ctx context.Context, tx Store) error {
		if err := tx.PutIdentity(ctx, Identity{Key: testKey, AuthToken: "tok", Version: CurrentIdentityVersion}); err != nil {
			return err
		}
		if _, err := s.GetIdentity(ctx, testKey); !errors.Is(err, ErrNotFound) {
			t.Errorf("uncommitted identity visible outside transaction: %v", err)
		}
		if _, err := tx.GetIdentity(ctx, testKey); err != nil {
			t.Errorf("identity not visible inside transaction: %v", err)
		}
		tx.AfterCommit(func() { called = true })
		if called {
			t.Error("after-commit callback ran before commit")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if !called {
		t.Fatal("after-commit callback did not run")
	}
	if got := s.Writes(keys.KindIdentity); got != 1 {
		t.Fatalf("expected 1 identity write, got %d", got)
	}
}

func TestMemoryTransactionRollbackDiscardsWrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")

	called := false
	err := s.RunInTransaction(ctx, keys.IdentityName(testKey), func(ctx context.Context, tx Store) error {
		_ = tx.PutSettings(ctx, testKey, NewSettings(permission.ReadWrite))
		tx.AfterCommit(func() { called = true })
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if called {
		t.Fatal("after-commit callback ran on rollback")
	}
	if _, err := s.GetSettings(ctx, testKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rolled back settings persisted: %v", err)
	}
	if got := s.Writes(keys.KindSettings); got != 0 {
		t.Fatalf("expected 0 settings writes, got %d", got)
	}
}

func TestMemoryTransactionsSerializeWithinGroup(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.PutSettings(ctx, testKey, NewSettings(permission.ReadWrite)); err != nil {
		t.Fatalf("seed settings: %v", err)
	}

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.RunInTransaction(ctx, keys.IdentityName(testKey), func(ctx context.Context, tx Store) error {
				settings, err := tx.GetSettings(ctx, testKey)
				if err != nil {
					return err
				}
				settings.ReadItems = append(settings.ReadItems, string(rune('a'+i)))
				return tx.PutSettings(ctx, testKey, settings)
			})
			if err != nil {
				t.Errorf("transaction %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, err := s.GetSettings(ctx, testKey)
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if len(got.ReadItems) != workers {
		t.Fatalf("expected %d read items, got %d (lost update)", workers, len(got.ReadItems))
	}
}

func TestMemoryListIdentitiesMergesOverlay(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	other := keys.NewIdentity(testConversation, "blake@example.com")
	if err := s.PutIdentity(ctx, Identity{Key: testKey, AuthToken: "a", Version: 2}); err != nil {
		t.Fatalf("seed identity: %v", err)
	}

	err := s.RunInTransaction(ctx, keys.IdentityName(other), func(ctx context.Context, tx Store) error {
		if err := tx.PutIdentity(ctx, Identity{Key: other, AuthToken: "b", Version: 2}); err != nil {
			return err
		}
		items, err := tx.ListIdentities(ctx, testConversation)
		if err != nil {
			return err
		}
		if len(items) != 2 || items[0].Key.ParticipantID != "avery@example.com" || items[1].Key.ParticipantID != "blake@example.com" {
			t.Errorf("unexpected identities inside transaction: %+v", items)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}
