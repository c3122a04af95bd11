package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

func newTestLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocker(client), mr
}

func TestAcquireRelease(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	g, err := locker.Acquire(ctx, "append:batch_1", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := locker.Release(ctx, g); err != nil {
		t.Fatalf("release: %v", err)
	}

	// Released lock must be acquirable again immediately.
	g2, err := locker.Acquire(ctx, "append:batch_1", time.Second)
	if err != nil {
		t.Fatalf("re-acquire after release: %v", err)
	}
	locker.Release(ctx, g2)
}

func TestMutualExclusion(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	g, err := locker.Acquire(ctx, "append:batch_2", 5*time.Second)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	// Second acquirer with a short wait budget must time out while the
	// first holder's record is unexpired.
	_, err = locker.Acquire(ctx, "append:batch_2", 300*time.Millisecond)
	if !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}

	if err := locker.Release(ctx, g); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	g, err := locker.Acquire(ctx, "append:batch_3", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := locker.Release(ctx, g); err != nil {
			t.Fatalf("release #%d: %v", i+1, err)
		}
	}
}

func TestStaleGuardCannotReleaseNewOwner(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	stale, err := locker.Acquire(ctx, "append:batch_4", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Expire the record as if the holder outlived its TTL.
	mr.FastForward(2 * time.Second)

	fresh, err := locker.Acquire(ctx, "append:batch_4", time.Second)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}

	// The stale guard's release must not free the new owner's lock.
	if err := locker.Release(ctx, stale); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	_, err = locker.Acquire(ctx, "append:batch_4", 300*time.Millisecond)
	if !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("new owner's lock was released by a stale guard: %v", err)
	}

	locker.Release(ctx, fresh)
}

func TestAcquireWaitsForRelease(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	g, err := locker.Acquire(ctx, "append:batch_5", 5*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var second *Guard
	var secondErr error
	go func() {
		defer wg.Done()
		second, secondErr = locker.Acquire(ctx, "append:batch_5", 3*time.Second)
	}()

	time.Sleep(250 * time.Millisecond)
	if err := locker.Release(ctx, g); err != nil {
		t.Fatalf("release: %v", err)
	}
	wg.Wait()

	if secondErr != nil {
		t.Fatalf("waiting acquirer failed: %v", secondErr)
	}
	locker.Release(ctx, second)
}

func TestLocalLocker(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	g, err := locker.Acquire(ctx, "append:batch_6", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := locker.Acquire(ctx, "append:batch_6", 100*time.Millisecond); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
	if err := locker.Release(ctx, g); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := locker.Release(ctx, g); err != nil {
		t.Fatalf("double release: %v", err)
	}
	g2, err := locker.Acquire(ctx, "append:batch_6", time.Second)
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	locker.Release(ctx, g2)
}
