package keypool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/signhub/rqes/internal/ca"
	"github.com/signhub/rqes/internal/hsm"
	"github.com/signhub/rqes/internal/models"
)

// countingBackend wraps a soft token and tracks in-flight generation calls.
type countingBackend struct {
	hsm.SigningBackend

	inFlight atomic.Int32
	maxSeen  atomic.Int32
	genDelay time.Duration
}

func (b *countingBackend) GenerateKeyPair(ctx context.Context, tokenName, alias, profile string) error {
	n := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)

	for {
		max := b.maxSeen.Load()
		if n <= max || b.maxSeen.CompareAndSwap(max, n) {
			break
		}
	}

	if b.genDelay > 0 {
		time.Sleep(b.genDelay)
	}
	return b.SigningBackend.GenerateKeyPair(ctx, tokenName, alias, profile)
}

// flakyCA fails DeleteEndEntity a configured number of times before
// succeeding, or forever when failures is negative.
type flakyCA struct {
	ca.Client

	mu       sync.Mutex
	failures int
	deletes  int
}

func (c *flakyCA) DeleteEndEntity(ctx context.Context, endEntityName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes++
	if c.failures < 0 {
		return errors.New("ca unreachable")
	}
	if c.failures > 0 {
		c.failures--
		return errors.New("ca unreachable")
	}
	return c.Client.DeleteEndEntity(ctx, endEntityName)
}

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()

	if cfg.CA == nil {
		authority, err := ca.NewEphemeralCA("Key Pool Test CA")
		require.NoError(t, err)
		cfg.CA = authority
	}
	if cfg.Backend == nil {
		cfg.Backend = hsm.NewSoftToken(1000)
	}

	pool, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestPool_ReserveOrGenerate(t *testing.T) {
	ctx := context.Background()

	t.Run("generates a fresh key with certificate", func(t *testing.T) {
		pool := newTestPool(t, Config{})

		key, err := pool.ReserveOrGenerate(ctx, "token-a", hsm.ProfileP256)
		require.NoError(t, err)
		require.Equal(t, StateReserved, key.State())
		require.Equal(t, "token-a", key.TokenName)
		require.NotEmpty(t, key.CertificateDER)
		require.Len(t, key.ChainDER, 2)
	})

	t.Run("reuses an idle key before generating", func(t *testing.T) {
		pool := newTestPool(t, Config{})

		key, err := pool.ReserveOrGenerate(ctx, "token-a", hsm.ProfileP256)
		require.NoError(t, err)
		require.NoError(t, pool.Unreserve(key))

		again, err := pool.ReserveOrGenerate(ctx, "token-a", hsm.ProfileP256)
		require.NoError(t, err)
		require.Equal(t, key.Alias, again.Alias)
	})

	t.Run("profile mismatch generates a new key", func(t *testing.T) {
		pool := newTestPool(t, Config{})

		key, err := pool.ReserveOrGenerate(ctx, "token-a", hsm.ProfileP256)
		require.NoError(t, err)
		require.NoError(t, pool.Unreserve(key))

		other, err := pool.ReserveOrGenerate(ctx, "token-a", hsm.ProfileRSA2048)
		require.NoError(t, err)
		require.NotEqual(t, key.Alias, other.Alias)
	})

	t.Run("token full maps to pool exhaustion", func(t *testing.T) {
		pool := newTestPool(t, Config{Backend: hsm.NewSoftToken(1)})

		_, err := pool.ReserveOrGenerate(ctx, "token-a", hsm.ProfileP256)
		require.NoError(t, err)

		_, err = pool.ReserveOrGenerate(ctx, "token-a", hsm.ProfileP256)
		require.Error(t, err)
		require.ErrorIs(t, err, hsm.ErrTokenFull)
	})
}

func TestPool_GenerationConcurrencyBound(t *testing.T) {
	const maxGen = 3
	const submitters = maxGen + 5

	backend := &countingBackend{
		SigningBackend: hsm.NewSoftToken(1000),
		genDelay:       20 * time.Millisecond,
	}
	pool := newTestPool(t, Config{
		Backend:     backend,
		Concurrency: models.ConcurrencySettings{MaxKeyGeneration: maxGen, MaxKeyDeletion: 2},
	})

	var wg sync.WaitGroup
	errCh := make(chan error, submitters)
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.ReserveOrGenerate(context.Background(), "token-a", hsm.ProfileP256)
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		require.NoError(t, err)
	}
	require.LessOrEqual(t, backend.maxSeen.Load(), int32(maxGen))
}

func TestPool_StateMachine(t *testing.T) {
	ctx := context.Background()

	t.Run("consume is irreversible", func(t *testing.T) {
		pool := newTestPool(t, Config{})

		key, err := pool.ReserveOrGenerate(ctx, "token-a", hsm.ProfileP256)
		require.NoError(t, err)
		require.NoError(t, pool.Consume(key))

		require.Error(t, pool.Unreserve(key))
		require.Error(t, pool.Consume(key))
	})

	t.Run("unreserve requires reserved state", func(t *testing.T) {
		pool := newTestPool(t, Config{})

		key, err := pool.ReserveOrGenerate(ctx, "token-a", hsm.ProfileP256)
		require.NoError(t, err)
		require.NoError(t, pool.Unreserve(key))
		require.Error(t, pool.Unreserve(key))
	})

	t.Run("consumed key is eventually deleted", func(t *testing.T) {
		pool := newTestPool(t, Config{})

		key, err := pool.ReserveOrGenerate(ctx, "token-a", hsm.ProfileP256)
		require.NoError(t, err)
		require.NoError(t, pool.Consume(key))

		require.Eventually(t, func() bool {
			return key.State() == StateDeleted
		}, 5*time.Second, 10*time.Millisecond)

		require.Empty(t, pool.Stats())
	})
}

func TestPool_DeletionRetryAndQuarantine(t *testing.T) {
	ctx := context.Background()

	t.Run("transient failure retries then deletes", func(t *testing.T) {
		authority, err := ca.NewEphemeralCA("Key Pool Test CA")
		require.NoError(t, err)
		flaky := &flakyCA{Client: authority, failures: 2}

		pool := newTestPool(t, Config{CA: flaky})

		key, err := pool.ReserveOrGenerate(ctx, "token-a", hsm.ProfileP256)
		require.NoError(t, err)
		require.NoError(t, pool.Consume(key))

		require.Eventually(t, func() bool {
			return key.State() == StateDeleted
		}, 10*time.Second, 10*time.Millisecond)
	})

	t.Run("exhausted retries quarantine the key", func(t *testing.T) {
		authority, err := ca.NewEphemeralCA("Key Pool Test CA")
		require.NoError(t, err)
		flaky := &flakyCA{Client: authority, failures: -1}

		pool := newTestPool(t, Config{CA: flaky, DeleteMaxTries: 2})

		key, err := pool.ReserveOrGenerate(ctx, "token-a", hsm.ProfileP256)
		require.NoError(t, err)
		require.NoError(t, pool.Consume(key))

		require.Eventually(t, func() bool {
			return key.State() == StateOrphaned
		}, 10*time.Second, 10*time.Millisecond)

		// Orphaned keys are retried by the sweep once the CA recovers.
		flaky.mu.Lock()
		flaky.failures = 0
		flaky.mu.Unlock()

		pool.Sweep(time.Now())

		require.Eventually(t, func() bool {
			return key.State() == StateDeleted
		}, 10*time.Second, 10*time.Millisecond)
	})
}

func TestPool_Sweep(t *testing.T) {
	ctx := context.Background()

	t.Run("reclaims stale reserved keys", func(t *testing.T) {
		pool := newTestPool(t, Config{ReserveTTL: time.Minute})

		key, err := pool.ReserveOrGenerate(ctx, "token-a", hsm.ProfileP256)
		require.NoError(t, err)

		require.Equal(t, 0, pool.Sweep(time.Now()))
		require.Equal(t, StateReserved, key.State())

		swept := pool.Sweep(time.Now().Add(2 * time.Minute))
		require.Equal(t, 1, swept)

		require.Eventually(t, func() bool {
			return key.State() == StateDeleted
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("idle keys are never swept", func(t *testing.T) {
		pool := newTestPool(t, Config{ReserveTTL: time.Minute})

		key, err := pool.ReserveOrGenerate(ctx, "token-a", hsm.ProfileP256)
		require.NoError(t, err)
		require.NoError(t, pool.Unreserve(key))

		require.Equal(t, 0, pool.Sweep(time.Now().Add(time.Hour)))
		require.Equal(t, StateIdle, key.State())
	})
}

func TestPool_ConcurrentReserveNeverDoubleIssues(t *testing.T) {
	const goroutines = 20

	pool := newTestPool(t, Config{})

	// Seed one idle key so every goroutine races for it.
	seed, err := pool.ReserveOrGenerate(context.Background(), "token-a", hsm.ProfileP256)
	require.NoError(t, err)
	require.NoError(t, pool.Unreserve(seed))

	var wg sync.WaitGroup
	aliases := make(chan string, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := pool.ReserveOrGenerate(context.Background(), "token-a", hsm.ProfileP256)
			if err == nil {
				aliases <- key.Alias
			}
		}()
	}
	wg.Wait()
	close(aliases)

	seen := make(map[string]int)
	for alias := range aliases {
		seen[alias]++
	}
	for alias, n := range seen {
		require.Equal(t, 1, n, "key %s issued more than once", alias)
	}
}
