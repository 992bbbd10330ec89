package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"amalive/internal/core/domain"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockTimeout = errors.New("lock acquisition timeout")
	ErrNotHeld     = errors.New("lock was not held by this holder")
)

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// renewScript extends the key only when it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Lock is one holder's Redis lock on a key (SET NX PX with a random token).
// The TTL is renewed at half its length until Unlock.
type Lock struct {
	client redis.UniversalClient
	clock  clock.Clock
	key    string
	token  string
	ttl    time.Duration
	retry  time.Duration

	stopRenew chan struct{}
	renewDone chan struct{}
}

func newToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// Acquire retries until the lock is taken, timeout passes or ctx is done.
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) error {
	deadline := l.clock.Now().Add(timeout)
	for {
		ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
		}
		if ok {
			l.stopRenew = make(chan struct{})
			l.renewDone = make(chan struct{})
			go l.renew()
			return nil
		}
		if !l.clock.Now().Before(deadline) {
			return fmt.Errorf("%w: %s", ErrLockTimeout, l.key)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(l.retry):
		}
	}
}

// Unlock stops renewal and releases the key if this holder still owns it.
func (l *Lock) Unlock(ctx context.Context) error {
	if l.stopRenew != nil {
		close(l.stopRenew)
		<-l.renewDone
		l.stopRenew = nil
	}

	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (l *Lock) renew() {
	defer close(l.renewDone)
	ticker := l.clock.Ticker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil || n == 0 {
				return
			}
		case <-l.stopRenew:
			return
		}
	}
}

// LockManager hands out session locks under a common key prefix. It
// implements ports.SessionLocker.
type LockManager struct {
	client  redis.UniversalClient
	clock   clock.Clock
	prefix  string
	ttl     time.Duration
	timeout time.Duration
	retry   time.Duration
}

func NewLockManager(client redis.UniversalClient, prefix string, ttl time.Duration) *LockManager {
	return &LockManager{
		client:  client,
		clock:   clock.New(),
		prefix:  prefix,
		ttl:     ttl,
		timeout: 2 * ttl,
		retry:   50 * time.Millisecond,
	}
}

// NewLock returns an unacquired lock on key.
func (m *LockManager) NewLock(key string) *Lock {
	return &Lock{
		client: m.client,
		clock:  m.clock,
		key:    m.prefix + key,
		token:  newToken(),
		ttl:    m.ttl,
		retry:  m.retry,
	}
}

func (m *LockManager) Lock(ctx context.Context, id domain.SessionID) (func(), error) {
	lock := m.NewLock("session:" + string(id))
	if err := lock.Acquire(ctx, m.timeout); err != nil {
		return nil, err
	}
	return func() {
		// The TTL bounds a lock whose release failed.
		ctx, cancel := context.WithTimeout(context.Background(), m.ttl)
		defer cancel()
		_ = lock.Unlock(ctx)
	}, nil
}
