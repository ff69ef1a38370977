// Package lock provides distributed mutual exclusion over the shared hot
// tier. Ownership is holder-token equality; release and renew are atomic
// compare-and-act scripts.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/domain"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/hottier"
)

const (
	keyPrefix = "distributed_lock:"

	DefaultTTL     = 30 * time.Second
	DefaultRetries = 50
	retryDelay     = 100 * time.Millisecond

	cleanupInterval = 60 * time.Second
)

const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

const renewScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`

// ErrNotAcquired is returned when the retry budget runs out without winning
// the lock.
var ErrNotAcquired = fmt.Errorf("lock: failed to acquire distributed lock")

type heldLock struct {
	value      string
	ttl        time.Duration
	acquiredAt time.Time
	renewStop  chan struct{}
}

// Service manages the locks held by this instance.
type Service struct {
	client     hottier.Client
	instanceID string
	log        *logrus.Logger

	mu    sync.Mutex
	locks map[string]*heldLock

	stop     chan struct{}
	stopOnce sync.Once
}

// NewService creates the lock service and starts the expired-lock sweeper.
func NewService(client hottier.Client, instanceID string, log *logrus.Logger) *Service {
	s := &Service{
		client:     client,
		instanceID: instanceID,
		log:        log,
		locks:      make(map[string]*heldLock),
		stop:       make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *Service) key(resource string) string { return keyPrefix + resource }

func (s *Service) token() string {
	return fmt.Sprintf("%s:%d:%s", s.instanceID, domain.NowMillis(), uuid.NewString()[:8])
}

// Acquire takes the lock on resource, retrying every 100 ms up to retries
// attempts. A non-positive ttl or retries selects the defaults.
func (s *Service) Acquire(ctx context.Context, resource string, ttl time.Duration, retries int) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if retries <= 0 {
		retries = DefaultRetries
	}
	value := s.token()

	for attempt := 0; attempt < retries; attempt++ {
		ok, err := s.client.SetNX(ctx, s.key(resource), value, ttl)
		if err != nil {
			return fmt.Errorf("lock: acquire %s: %w", resource, err)
		}
		if ok {
			s.mu.Lock()
			s.locks[resource] = &heldLock{value: value, ttl: ttl, acquiredAt: time.Now()}
			s.mu.Unlock()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return &hottier.Error{Category: hottier.CategoryLockContention, Op: "acquire", Err: ErrNotAcquired}
}

// Release drops the lock if this instance still holds it. Returns true only
// when the hot-tier holder matched our token.
func (s *Service) Release(ctx context.Context, resource string) (bool, error) {
	s.mu.Lock()
	held, ok := s.locks[resource]
	if ok {
		if held.renewStop != nil {
			close(held.renewStop)
		}
		delete(s.locks, resource)
	}
	s.mu.Unlock()
	if !ok {
		return false, nil
	}

	res, err := s.client.Eval(ctx, releaseScript, []string{s.key(resource)}, held.value)
	if err != nil {
		return false, fmt.Errorf("lock: release %s: %w", resource, err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Renew extends the TTL if this instance still holds the lock. A failed
// renewal means ownership is lost.
func (s *Service) Renew(ctx context.Context, resource string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	held, ok := s.locks[resource]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if ttl <= 0 {
		ttl = held.ttl
	}

	res, err := s.client.Eval(ctx, renewScript, []string{s.key(resource)}, held.value, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("lock: renew %s: %w", resource, err)
	}
	n, _ := res.(int64)
	if n != 1 {
		// Ownership lost: forget the lock rather than keep renewing a key
		// someone else now holds.
		s.mu.Lock()
		if cur, exists := s.locks[resource]; exists && cur == held {
			if cur.renewStop != nil {
				close(cur.renewStop)
				cur.renewStop = nil
			}
			delete(s.locks, resource)
		}
		s.mu.Unlock()
		return false, nil
	}
	return true, nil
}

// EnableAutoRenewal renews the lock on interval until renewal fails or the
// lock is released.
func (s *Service) EnableAutoRenewal(resource string, interval time.Duration) {
	s.mu.Lock()
	held, ok := s.locks[resource]
	if !ok || held.renewStop != nil {
		s.mu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	held.renewStop = stopCh
	ttl := held.ttl
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-s.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				ok, err := s.Renew(ctx, resource, ttl)
				cancel()
				if err != nil || !ok {
					s.log.WithField("resource", resource).Warn("lock auto-renewal failed, letting lock expire")
					return
				}
			}
		}
	}()
}

// IsLockOwner reports whether the hot-tier holder token still matches the
// one this instance recorded at acquisition.
func (s *Service) IsLockOwner(ctx context.Context, resource string) (bool, error) {
	s.mu.Lock()
	held, ok := s.locks[resource]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	value, err := s.client.Get(ctx, s.key(resource))
	if err != nil {
		if hottier.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return value == held.value, nil
}

// CleanupExpiredLocks drops local records whose keys have expired in the hot
// tier. Returns the number of entries removed.
func (s *Service) CleanupExpiredLocks(ctx context.Context) int {
	s.mu.Lock()
	resources := make([]string, 0, len(s.locks))
	for r := range s.locks {
		resources = append(resources, r)
	}
	s.mu.Unlock()

	removed := 0
	for _, resource := range resources {
		exists, err := s.client.Exists(ctx, s.key(resource))
		if err != nil || exists {
			continue
		}
		s.mu.Lock()
		if held, ok := s.locks[resource]; ok {
			if held.renewStop != nil {
				close(held.renewStop)
			}
			delete(s.locks, resource)
			removed++
		}
		s.mu.Unlock()
	}
	return removed
}

// ActiveLocks returns the resources this instance currently believes it
// holds, for the status endpoints.
func (s *Service) ActiveLocks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.locks))
	for r := range s.locks {
		out = append(out, r)
	}
	return out
}

func (s *Service) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if n := s.CleanupExpiredLocks(ctx); n > 0 {
				s.log.WithField("count", n).Debug("dropped expired lock records")
			}
			cancel()
		}
	}
}

// Shutdown releases every lock this instance holds.
func (s *Service) Shutdown(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	resources := make([]string, 0, len(s.locks))
	for r := range s.locks {
		resources = append(resources, r)
	}
	s.mu.Unlock()
	for _, resource := range resources {
		if _, err := s.Release(ctx, resource); err != nil {
			s.log.WithError(err).WithField("resource", resource).Warn("failed to release lock on shutdown")
		}
	}
}
