package coordinator

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// memCoordKV is an in-memory CoordKV test double.
type memCoordKV struct {
	mu      sync.Mutex
	next    int
	records map[string]memRecord
	leases  map[string]memLease
}

type memRecord struct {
	value   []byte
	version uint64
}

type memLease struct {
	token   string
	holder  string
	expires time.Time
}

func newMemCoordKV() *memCoordKV {
	return &memCoordKV{records: make(map[string]memRecord), leases: make(map[string]memLease)}
}

func (m *memCoordKV) newToken() string {
	m.next++
	return strconv.Itoa(m.next)
}

func (m *memCoordKV) Get(ctx context.Context, key string) ([]byte, uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, 0, false, nil
	}
	return rec.value, rec.version, true, nil
}

func (m *memCoordKV) CompareAndSwap(ctx context.Context, key string, value []byte, prevVersion uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if prevVersion == 0 {
		if ok {
			return 0, errors.Errorf("memcoordkv: key %q already exists", key)
		}
	} else if !ok || rec.version != prevVersion {
		return 0, errors.Errorf("memcoordkv: version mismatch for key %q", key)
	}
	newVersion := rec.version + 1
	m.records[key] = memRecord{value: value, version: newVersion}
	return newVersion, nil
}

func (m *memCoordKV) AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if l, ok := m.leases[key]; ok && l.expires.After(now) {
		return "", errors.Errorf("memcoordkv: lease %q already held", key)
	}
	token := m.newToken()
	m.leases[key] = memLease{token: token, holder: holder, expires: now.Add(ttl)}
	return token, nil
}

func (m *memCoordKV) RenewLease(ctx context.Context, key, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[key]
	now := time.Now()
	if !ok || l.token != token || l.expires.Before(now) {
		return errors.Errorf("memcoordkv: lease %q no longer held by this token", key)
	}
	l.expires = now.Add(ttl)
	m.leases[key] = l
	return nil
}

func (m *memCoordKV) ReleaseLease(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[key]
	if !ok || l.token != token {
		return nil
	}
	delete(m.leases, key)
	return nil
}
