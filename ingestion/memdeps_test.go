package ingestion

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type memObjectStore struct {
	mu   sync.Mutex
	next int
	objs map[string]memObject
}

type memObject struct {
	data []byte
	etag string
}

func newMemObjectStore() *memObjectStore { return &memObjectStore{objs: make(map[string]memObject)} }

func (m *memObjectStore) newEtag() string { m.next++; return strconv.Itoa(m.next) }

func (m *memObjectStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	etag := m.newEtag()
	m.objs[key] = memObject{data: data, etag: etag}
	return etag, nil
}

func (m *memObjectStore) PutIfAbsent(ctx context.Context, key string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objs[key]; ok {
		return "", errors.Errorf("key %q exists", key)
	}
	etag := m.newEtag()
	m.objs[key] = memObject{data: data, etag: etag}
	return etag, nil
}

func (m *memObjectStore) PutCAS(ctx context.Context, key string, data []byte, prevEtag string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.objs[key]
	if prevEtag == "" {
		if ok {
			return "", errors.Errorf("key %q exists", key)
		}
	} else if !ok || cur.etag != prevEtag {
		return "", errors.Errorf("etag mismatch for %q", key)
	}
	etag := m.newEtag()
	m.objs[key] = memObject{data: data, etag: etag}
	return etag, nil
}

func (m *memObjectStore) Get(ctx context.Context, key string) ([]byte, string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objs[key]
	if !ok {
		return nil, "", false, nil
	}
	return obj.data, obj.etag, true, nil
}

func (m *memObjectStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

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
	expires time.Time
}

func newMemCoordKV() *memCoordKV {
	return &memCoordKV{records: make(map[string]memRecord), leases: make(map[string]memLease)}
}

func (m *memCoordKV) newToken() string { m.next++; return strconv.Itoa(m.next) }

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
			return 0, errors.Errorf("key %q exists", key)
		}
	} else if !ok || rec.version != prevVersion {
		return 0, errors.Errorf("version mismatch for %q", key)
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
		return "", errors.Errorf("lease %q already held", key)
	}
	token := m.newToken()
	m.leases[key] = memLease{token: token, expires: now.Add(ttl)}
	return token, nil
}

func (m *memCoordKV) RenewLease(ctx context.Context, key, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[key]
	if !ok || l.token != token {
		return errors.Errorf("lease %q not held by this token", key)
	}
	l.expires = time.Now().Add(ttl)
	m.leases[key] = l
	return nil
}

func (m *memCoordKV) ReleaseLease(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, key)
	return nil
}
