package store

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// memObjectStore is an in-memory ObjectStore test double. It is not part of
// the package's public surface: production callers always supply a real
// ObjectStore implementation (an external collaborator).
type memObjectStore struct {
	mu   sync.Mutex
	next int
	objs map[string]memObject
}

type memObject struct {
	data []byte
	etag string
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{objs: make(map[string]memObject)}
}

func (m *memObjectStore) newEtag() string {
	m.next++
	return strconv.Itoa(m.next)
}

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
		return "", errors.Errorf("memobjectstore: key %q already exists", key)
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
			return "", errors.Errorf("memobjectstore: key %q already exists", key)
		}
	} else if !ok || cur.etag != prevEtag {
		return "", errors.Errorf("memobjectstore: etag mismatch for key %q", key)
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
