// Package mediatest provides an in-memory media archive for tests.
package mediatest

import (
	"context"
	"fmt"
	"sync"

	"github.com/rmedina/waflow/pkg/media"
)

// Fake is a thread-safe in-memory media.ArchiveStore.
type Fake struct {
	mu      sync.Mutex
	objects map[string][]byte
	owners  map[string]string // key -> identity

	// Err, when set, is returned by every call.
	Err error
}

// New creates an empty fake archive.
func New() *Fake {
	return &Fake{
		objects: make(map[string][]byte),
		owners:  make(map[string]string),
	}
}

var _ media.ArchiveStore = (*Fake)(nil)

func (f *Fake) Put(_ context.Context, identity, mediaID, _ string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	key := fmt.Sprintf("%s/%s", identity, mediaID)
	buf := make([]byte, len(data))
	copy(buf, data)
	f.objects[key] = buf
	f.owners[key] = identity
	return key, nil
}

func (f *Fake) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return data, nil
}

func (f *Fake) List(_ context.Context, identity string) ([]media.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []media.Object
	for key, owner := range f.owners {
		if owner == identity {
			out = append(out, media.Object{Key: key, Size: int64(len(f.objects[key]))})
		}
	}
	return out, nil
}

func (f *Fake) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	delete(f.objects, key)
	delete(f.owners, key)
	return nil
}

func (f *Fake) Healthcheck(context.Context) error {
	return f.Err
}

// Count returns the number of stored objects.
func (f *Fake) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}
