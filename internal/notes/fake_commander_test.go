package notes

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/collabgw/gateway/internal/sharedstate"
)

// fakeCommander is a minimal in-memory stand-in for the shared-state
// client's Redis commander, scoped to what note handlers exercise.
type fakeCommander struct {
	mu    sync.Mutex
	data  map[string]string
	lists map[string][]string
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{data: make(map[string]string), lists: make(map[string][]string)}
}

func (f *fakeCommander) Ping(ctx context.Context) error { return nil }

func (f *fakeCommander) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.data[key]
	if !ok {
		return "", sharedstate.ErrNotFound
	}
	return value, nil
}

func (f *fakeCommander) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func (f *fakeCommander) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.data, key)
	}
	return nil
}

func (f *fakeCommander) MGet(ctx context.Context, keys ...string) ([]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]interface{}, len(keys))
	for i, key := range keys {
		if value, ok := f.data[key]; ok {
			out[i] = value
		}
	}
	return out, nil
}

func (f *fakeCommander) MSet(ctx context.Context, pairs map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, value := range pairs {
		f.data[key] = value
	}
	return nil
}

func (f *fakeCommander) Incr(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, _ := strconv.ParseInt(f.data[key], 10, 64)
	current++
	f.data[key] = strconv.FormatInt(current, 10)
	return current, nil
}

func (f *fakeCommander) Expire(ctx context.Context, key string, ttl time.Duration) error { return nil }

func (f *fakeCommander) Keys(ctx context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.data))
	for key := range f.data {
		keys = append(keys, key)
	}
	return keys, nil
}

func (f *fakeCommander) LPush(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[key] = append([]string{value}, f.lists[key]...)
	return nil
}

func (f *fakeCommander) LTrim(ctx context.Context, key string, start, stop int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.lists[key]
	if int64(len(list)) > stop+1 {
		f.lists[key] = list[:stop+1]
	}
	return nil
}

func (f *fakeCommander) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.lists[key]
	if int64(len(list)) == 0 {
		return nil, nil
	}
	if stop < 0 || stop >= int64(len(list)) {
		stop = int64(len(list)) - 1
	}
	return append([]string{}, list[start:stop+1]...), nil
}

func (f *fakeCommander) Publish(ctx context.Context, channel, message string) error { return nil }

func (f *fakeCommander) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	return nil, func() {}, errors.New("not supported in test fake")
}

func (f *fakeCommander) Close() error { return nil }
