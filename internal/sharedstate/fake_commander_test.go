package sharedstate

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakeCommander is an in-memory redisCommander used by the tests in this
// package. It can be told to fail the next N operations to exercise the
// circuit breaker.
type fakeCommander struct {
	mu          sync.Mutex
	data        map[string]string
	lists       map[string][]string
	failNext    int
	pingLatency time.Duration
	closed      bool
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{
		data:  make(map[string]string),
		lists: make(map[string][]string),
	}
}

func (f *fakeCommander) shouldFail() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return true
	}
	return false
}

func (f *fakeCommander) failNextCalls(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
}

var errFakeFailure = errors.New("fake: forced failure")

func (f *fakeCommander) Ping(ctx context.Context) error {
	if f.shouldFail() {
		return errFakeFailure
	}
	time.Sleep(f.pingLatency)
	return nil
}

func (f *fakeCommander) Get(ctx context.Context, key string) (string, error) {
	if f.shouldFail() {
		return "", errFakeFailure
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (f *fakeCommander) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if f.shouldFail() {
		return errFakeFailure
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func (f *fakeCommander) Del(ctx context.Context, keys ...string) error {
	if f.shouldFail() {
		return errFakeFailure
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.data, key)
	}
	return nil
}

func (f *fakeCommander) MGet(ctx context.Context, keys ...string) ([]interface{}, error) {
	if f.shouldFail() {
		return nil, errFakeFailure
	}
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
	if f.shouldFail() {
		return errFakeFailure
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, value := range pairs {
		f.data[key] = value
	}
	return nil
}

func (f *fakeCommander) Incr(ctx context.Context, key string) (int64, error) {
	if f.shouldFail() {
		return 0, errFakeFailure
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var current int64
	if v, ok := f.data[key]; ok {
		for _, r := range v {
			current = current*10 + int64(r-'0')
		}
	}
	current++
	f.data[key] = itoa(current)
	return current, nil
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	digits := []byte{}
	for v > 0 {
		digits = append([]byte{byte('0' + v%10)}, digits...)
		v /= 10
	}
	return string(digits)
}

func (f *fakeCommander) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if f.shouldFail() {
		return errFakeFailure
	}
	return nil
}

func (f *fakeCommander) Keys(ctx context.Context, pattern string) ([]string, error) {
	if f.shouldFail() {
		return nil, errFakeFailure
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.data))
	for key := range f.data {
		out = append(out, key)
	}
	return out, nil
}

func (f *fakeCommander) LPush(ctx context.Context, key, value string) error {
	if f.shouldFail() {
		return errFakeFailure
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[key] = append([]string{value}, f.lists[key]...)
	return nil
}

func (f *fakeCommander) LTrim(ctx context.Context, key string, start, stop int64) error {
	if f.shouldFail() {
		return errFakeFailure
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.lists[key]
	if stop+1 < int64(len(list)) {
		f.lists[key] = list[start : stop+1]
	}
	return nil
}

func (f *fakeCommander) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if f.shouldFail() {
		return nil, errFakeFailure
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.lists[key]
	if stop < 0 || stop >= int64(len(list)) {
		stop = int64(len(list)) - 1
	}
	if start > stop || len(list) == 0 {
		return nil, nil
	}
	return append([]string{}, list[start:stop+1]...), nil
}

func (f *fakeCommander) Publish(ctx context.Context, channel, message string) error {
	if f.shouldFail() {
		return errFakeFailure
	}
	return nil
}

func (f *fakeCommander) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	ch := make(chan string)
	return ch, func() { close(ch) }, nil
}

func (f *fakeCommander) Close() error {
	f.closed = true
	return nil
}
