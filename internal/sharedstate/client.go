// Package sharedstate wraps a remote key-value + pub/sub store (Redis)
// with a read-through local cache, a circuit breaker, and automatic
// reconnect with jittered exponential backoff. It is the process-wide
// substrate that lets presence, chat, and note state survive across a
// fleet of gateway instances.
package sharedstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Health describes the outcome of HealthCheck.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// HealthReport is returned by HealthCheck.
type HealthReport struct {
	Status       Health
	ResponseTime time.Duration
	Error        string
}

// redisCommander is the subset of the Redis client this package depends
// on. Tests substitute a fake implementation; production wires a real
// *redis.Client.
type redisCommander interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	MGet(ctx context.Context, keys ...string) ([]interface{}, error)
	MSet(ctx context.Context, pairs map[string]string) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	LPush(ctx context.Context, key, value string) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)
	Close() error
}

// Config configures the shared-state client.
type Config struct {
	Addr                 string
	Password             string
	DB                   int
	CacheTTL             time.Duration
	CacheEnabled         bool
	FailureThreshold     int
	ResetTimeout         time.Duration
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	Logger               *zap.Logger
	Metrics              MetricsSink
}

// MetricsSink lets the metrics registry observe cache and store activity
// without this package importing the metrics package (avoids a cycle).
type MetricsSink interface {
	CacheHit()
	CacheMiss()
	StoreFailure()
	StoreSuccess()
}

type noopMetrics struct{}

func (noopMetrics) CacheHit()      {}
func (noopMetrics) CacheMiss()     {}
func (noopMetrics) StoreFailure()  {}
func (noopMetrics) StoreSuccess()  {}

var errBreakerOpen = errors.New("sharedstate: circuit breaker open")

// ErrNotFound is returned by Get when the key does not exist in the
// store. It is not treated as a failure for circuit-breaker purposes.
var ErrNotFound = errors.New("sharedstate: key not found")

// Client is the process-singleton shared-state client.
type Client struct {
	cfg     Config
	logger  *zap.Logger
	metrics MetricsSink

	mu        sync.RWMutex
	commander redisCommander
	connected bool

	cache   *localCache
	breaker *circuitBreaker

	reconnectMu   sync.Mutex
	attempt       int
	closed        bool
	stopReconnect context.CancelFunc
}

// New constructs a Client and starts its first connection attempt.
// New never blocks on the network; callers that need connectivity before
// proceeding should poll HealthCheck.
func New(cfg Config) *Client {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		cfg:           cfg,
		logger:        logger.With(zap.String("component", "sharedstate")),
		metrics:       metrics,
		cache:         newLocalCache(cfg.CacheTTL, cfg.CacheEnabled),
		breaker:       newCircuitBreaker(cfg.FailureThreshold, cfg.ResetTimeout),
		stopReconnect: cancel,
	}

	client.initialize()
	go client.cache.runEvictionLoop(ctx, time.Minute)
	return client
}

// NewWithCommander builds a Client around a pre-built commander, for
// tests and for alternative Redis client wiring.
func NewWithCommander(cfg Config, commander redisCommander) *Client {
	client := New(Config{
		CacheTTL:             cfg.CacheTTL,
		CacheEnabled:         cfg.CacheEnabled,
		FailureThreshold:     cfg.FailureThreshold,
		ResetTimeout:         cfg.ResetTimeout,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		Logger:               cfg.Logger,
		Metrics:              cfg.Metrics,
	})
	client.mu.Lock()
	client.commander = commander
	client.connected = commander != nil
	client.mu.Unlock()
	if commander != nil {
		client.breaker.close()
	}
	return client
}

func (c *Client) initialize() {
	if c.cfg.Addr == "" {
		return
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.cfg.Addr,
		Password: c.cfg.Password,
		DB:       c.cfg.DB,
	})
	adapter := &goRedisAdapter{rdb: rdb}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := adapter.Ping(ctx); err != nil {
		c.logger.Warn("shared-state initial connect failed", zap.Error(err))
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	c.commander = adapter
	c.connected = true
	c.mu.Unlock()
	c.breaker.close()
	c.logger.Info("shared-state connected", zap.String("addr", c.cfg.Addr))
}

func (c *Client) scheduleReconnect() {
	c.reconnectMu.Lock()
	c.attempt++
	attempt := c.attempt
	c.reconnectMu.Unlock()

	if attempt > c.cfg.MaxReconnectAttempts {
		c.breaker.forceOpenFor(time.Minute)
		c.logger.Warn("shared-state max reconnect attempts exceeded, backing off",
			zap.Int("attempts", attempt))
		time.AfterFunc(5*time.Minute, func() {
			c.reconnectMu.Lock()
			c.attempt = 0
			c.reconnectMu.Unlock()
			c.initialize()
		})
		return
	}

	delay := jitteredBackoff(c.cfg.ReconnectBaseDelay, attempt)
	time.AfterFunc(delay, c.initialize)
}

func jitteredBackoff(base time.Duration, attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= 1.5
	}
	delay := time.Duration(float64(base) * multiplier)
	jitter := time.Duration(rand.Float64() * 0.3 * float64(delay))
	return delay + jitter
}

func (c *Client) disconnected(err error) {
	c.breaker.recordFailure()
	c.metrics.StoreFailure()
	c.logger.Warn("shared-state operation failed", zap.Error(err))
	if c.cfg.Addr == "" {
		// An injected commander has no address to redial: keep using it
		// and let the breaker gate further calls.
		return
	}
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.scheduleReconnect()
}

func (c *Client) activeCommander() (redisCommander, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.commander, c.connected
}

// Close tears down the client and stops its background loops.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.stopReconnect()
	if c.commander != nil {
		return c.commander.Close()
	}
	return nil
}

// CacheStats exposes hit/miss counters for the metrics registry.
func (c *Client) CacheStats() (hits, misses int64) {
	return c.cache.stats()
}

// ConfigureCache reconfigures the local cache at runtime (admin endpoint).
func (c *Client) ConfigureCache(enabled bool, ttl time.Duration) {
	c.cache.reconfigure(enabled, ttl)
}

// CacheConfig reports the current cache configuration.
func (c *Client) CacheConfig() (enabled bool, ttl time.Duration) {
	return c.cache.config()
}

// HealthCheck performs a PING against the store and classifies latency.
func (c *Client) HealthCheck(ctx context.Context) HealthReport {
	if c.breaker.isOpen() {
		return HealthReport{Status: HealthUnhealthy, Error: "circuit breaker open"}
	}
	commander, connected := c.activeCommander()
	if !connected || commander == nil {
		return HealthReport{Status: HealthUnhealthy, Error: "not connected"}
	}

	start := time.Now()
	err := commander.Ping(ctx)
	elapsed := time.Since(start)
	if err != nil {
		c.disconnected(err)
		return HealthReport{Status: HealthUnhealthy, ResponseTime: elapsed, Error: err.Error()}
	}
	c.breaker.close()
	if elapsed >= 100*time.Millisecond {
		return HealthReport{Status: HealthDegraded, ResponseTime: elapsed}
	}
	return HealthReport{Status: HealthHealthy, ResponseTime: elapsed}
}

// OpResult is the outcome of a mutating operation. Handlers branch on Ok
// and degrade to local-only behavior when it is false, per spec.md §7.
type OpResult struct {
	Ok    bool
	Value string
	Err   error
}

func (c *Client) guard(op string) (redisCommander, *OpResult) {
	if c.breaker.isOpen() {
		return nil, &OpResult{Ok: false, Err: fmt.Errorf("%s: %w", op, errBreakerOpen)}
	}
	commander, connected := c.activeCommander()
	if !connected || commander == nil {
		return nil, &OpResult{Ok: false, Err: fmt.Errorf("%s: not connected", op)}
	}
	return commander, nil
}

// Get returns the cached value when fresh, otherwise reads through to the
// store. bypassCache forces a store read.
func (c *Client) Get(ctx context.Context, key string, bypassCache bool) OpResult {
	if !bypassCache {
		if value, ok := c.cache.get(key); ok {
			c.metrics.CacheHit()
			return OpResult{Ok: true, Value: value}
		}
	}
	c.metrics.CacheMiss()

	commander, fail := c.guard("sharedstate.get")
	if fail != nil {
		return *fail
	}
	value, err := commander.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.breaker.recordSuccess()
			return OpResult{Ok: true, Value: ""}
		}
		c.disconnected(err)
		return OpResult{Ok: false, Err: err}
	}
	c.breaker.recordSuccess()
	c.metrics.StoreSuccess()
	c.cache.set(key, value)
	return OpResult{Ok: true, Value: value}
}

// Set writes value (TTL of 0 means no expiry) and updates the cache.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) OpResult {
	commander, fail := c.guard("sharedstate.set")
	if fail != nil {
		c.cache.set(key, value)
		return *fail
	}
	if err := commander.Set(ctx, key, value, ttl); err != nil {
		c.disconnected(err)
		c.cache.set(key, value)
		return OpResult{Ok: false, Err: err}
	}
	c.breaker.recordSuccess()
	c.metrics.StoreSuccess()
	c.cache.set(key, value)
	return OpResult{Ok: true}
}

// SetJSON JSON-encodes value and calls Set.
func (c *Client) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) OpResult {
	encoded, err := json.Marshal(value)
	if err != nil {
		return OpResult{Ok: false, Err: err}
	}
	return c.Set(ctx, key, string(encoded), ttl)
}

// GetJSON reads a key and JSON-decodes it into dest. If the stored value
// is not valid JSON, it falls back to treating dest as a raw string
// pointer, per spec.md §4.1's serialization fallback.
func (c *Client) GetJSON(ctx context.Context, key string, bypassCache bool, dest interface{}) (found bool, err error) {
	result := c.Get(ctx, key, bypassCache)
	if !result.Ok {
		return false, result.Err
	}
	if result.Value == "" {
		return false, nil
	}
	if decodeErr := json.Unmarshal([]byte(result.Value), dest); decodeErr != nil {
		if strPtr, ok := dest.(*string); ok {
			*strPtr = result.Value
			return true, nil
		}
		return false, decodeErr
	}
	return true, nil
}

// Delete removes key from store and cache.
func (c *Client) Delete(ctx context.Context, key string) OpResult {
	c.cache.delete(key)
	commander, fail := c.guard("sharedstate.delete")
	if fail != nil {
		return *fail
	}
	if err := commander.Del(ctx, key); err != nil {
		c.disconnected(err)
		return OpResult{Ok: false, Err: err}
	}
	c.breaker.recordSuccess()
	c.metrics.StoreSuccess()
	return OpResult{Ok: true}
}

// MGet reads multiple keys, read-through-caching each.
func (c *Client) MGet(ctx context.Context, keys ...string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	commander, fail := c.guard("sharedstate.mget")
	if fail != nil {
		return nil, fail.Err
	}
	values, err := commander.MGet(ctx, keys...)
	if err != nil {
		c.disconnected(err)
		return nil, err
	}
	c.breaker.recordSuccess()
	c.metrics.StoreSuccess()
	out := make(map[string]string, len(keys))
	for i, key := range keys {
		if i >= len(values) || values[i] == nil {
			continue
		}
		str, ok := values[i].(string)
		if !ok {
			str = fmt.Sprintf("%v", values[i])
		}
		out[key] = str
		c.cache.set(key, str)
	}
	return out, nil
}

// MSet writes multiple key/value pairs in one round trip.
func (c *Client) MSet(ctx context.Context, pairs map[string]string) OpResult {
	for key, value := range pairs {
		c.cache.set(key, value)
	}
	commander, fail := c.guard("sharedstate.mset")
	if fail != nil {
		return *fail
	}
	if err := commander.MSet(ctx, pairs); err != nil {
		c.disconnected(err)
		return OpResult{Ok: false, Err: err}
	}
	c.breaker.recordSuccess()
	c.metrics.StoreSuccess()
	return OpResult{Ok: true}
}

// Increment atomically increments key and returns the new value.
func (c *Client) Increment(ctx context.Context, key string) (int64, error) {
	commander, fail := c.guard("sharedstate.increment")
	if fail != nil {
		return 0, fail.Err
	}
	value, err := commander.Incr(ctx, key)
	if err != nil {
		c.disconnected(err)
		return 0, err
	}
	c.breaker.recordSuccess()
	c.metrics.StoreSuccess()
	c.cache.set(key, fmt.Sprintf("%d", value))
	return value, nil
}

// Expire sets a TTL on an existing key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) OpResult {
	commander, fail := c.guard("sharedstate.expire")
	if fail != nil {
		return *fail
	}
	if err := commander.Expire(ctx, key, ttl); err != nil {
		c.disconnected(err)
		return OpResult{Ok: false, Err: err}
	}
	c.breaker.recordSuccess()
	c.metrics.StoreSuccess()
	return OpResult{Ok: true}
}

// Keys returns store keys matching pattern. Never served from cache since
// the cache does not track key sets.
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	commander, fail := c.guard("sharedstate.keys")
	if fail != nil {
		return nil, fail.Err
	}
	keys, err := commander.Keys(ctx, pattern)
	if err != nil {
		c.disconnected(err)
		return nil, err
	}
	c.breaker.recordSuccess()
	c.metrics.StoreSuccess()
	return keys, nil
}

// ListPush appends value to a Redis list and trims it to maxLen.
func (c *Client) ListPush(ctx context.Context, key, value string, maxLen int64) OpResult {
	commander, fail := c.guard("sharedstate.list_push")
	if fail != nil {
		return *fail
	}
	if err := commander.LPush(ctx, key, value); err != nil {
		c.disconnected(err)
		return OpResult{Ok: false, Err: err}
	}
	if maxLen > 0 {
		if err := commander.LTrim(ctx, key, 0, maxLen-1); err != nil {
			c.disconnected(err)
			return OpResult{Ok: false, Err: err}
		}
	}
	c.breaker.recordSuccess()
	c.metrics.StoreSuccess()
	return OpResult{Ok: true}
}

// ListRange returns up to limit entries from a Redis list, most-recent first.
func (c *Client) ListRange(ctx context.Context, key string, limit int64) ([]string, error) {
	commander, fail := c.guard("sharedstate.list_range")
	if fail != nil {
		return nil, fail.Err
	}
	values, err := commander.LRange(ctx, key, 0, limit-1)
	if err != nil {
		c.disconnected(err)
		return nil, err
	}
	c.breaker.recordSuccess()
	c.metrics.StoreSuccess()
	return values, nil
}

// Publish broadcasts message on channel.
func (c *Client) Publish(ctx context.Context, channel, message string) OpResult {
	commander, fail := c.guard("sharedstate.publish")
	if fail != nil {
		return *fail
	}
	if err := commander.Publish(ctx, channel, message); err != nil {
		c.disconnected(err)
		return OpResult{Ok: false, Err: err}
	}
	c.breaker.recordSuccess()
	c.metrics.StoreSuccess()
	return OpResult{Ok: true}
}

// Subscribe subscribes to channel and returns a stream of messages plus
// an unsubscribe function.
func (c *Client) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	commander, fail := c.guard("sharedstate.subscribe")
	if fail != nil {
		return nil, func() {}, fail.Err
	}
	stream, cancel, err := commander.Subscribe(ctx, channel)
	if err != nil {
		c.disconnected(err)
		return nil, func() {}, err
	}
	return stream, cancel, nil
}

// BreakerState exposes the circuit breaker's state for metrics/health.
func (c *Client) BreakerState() string {
	return c.breaker.stateName()
}

// Connected reports whether the client currently holds a live connection.
func (c *Client) Connected() bool {
	_, connected := c.activeCommander()
	return connected
}
