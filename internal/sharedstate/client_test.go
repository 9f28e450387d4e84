package sharedstate

import (
	"context"
	"testing"
	"time"
)

func newTestClient(commander *fakeCommander) *Client {
	return NewWithCommander(Config{
		CacheTTL:         time.Minute,
		CacheEnabled:     true,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Millisecond,
	}, commander)
}

func TestClientSetThenGetReadsThroughCache(t *testing.T) {
	commander := newFakeCommander()
	client := newTestClient(commander)
	defer client.Close()
	ctx := context.Background()

	if result := client.Set(ctx, "k1", "v1", 0); !result.Ok {
		t.Fatalf("set failed: %v", result.Err)
	}

	result := client.Get(ctx, "k1", false)
	if !result.Ok || result.Value != "v1" {
		t.Fatalf("unexpected get result: %+v", result)
	}

	hits, _ := client.CacheStats()
	if hits == 0 {
		t.Fatalf("expected at least one cache hit")
	}
}

func TestClientGetMissingKeyIsNotAFailure(t *testing.T) {
	commander := newFakeCommander()
	client := newTestClient(commander)
	defer client.Close()

	result := client.Get(context.Background(), "absent", true)
	if !result.Ok {
		t.Fatalf("expected missing key to be a successful empty read, got %+v", result)
	}
	if result.Value != "" {
		t.Fatalf("expected empty value, got %q", result.Value)
	}
}

func TestClientBreakerOpensAfterRepeatedFailures(t *testing.T) {
	commander := newFakeCommander()
	client := newTestClient(commander)
	defer client.Close()
	ctx := context.Background()

	commander.failNextCalls(5)
	for i := 0; i < 5; i++ {
		client.Set(ctx, "k", "v", 0)
	}

	if client.BreakerState() != "open" {
		t.Fatalf("expected breaker open after 5 consecutive failures")
	}

	result := client.Set(ctx, "k2", "v2", 0)
	if result.Ok {
		t.Fatalf("expected short-circuited failure while breaker open")
	}
}

func TestClientBreakerRecoversAfterResetTimeout(t *testing.T) {
	commander := newFakeCommander()
	client := newTestClient(commander)
	defer client.Close()
	ctx := context.Background()

	commander.failNextCalls(5)
	for i := 0; i < 5; i++ {
		client.Set(ctx, "k", "v", 0)
	}
	if client.BreakerState() != "open" {
		t.Fatalf("expected breaker open")
	}

	time.Sleep(40 * time.Millisecond)
	result := client.Set(ctx, "k3", "v3", 0)
	if !result.Ok {
		t.Fatalf("expected trial call after reset timeout to succeed: %v", result.Err)
	}
	if client.BreakerState() != "closed" {
		t.Fatalf("expected breaker closed after successful trial call")
	}
}

func TestClientSetDegradesToCacheWhenStoreFails(t *testing.T) {
	commander := newFakeCommander()
	client := newTestClient(commander)
	defer client.Close()
	ctx := context.Background()

	commander.failNextCalls(1)
	result := client.Set(ctx, "k", "v", 0)
	if result.Ok {
		t.Fatalf("expected set to report failure when store write fails")
	}

	cached := client.Get(ctx, "k", false)
	if !cached.Ok || cached.Value != "v" {
		t.Fatalf("expected local-only write to survive in cache: %+v", cached)
	}
}

func TestClientListPushTrimsToLimit(t *testing.T) {
	commander := newFakeCommander()
	client := newTestClient(commander)
	defer client.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		client.ListPush(ctx, "chat:ws1:messages", string(rune('a'+i)), 3)
	}

	values, err := client.ListRange(ctx, "chat:ws1:messages", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(values) != 3 {
		t.Fatalf("expected list trimmed to 3 entries, got %d: %v", len(values), values)
	}
}

func TestClientJSONRoundTrip(t *testing.T) {
	commander := newFakeCommander()
	client := newTestClient(commander)
	defer client.Close()
	ctx := context.Background()

	type payload struct {
		Name string `json:"name"`
	}

	if result := client.SetJSON(ctx, "k", payload{Name: "alice"}, 0); !result.Ok {
		t.Fatalf("setjson failed: %v", result.Err)
	}

	var decoded payload
	found, err := client.GetJSON(ctx, "k", true, &decoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Fatalf("expected value found")
	}
	if decoded.Name != "alice" {
		t.Fatalf("unexpected decoded value: %+v", decoded)
	}
}

func TestClientHealthCheckClassifiesLatency(t *testing.T) {
	commander := newFakeCommander()
	commander.pingLatency = 150 * time.Millisecond
	client := newTestClient(commander)
	defer client.Close()

	report := client.HealthCheck(context.Background())
	if report.Status != HealthDegraded {
		t.Fatalf("expected degraded status for slow ping, got %s", report.Status)
	}
}
