package marketdata

import (
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// recordingUpstream captures subscribe/unsubscribe batches
type recordingUpstream struct {
	mu           sync.Mutex
	subscribed   [][]string
	unsubscribed [][]string
	failNext     error
}

func (u *recordingUpstream) Subscribe(symbols []string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failNext != nil {
		err := u.failNext
		u.failNext = nil
		return err
	}
	batch := append([]string(nil), symbols...)
	sort.Strings(batch)
	u.subscribed = append(u.subscribed, batch)
	return nil
}

func (u *recordingUpstream) Unsubscribe(symbols []string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	batch := append([]string(nil), symbols...)
	sort.Strings(batch)
	u.unsubscribed = append(u.unsubscribed, batch)
	return nil
}

func batchesEqual(a, b [][]string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				return false
			}
		}
	}
	return true
}

func TestSubscriptionRefcounting(t *testing.T) {
	upstream := &recordingUpstream{}
	m := NewSubscriptionManager(upstream, zerolog.Nop())

	// Consumer A subscribes XYZ: first consumer triggers upstream.
	if err := m.Subscribe([]string{"XYZ"}, "consumer-a"); err != nil {
		t.Fatalf("Subscribe a: %v", err)
	}
	// Consumer B subscribes the same symbol: no upstream call.
	if err := m.Subscribe([]string{"XYZ"}, "consumer-b"); err != nil {
		t.Fatalf("Subscribe b: %v", err)
	}
	if want := [][]string{{"XYZ"}}; !batchesEqual(upstream.subscribed, want) {
		t.Errorf("upstream subscribes = %v, want %v", upstream.subscribed, want)
	}
	if m.ConsumerCount("XYZ") != 2 {
		t.Errorf("consumers = %d, want 2", m.ConsumerCount("XYZ"))
	}

	// A leaves: B still needs the symbol, so it stays subscribed.
	if err := m.Unsubscribe([]string{"XYZ"}, "consumer-a"); err != nil {
		t.Fatalf("Unsubscribe a: %v", err)
	}
	if len(upstream.unsubscribed) != 0 {
		t.Errorf("upstream unsubscribes = %v, want none while a consumer remains", upstream.unsubscribed)
	}
	if !m.IsSubscribed("XYZ") {
		t.Error("symbol must stay subscribed while any consumer needs it")
	}

	// B leaves: set is empty, upstream unsubscribes.
	if err := m.Unsubscribe([]string{"XYZ"}, "consumer-b"); err != nil {
		t.Fatalf("Unsubscribe b: %v", err)
	}
	if want := [][]string{{"XYZ"}}; !batchesEqual(upstream.unsubscribed, want) {
		t.Errorf("upstream unsubscribes = %v, want %v", upstream.unsubscribed, want)
	}
	if m.IsSubscribed("XYZ") {
		t.Error("symbol must be unsubscribed once the last consumer leaves")
	}
}

func TestSubscribeBatchesOnlyNewSymbols(t *testing.T) {
	upstream := &recordingUpstream{}
	m := NewSubscriptionManager(upstream, zerolog.Nop())

	if err := m.Subscribe([]string{"AAA", "BBB"}, "consumer-a"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	// BBB already active; only CCC is new upstream.
	if err := m.Subscribe([]string{"BBB", "CCC"}, "consumer-b"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	want := [][]string{{"AAA", "BBB"}, {"CCC"}}
	if !batchesEqual(upstream.subscribed, want) {
		t.Errorf("upstream subscribes = %v, want %v", upstream.subscribed, want)
	}
}

func TestSubscribeNormalizesCase(t *testing.T) {
	upstream := &recordingUpstream{}
	m := NewSubscriptionManager(upstream, zerolog.Nop())

	if err := m.Subscribe([]string{"xyz"}, "consumer-a"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !m.IsSubscribed("XYZ") {
		t.Error("lower-case subscribe must map to the canonical symbol")
	}
}

func TestSubscribeUpstreamFailureKeepsDesiredState(t *testing.T) {
	upstream := &recordingUpstream{failNext: errors.New("feed down")}
	m := NewSubscriptionManager(upstream, zerolog.Nop())

	if err := m.Subscribe([]string{"XYZ"}, "consumer-a"); err == nil {
		t.Fatal("expected upstream failure to surface")
	}

	// Desired state is recorded so SyncUpstream can repair it.
	if !m.IsSubscribed("XYZ") {
		t.Fatal("desired subscription must survive an upstream failure")
	}
	if err := m.SyncUpstream(); err != nil {
		t.Fatalf("SyncUpstream: %v", err)
	}
	if want := [][]string{{"XYZ"}}; !batchesEqual(upstream.subscribed, want) {
		t.Errorf("upstream subscribes after sync = %v, want %v", upstream.subscribed, want)
	}

	stats := m.Stats()
	if stats.SubscriptionFailures != 1 {
		t.Errorf("failures = %d, want 1", stats.SubscriptionFailures)
	}
}
