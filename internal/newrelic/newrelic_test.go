package newrelic

import (
	"sync"
	"testing"
	"time"

	"github.com/nexus-pool/nxs-pool/internal/config"
	"github.com/nexus-pool/nxs-pool/internal/round"
	"github.com/nexus-pool/nxs-pool/internal/storage"
)

type fakeSink struct {
	mu      sync.Mutex
	events  map[string][]map[string]interface{}
	metrics map[string]float64
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		events:  make(map[string][]map[string]interface{}),
		metrics: make(map[string]float64),
	}
}

func (f *fakeSink) RecordCustomEvent(eventType string, params map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[eventType] = append(f.events[eventType], params)
}

func (f *fakeSink) RecordCustomMetric(name string, value float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics[name] = value
}

func attached(sink *fakeSink) *Agent {
	agent := NewAgent(&config.NewRelicConfig{Enabled: true, AppName: "Test Pool"})
	agent.sink = sink
	return agent
}

func TestNewAgent(t *testing.T) {
	cfg := &config.NewRelicConfig{
		Enabled:    true,
		AppName:    "Test Pool",
		LicenseKey: "test_key",
	}

	agent := NewAgent(cfg)
	if agent.cfg != cfg {
		t.Error("Agent.cfg not set correctly")
	}
	if agent.app != nil || agent.IsEnabled() {
		t.Error("agent should be idle before Start()")
	}
}

func TestStartWithoutApplication(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.NewRelicConfig
	}{
		{"disabled", config.NewRelicConfig{Enabled: false, LicenseKey: "key"}},
		{"no license key", config.NewRelicConfig{Enabled: true, AppName: "Test Pool"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent := NewAgent(&tt.cfg)
			if err := agent.Start(); err != nil {
				t.Errorf("Start() error = %v", err)
			}
			if agent.IsEnabled() {
				t.Error("IsEnabled() = true, want false")
			}
			if txn := agent.StartTransaction("test"); txn != nil {
				t.Error("StartTransaction() should return nil when not started")
			}
			agent.Stop()
		})
	}
}

func TestRecordersNotStarted(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{})

	// none of these should panic without an application
	agent.RecordCustomEvent("TestEvent", map[string]interface{}{"key": "value"})
	agent.RecordCustomMetric("Custom/Test", 123.45)
	agent.RecordShare("addr", "ACCEPT", 7.5)
	agent.RecordBan("10.0.0.1", "flood", time.Hour, 21, 0)
	agent.BlockSubmitted(10, "hash", "finder")
	agent.RoundClosed(&storage.BlockRecord{Round: 1})
	agent.BlockOrphaned(&storage.BlockRecord{Round: 1})
	agent.UpdatePoolMetrics(round.Snapshot{}, 0, 0)
}

func TestRecordShare(t *testing.T) {
	sink := newFakeSink()
	agent := attached(sink)

	agent.RecordShare("addr1", "ACCEPT", 7.25)
	agent.RecordShare("addr2", "REJECT", 3)

	got := sink.events["ShareSubmission"]
	if len(got) != 2 {
		t.Fatalf("recorded %d share events, want 2", len(got))
	}
	if got[0]["address"] != "addr1" || got[0]["result"] != "ACCEPT" || got[0]["difficulty"] != 7.25 {
		t.Errorf("first share event = %v", got[0])
	}
	if got[1]["result"] != "REJECT" {
		t.Errorf("second share result = %v, want REJECT", got[1]["result"])
	}
}

func TestRecordBan(t *testing.T) {
	sink := newFakeSink()
	agent := attached(sink)

	agent.RecordBan("10.0.0.9", "invalid packet", 2*time.Hour, 25, 3)

	got := sink.events["PeerBanned"]
	if len(got) != 1 {
		t.Fatalf("recorded %d ban events, want 1", len(got))
	}
	if got[0]["ip"] != "10.0.0.9" || got[0]["seconds"] != int64(7200) {
		t.Errorf("ban event = %v", got[0])
	}
	if got[0]["rScore"] != 25 || got[0]["cScore"] != 3 {
		t.Errorf("ban scores = %v, %v", got[0]["rScore"], got[0]["cScore"])
	}
}

func TestBlockEvents(t *testing.T) {
	sink := newFakeSink()
	agent := attached(sink)

	rec := &storage.BlockRecord{Hash: "abcd", Round: 4, Height: 900, Reward: 5000, Finder: "finder"}
	agent.BlockSubmitted(rec.Height, rec.Hash, rec.Finder)
	agent.RoundClosed(rec)
	agent.BlockOrphaned(rec)

	for _, name := range []string{"BlockSubmitted", "BlockFound", "BlockOrphaned"} {
		if n := len(sink.events[name]); n != 1 {
			t.Errorf("%s events = %d, want 1", name, n)
		}
	}
	if got := sink.events["BlockFound"][0]["reward"]; got != uint64(5000) {
		t.Errorf("BlockFound reward = %v, want 5000", got)
	}
	if got := sink.events["BlockSubmitted"][0]["height"]; got != uint32(900) {
		t.Errorf("BlockSubmitted height = %v, want 900", got)
	}
}

func TestUpdatePoolMetrics(t *testing.T) {
	sink := newFakeSink()
	agent := attached(sink)

	agent.UpdatePoolMetrics(round.Snapshot{Height: 1200, Round: 7}, 35, 1953125)

	want := map[string]float64{
		"Custom/Pool/Connections": 35,
		"Custom/Pool/RoundWeight": 1953125,
		"Custom/Pool/Round":       7,
		"Custom/Network/Height":   1200,
	}
	for name, v := range want {
		if got := sink.metrics[name]; got != v {
			t.Errorf("%s = %v, want %v", name, got, v)
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	sink := newFakeSink()
	agent := attached(sink)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agent.IsEnabled()
			agent.StartTransaction("test")
			agent.RecordShare("addr", "ACCEPT", 1)
			agent.RecordCustomMetric("test", 1.0)
		}()
	}
	wg.Wait()

	if n := len(sink.events["ShareSubmission"]); n != 10 {
		t.Errorf("share events = %d, want 10", n)
	}
}
