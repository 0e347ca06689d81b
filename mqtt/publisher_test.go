package mqtt

import (
	"encoding/json"
	"testing"
	"time"

	"opclink/config"
)

// TestChangeDetectionLogic tests the core change detection logic directly.
func TestChangeDetectionLogic(t *testing.T) {
	t.Run("identical value and quality should not republish", func(t *testing.T) {
		cache := make(map[string]string)
		cache["srv1/tag1"] = "100|Good"

		last, exists := cache["srv1/tag1"]
		force := false
		shouldPublish := !exists || force || last != "100|Good"

		if shouldPublish {
			t.Error("identical value should not republish")
		}
	})

	t.Run("changed value should republish", func(t *testing.T) {
		cache := make(map[string]string)
		cache["srv1/tag1"] = "100|Good"

		last, exists := cache["srv1/tag1"]
		shouldPublish := !exists || last != "200|Good"

		if !shouldPublish {
			t.Error("different value should republish")
		}
	})

	t.Run("quality change alone should republish", func(t *testing.T) {
		cache := make(map[string]string)
		cache["srv1/tag1"] = "100|Good"

		last, exists := cache["srv1/tag1"]
		shouldPublish := !exists || last != "100|Uncertain"

		if !shouldPublish {
			t.Error("quality change should republish even with same value")
		}
	})

	t.Run("force flag should override change detection", func(t *testing.T) {
		cache := make(map[string]string)
		cache["srv1/tag1"] = "100|Good"

		last, exists := cache["srv1/tag1"]
		force := true
		shouldPublish := !exists || force || last != "100|Good"

		if !shouldPublish {
			t.Error("force flag should override change detection")
		}
	})

	t.Run("new key should always publish", func(t *testing.T) {
		cache := make(map[string]string)

		_, exists := cache["srv1/tag1"]
		if exists {
			t.Fatal("cache should start empty")
		}
	})

	t.Run("different servers are tracked separately", func(t *testing.T) {
		cache := make(map[string]string)
		cache["srv1/tag1"] = "100|Good"

		if _, exists := cache["srv2/tag1"]; exists {
			t.Error("different servers should be tracked separately")
		}
	})
}

// TestPublisherMessagePayload tests that the JSON message payload is correct.
func TestPublisherMessagePayload(t *testing.T) {
	t.Run("message includes all fields", func(t *testing.T) {
		msg := TagMessage{
			Namespace: "factory-a",
			Server:    "sim",
			Tag:       "Random.Int4",
			Value:     "42",
			Quality:   "Good",
			Writable:  true,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}

		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("marshal error: %v", err)
		}

		var decoded map[string]interface{}
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("unmarshal error: %v", err)
		}

		requiredFields := []string{"namespace", "server", "tag", "value", "quality", "writable", "timestamp"}
		for _, field := range requiredFields {
			if _, ok := decoded[field]; !ok {
				t.Errorf("missing required field: %s", field)
			}
		}
	})

	t.Run("write response omits empty error", func(t *testing.T) {
		resp := WriteResponse{
			Namespace: "factory-a",
			Server:    "sim",
			Tag:       "Bucket Brigade.Int4",
			Value:     float64(5),
			Success:   true,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}

		data, err := json.Marshal(resp)
		if err != nil {
			t.Fatalf("marshal error: %v", err)
		}

		var decoded map[string]interface{}
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("unmarshal error: %v", err)
		}

		if _, ok := decoded["error"]; ok {
			t.Error("error field should be omitted on success")
		}
		if decoded["success"] != true {
			t.Errorf("expected success true, got %v", decoded["success"])
		}
	})
}

// TestConvertJSONValue tests write value narrowing from JSON-decoded types.
func TestConvertJSONValue(t *testing.T) {
	tests := []struct {
		name     string
		value    interface{}
		expected interface{}
		hasError bool
	}{
		{"whole_number_to_int32", float64(100), int32(100), false},
		{"negative_whole", float64(-100000), int32(-100000), false},
		{"int32_max", float64(2147483647), int32(2147483647), false},
		{"int32_min", float64(-2147483648), int32(-2147483648), false},
		{"beyond_int32_to_int64", float64(3000000000), int64(3000000000), false},
		{"negative_beyond_int32", float64(-3000000000), int64(-3000000000), false},
		{"fractional_stays_float", float64(3.14), float64(3.14), false},
		{"zero", float64(0), int32(0), false},
		{"bool_true", true, true, false},
		{"bool_false", false, false, false},
		{"string", "hello", "hello", false},
		{"nil_rejected", nil, nil, true},
		{"array_rejected", []interface{}{1, 2}, nil, true},
		{"object_rejected", map[string]interface{}{"a": 1}, nil, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := convertJSONValue(tc.value)

			if tc.hasError {
				if err == nil {
					t.Errorf("expected error for %s", tc.name)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result != tc.expected {
				t.Errorf("expected %v (%T), got %v (%T)", tc.expected, tc.expected, result, result)
			}
		})
	}
}

// TestPublisherTopics tests root topic and tag topic construction.
func TestPublisherTopics(t *testing.T) {
	t.Run("namespace only", func(t *testing.T) {
		cfg := &config.MQTTConfig{Name: "broker1"}
		pub := NewPublisher(cfg, "factory-a")

		if got := pub.RootTopic(); got != "factory-a" {
			t.Errorf("expected root 'factory-a', got %q", got)
		}
		if got := pub.BuildTopic("sim", "Random.Int4"); got != "factory-a/sim/tags/Random.Int4" {
			t.Errorf("unexpected tag topic %q", got)
		}
	})

	t.Run("namespace with selector", func(t *testing.T) {
		cfg := &config.MQTTConfig{Name: "broker1", Selector: "line2"}
		pub := NewPublisher(cfg, "factory-a")

		if got := pub.RootTopic(); got != "factory-a/line2" {
			t.Errorf("expected root 'factory-a/line2', got %q", got)
		}
		if got := pub.BuildTopic("sim", "Counter"); got != "factory-a/line2/sim/tags/Counter" {
			t.Errorf("unexpected tag topic %q", got)
		}
	})
}

// TestNewPublisher tests publisher creation.
func TestNewPublisher(t *testing.T) {
	cfg := &config.MQTTConfig{
		Name:    "test",
		Broker:  "localhost",
		Port:    1883,
		Enabled: true,
	}
	pub := NewPublisher(cfg, "factory-a")

	if pub == nil {
		t.Fatal("expected non-nil publisher")
	}
	if pub.Name() != "test" {
		t.Errorf("expected name 'test', got %q", pub.Name())
	}
	if pub.IsRunning() {
		t.Error("new publisher should not be running")
	}
}

// TestPublisherAddress tests address formatting.
func TestPublisherAddress(t *testing.T) {
	t.Run("tcp address", func(t *testing.T) {
		cfg := &config.MQTTConfig{
			Broker: "localhost",
			Port:   1883,
			UseTLS: false,
		}
		pub := NewPublisher(cfg, "test")

		if addr := pub.Address(); addr != "tcp://localhost:1883" {
			t.Errorf("expected 'tcp://localhost:1883', got %q", addr)
		}
	})

	t.Run("ssl address", func(t *testing.T) {
		cfg := &config.MQTTConfig{
			Broker: "localhost",
			Port:   8883,
			UseTLS: true,
		}
		pub := NewPublisher(cfg, "test")

		if addr := pub.Address(); addr != "ssl://localhost:8883" {
			t.Errorf("expected 'ssl://localhost:8883', got %q", addr)
		}
	})
}

// TestManager tests publisher registration and shared callback propagation.
func TestManager(t *testing.T) {
	t.Run("add get remove", func(t *testing.T) {
		m := NewManager("factory-a")
		pub := NewPublisher(&config.MQTTConfig{Name: "b1"}, "factory-a")
		m.Add(pub)

		if m.Get("b1") != pub {
			t.Error("Get should return the added publisher")
		}
		if len(m.List()) != 1 {
			t.Errorf("expected 1 publisher, got %d", len(m.List()))
		}

		m.Remove("b1")
		if m.Get("b1") != nil {
			t.Error("publisher should be gone after Remove")
		}
	})

	t.Run("load from config uses manager namespace", func(t *testing.T) {
		m := NewManager("plant-7")
		m.LoadFromConfig([]config.MQTTConfig{
			{Name: "b1", Broker: "localhost", Port: 1883},
			{Name: "b2", Broker: "localhost", Port: 1884, Selector: "cell3"},
		})

		if len(m.List()) != 2 {
			t.Fatalf("expected 2 publishers, got %d", len(m.List()))
		}
		if got := m.Get("b1").RootTopic(); got != "plant-7" {
			t.Errorf("expected root 'plant-7', got %q", got)
		}
		if got := m.Get("b2").RootTopic(); got != "plant-7/cell3" {
			t.Errorf("expected root 'plant-7/cell3', got %q", got)
		}
	})

	t.Run("callbacks apply to publishers added later", func(t *testing.T) {
		m := NewManager("factory-a")

		validated := false
		m.SetWriteValidator(func(serverName, tagName string) bool {
			validated = true
			return true
		})
		m.SetWriteHandler(func(serverName, tagName string, value interface{}) error {
			return nil
		})

		pub := NewPublisher(&config.MQTTConfig{Name: "late"}, "factory-a")
		m.Add(pub)

		pub.mu.RLock()
		hasValidator := pub.writeValidator != nil
		hasHandler := pub.writeHandler != nil
		pub.mu.RUnlock()

		if !hasValidator || !hasHandler {
			t.Fatal("callbacks should propagate to publishers added after Set calls")
		}
		pub.writeValidator("sim", "tag")
		if !validated {
			t.Error("propagated validator should be the manager's")
		}
	})

	t.Run("no publishers running", func(t *testing.T) {
		m := NewManager("factory-a")
		if m.AnyRunning() {
			t.Error("empty manager should report nothing running")
		}
		// Publish with no publishers must not panic
		m.Publish("sim", "tag", "1", "Good", "", false)
	})
}
