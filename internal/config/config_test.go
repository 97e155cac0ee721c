package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load returned nil config")
	}
	if cfg.EventsKafkaTopic != "soundstream-events" {
		t.Errorf("EventsKafkaTopic = %q, want %q", cfg.EventsKafkaTopic, "soundstream-events")
	}
	if cfg.KafkaGroupID != "soundstream-notifier" {
		t.Errorf("KafkaGroupID = %q, want %q", cfg.KafkaGroupID, "soundstream-notifier")
	}
	if cfg.WorkerBatchSize != 500 {
		t.Errorf("WorkerBatchSize = %d, want 500", cfg.WorkerBatchSize)
	}
	if cfg.InsertBatchSize != 2000 {
		t.Errorf("InsertBatchSize = %d, want 2000", cfg.InsertBatchSize)
	}
	if cfg.LookupBatchSize != 10000 {
		t.Errorf("LookupBatchSize = %d, want 10000", cfg.LookupBatchSize)
	}
	if cfg.MaxFanoutWarn != 100000 {
		t.Errorf("MaxFanoutWarn = %d, want 100000", cfg.MaxFanoutWarn)
	}
	if cfg.OTELExporterOTLPEndpoint != "" {
		t.Errorf("OTELExporterOTLPEndpoint = %q, want empty", cfg.OTELExporterOTLPEndpoint)
	}
}

func TestLoad_EnvVarOverride(t *testing.T) {
	os.Clearenv()
	os.Setenv("DATABASE_URL", "postgres://localhost/notifier")
	os.Setenv("EVENTS_KAFKA_TOPIC", "custom-events")
	os.Setenv("WORKER_BATCH_SIZE", "250")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://localhost/notifier" {
		t.Errorf("DatabaseURL = %q, want override", cfg.DatabaseURL)
	}
	if cfg.EventsKafkaTopic != "custom-events" {
		t.Errorf("EventsKafkaTopic = %q, want %q", cfg.EventsKafkaTopic, "custom-events")
	}
	if cfg.WorkerBatchSize != 250 {
		t.Errorf("WorkerBatchSize = %d, want 250", cfg.WorkerBatchSize)
	}
}

func TestLoad_InvalidBatchSizes(t *testing.T) {
	testCases := []struct {
		name string
		key  string
	}{
		{"worker batch", "WORKER_BATCH_SIZE"},
		{"insert batch", "INSERT_BATCH_SIZE"},
		{"lookup batch", "LOOKUP_BATCH_SIZE"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			os.Clearenv()
			os.Setenv(tc.key, "0")

			if _, err := Load(); err == nil {
				t.Fatalf("Load should return error when %s=0", tc.key)
			}
		})
	}
}

func TestFlushInterval_ValidDuration(t *testing.T) {
	os.Clearenv()
	os.Setenv("WORKER_FLUSH_INTERVAL", "500ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.FlushInterval(); got != 500*time.Millisecond {
		t.Errorf("FlushInterval = %v, want %v", got, 500*time.Millisecond)
	}
}

func TestFlushInterval_InvalidDuration(t *testing.T) {
	for _, value := range []string{"invalid", "0", "-1s"} {
		os.Clearenv()
		os.Setenv("WORKER_FLUSH_INTERVAL", value)

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if got := cfg.FlushInterval(); got != 2*time.Second {
			t.Errorf("FlushInterval(%q) = %v, want %v (default)", value, got, 2*time.Second)
		}
	}
}

func TestKafkaBrokersList(t *testing.T) {
	testCases := []struct {
		name  string
		value string
		want  []string
	}{
		{"empty", "", nil},
		{"single", "localhost:9092", []string{"localhost:9092"}},
		{"multiple with spaces", "a:9092, b:9092 ,c:9092", []string{"a:9092", "b:9092", "c:9092"}},
		{"trailing comma", "a:9092,", []string{"a:9092"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{KafkaBrokers: tc.value}
			got := cfg.KafkaBrokersList()
			if len(got) != len(tc.want) {
				t.Fatalf("KafkaBrokersList() = %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("broker[%d] = %q, want %q", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestKafkaBrokersList_NilConfig(t *testing.T) {
	var cfg *Config
	if got := cfg.KafkaBrokersList(); got != nil {
		t.Errorf("KafkaBrokersList on nil config = %v, want nil", got)
	}
}
