package app

import (
	"reflect"
	"testing"
	"time"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("PARLEY_TEST_STR", "  value ")
	t.Setenv("PARLEY_TEST_BOOL", "true")
	t.Setenv("PARLEY_TEST_BAD_BOOL", "maybe")
	t.Setenv("PARLEY_TEST_INT", "42")
	t.Setenv("PARLEY_TEST_NEG_INT", "-1")
	t.Setenv("PARLEY_TEST_DUR", "250ms")
	t.Setenv("PARLEY_TEST_CSV", " a, ,b ,")

	if got := EnvString("PARLEY_TEST_STR", "def"); got != "value" {
		t.Fatalf("EnvString=%q", got)
	}
	if got := EnvString("PARLEY_TEST_MISSING", "def"); got != "def" {
		t.Fatalf("EnvString default=%q", got)
	}
	if !EnvBool("PARLEY_TEST_BOOL", false) || EnvBool("PARLEY_TEST_BAD_BOOL", false) {
		t.Fatalf("EnvBool mismatch")
	}
	if EnvInt("PARLEY_TEST_INT", 1) != 42 || EnvInt("PARLEY_TEST_NEG_INT", 7) != 7 {
		t.Fatalf("EnvInt mismatch")
	}
	if EnvInt32("PARLEY_TEST_INT", 1) != 42 {
		t.Fatalf("EnvInt32 mismatch")
	}
	if EnvDuration("PARLEY_TEST_DUR", time.Second) != 250*time.Millisecond {
		t.Fatalf("EnvDuration mismatch")
	}
	if got := EnvCSV("PARLEY_TEST_CSV", nil); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("EnvCSV=%v", got)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("PARLEY_HTTP_ADDR", "")
	t.Setenv("PARLEY_MONGO_URL", "")
	t.Setenv("PARLEY_STORE_TIMEOUT", "")

	cfg := LoadConfig()
	if cfg.HTTPAddr != "0.0.0.0:8080" || cfg.MongoURL != "" || cfg.StoreTimeout != 5*time.Second {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.UploadMaxBytes != 10<<20 || cfg.TokenTTL != 24*time.Hour {
		t.Fatalf("upload/token defaults: %+v", cfg)
	}
}

func TestLoadConfig_WebSocket(t *testing.T) {
	t.Setenv("PARLEY_WS_ORIGIN_REQUIRED", "")
	t.Setenv("PARLEY_WS_ALLOWED_ORIGINS", "https://chat.example.com, https://admin.example.com")
	t.Setenv("PARLEY_WS_RATE_EVENTS", "30")

	ws := LoadConfig().WS
	if !ws.OriginRequired {
		t.Fatal("origin must be required by default")
	}
	if !reflect.DeepEqual(ws.AllowedOrigins, []string{"https://chat.example.com", "https://admin.example.com"}) {
		t.Fatalf("allowed origins=%v", ws.AllowedOrigins)
	}
	if ws.RateEvents != 30 || ws.HeartbeatInterval <= 0 {
		t.Fatalf("ws=%+v", ws)
	}
}
