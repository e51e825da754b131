package internal

import (
	"testing"
	"time"
)

type bindTestConfig struct {
	Host     string        `env:"HOST" default:"localhost"`
	Port     int           `env:"PORT" default:"8080"`
	Debug    bool          `env:"DEBUG" default:"false"`
	Timeout  time.Duration `env:"TIMEOUT" default:"30s"`
	Rate     float64       `env:"RATE" default:"0.5"`
	Workers  uint          `env:"WORKERS" default:"4"`
	Tags     []string      `env:"TAGS"`
	Untagged string
}

type bindNestedConfig struct {
	Name   string `env:"NAME" default:"app"`
	Server struct {
		Addr string `env:"SERVER_ADDR" default:":9090"`
	}
}

func TestBindStruct(t *testing.T) {
	snapshot := map[string]string{
		"HOST":    "example.com",
		"PORT":    "9000",
		"DEBUG":   "true",
		"TIMEOUT": "1m30s",
		"RATE":    "2.5",
		"WORKERS": "16",
		"TAGS":    "a, b ,c",
	}

	var cfg bindTestConfig
	if err := BindStruct(snapshot, &cfg); err != nil {
		t.Fatalf("BindStruct() error = %v", err)
	}

	if cfg.Host != "example.com" {
		t.Errorf("Host = %q, want %q", cfg.Host, "example.com")
	}
	if cfg.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Port)
	}
	if !cfg.Debug {
		t.Error("Debug = false, want true")
	}
	if cfg.Timeout != 90*time.Second {
		t.Errorf("Timeout = %v, want 90s", cfg.Timeout)
	}
	if cfg.Rate != 2.5 {
		t.Errorf("Rate = %v, want 2.5", cfg.Rate)
	}
	if cfg.Workers != 16 {
		t.Errorf("Workers = %d, want 16", cfg.Workers)
	}
	if len(cfg.Tags) != 3 || cfg.Tags[0] != "a" || cfg.Tags[1] != "b" || cfg.Tags[2] != "c" {
		t.Errorf("Tags = %v, want [a b c]", cfg.Tags)
	}
	if cfg.Untagged != "" {
		t.Errorf("Untagged = %q, want empty", cfg.Untagged)
	}
}

func TestBindStruct_Defaults(t *testing.T) {
	var cfg bindTestConfig
	if err := BindStruct(map[string]string{}, &cfg); err != nil {
		t.Fatalf("BindStruct() error = %v", err)
	}

	if cfg.Host != "localhost" {
		t.Errorf("Host = %q, want %q", cfg.Host, "localhost")
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout)
	}
	if cfg.Debug {
		t.Error("Debug = true, want false")
	}
	if cfg.Tags != nil {
		t.Errorf("Tags = %v, want nil", cfg.Tags)
	}
}

func TestBindStruct_Nested(t *testing.T) {
	snapshot := map[string]string{
		"SERVER_ADDR": ":8443",
	}

	var cfg bindNestedConfig
	if err := BindStruct(snapshot, &cfg); err != nil {
		t.Fatalf("BindStruct() error = %v", err)
	}

	if cfg.Name != "app" {
		t.Errorf("Name = %q, want %q", cfg.Name, "app")
	}
	if cfg.Server.Addr != ":8443" {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, ":8443")
	}
}

func TestBindStruct_InvalidTarget(t *testing.T) {
	var cfg bindTestConfig
	if err := BindStruct(map[string]string{}, cfg); err == nil {
		t.Error("BindStruct() should reject non-pointer target")
	}

	var n int
	if err := BindStruct(map[string]string{}, &n); err == nil {
		t.Error("BindStruct() should reject pointer to non-struct")
	}
}

func TestBindStruct_ParseError(t *testing.T) {
	snapshot := map[string]string{"PORT": "not-a-number"}

	var cfg bindTestConfig
	if err := BindStruct(snapshot, &cfg); err == nil {
		t.Error("BindStruct() should fail on unparseable int")
	}
}
