package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Listen.Bind != "0.0.0.0:53530" {
		t.Errorf("default bind = %q", s.Listen.Bind)
	}
	if s.Identity.Handle == "" {
		t.Error("handle not generated")
	}
	if !s.Discovery.Enabled || s.Discovery.Port != 54095 {
		t.Errorf("discovery defaults wrong: %+v", s.Discovery)
	}
	if s.TLS.Mode != TLSModeEphemeral {
		t.Errorf("default tls mode = %q", s.TLS.Mode)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
listen:
  bind: 127.0.0.1:5000
  password: s3cret
identity:
  handle: alice
limits:
  max_message_bytes: 1024
  chunk_bytes: 4096
discovery:
  enabled: false
  port: 40000
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Listen.Bind != "127.0.0.1:5000" || s.Listen.Password != "s3cret" {
		t.Errorf("listen = %+v", s.Listen)
	}
	if s.Identity.Handle != "alice" {
		t.Errorf("handle = %q", s.Identity.Handle)
	}
	if s.Limits.MaxMessageBytes != 1024 || s.Limits.ChunkBytes != 4096 {
		t.Errorf("limits = %+v", s.Limits)
	}
	if s.Discovery.Enabled {
		t.Error("discovery should be disabled")
	}
	// Untouched sections keep their defaults.
	if s.Limits.MaxFileBytes != 2<<30 {
		t.Errorf("max_file_bytes = %d", s.Limits.MaxFileBytes)
	}
}

func TestEnvOverrides(t *testing.T) {
	s := Default()
	env := []string{
		"DEZAP__LISTEN__BIND=10.0.0.1:4444",
		"DEZAP__IDENTITY__HANDLE=bob",
		"DEZAP__LIMITS__MAX_MESSAGE_BYTES=2048",
		"DEZAP__DISCOVERY__ENABLED=false",
		"DEZAP__TLS__INSECURE_LOCAL=true",
		"UNRELATED=ignored",
	}
	if err := applyEnv(&s, env); err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	if s.Listen.Bind != "10.0.0.1:4444" {
		t.Errorf("bind = %q", s.Listen.Bind)
	}
	if s.Identity.Handle != "bob" {
		t.Errorf("handle = %q", s.Identity.Handle)
	}
	if s.Limits.MaxMessageBytes != 2048 {
		t.Errorf("max_message_bytes = %d", s.Limits.MaxMessageBytes)
	}
	if s.Discovery.Enabled {
		t.Error("discovery should be disabled")
	}
	if !s.TLS.InsecureLocal {
		t.Error("insecure_local not set")
	}
}

func TestEnvOverrideUnknownKey(t *testing.T) {
	s := Default()
	if err := applyEnv(&s, []string{"DEZAP__LISTEN__TYPO=x"}); err == nil {
		t.Error("unknown key accepted")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"bad tls mode", func(s *Settings) { s.TLS.Mode = "plaintext" }},
		{"pem without cert", func(s *Settings) { s.TLS.Mode = TLSModePEM }},
		{"zero message cap", func(s *Settings) { s.Limits.MaxMessageBytes = 0 }},
		{"zero file cap", func(s *Settings) { s.Limits.MaxFileBytes = 0 }},
		{"oversized chunk", func(s *Settings) { s.Limits.ChunkBytes = 17 << 20 }},
		{"bad discovery port", func(s *Settings) { s.Discovery.Port = 70000 }},
		{"zero ttl", func(s *Settings) { s.Discovery.ResponseTTLMS = 0 }},
	}
	for _, tc := range cases {
		s := Default()
		tc.mutate(&s)
		if err := s.validate(); err == nil {
			t.Errorf("%s: validate accepted", tc.name)
		}
	}

	s := Default()
	if err := s.validate(); err != nil {
		t.Errorf("defaults rejected: %v", err)
	}
}
