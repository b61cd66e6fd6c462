package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	petname "github.com/dustinkirkland/golang-petname"
	"gopkg.in/yaml.v3"
)

// TLS modes accepted in the [tls] section.
const (
	TLSModeEphemeral = "ephemeral-self-signed"
	TLSModePEM       = "pem-files"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// DEZAP__LISTEN__BIND=0.0.0.0:5000.
const EnvPrefix = "DEZAP__"

// Settings is the immutable per-run configuration record consumed by the
// core. Built once by Load and never mutated afterwards.
type Settings struct {
	Listen    ListenSettings    `yaml:"listen"`
	Peer      PeerSettings      `yaml:"peer"`
	Identity  IdentitySettings  `yaml:"identity"`
	Paths     PathSettings      `yaml:"paths"`
	Limits    LimitSettings     `yaml:"limits"`
	TLS       TLSSettings       `yaml:"tls"`
	UI        UISettings        `yaml:"ui"`
	Discovery DiscoverySettings `yaml:"discovery"`
}

type ListenSettings struct {
	Bind     string `yaml:"bind"`
	Password string `yaml:"password"`
}

// PeerSettings holds the default target for one-shot commands.
type PeerSettings struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
}

type IdentitySettings struct {
	Handle string `yaml:"handle"`
}

type PathSettings struct {
	DownloadDir string `yaml:"download_dir"`
	HistoryDir  string `yaml:"history_dir"`
	SavedPeers  string `yaml:"saved_peers"`
}

type LimitSettings struct {
	MaxMessageBytes   int   `yaml:"max_message_bytes"`
	MaxFileBytes      int64 `yaml:"max_file_bytes"`
	ChunkBytes        int   `yaml:"chunk_bytes"`
	DisableEncryption bool  `yaml:"disable_encryption"`
}

type TLSSettings struct {
	Mode          string   `yaml:"mode"`
	Cert          string   `yaml:"cert"`
	Key           string   `yaml:"key"`
	ServerName    string   `yaml:"server_name"`
	InsecureLocal bool     `yaml:"insecure_local"`
	PinnedCerts   []string `yaml:"pinned_certs"`
}

// UISettings are rendering hints for the TUI. The core ignores them.
type UISettings struct {
	Theme          string `yaml:"theme"`
	ShowTimestamps bool   `yaml:"show_timestamps"`
}

type DiscoverySettings struct {
	Enabled       bool   `yaml:"enabled"`
	Port          int    `yaml:"port"`
	ResponseTTLMS int    `yaml:"response_ttl_ms"`
	BroadcastAddr string `yaml:"broadcast_addr"`
}

// Default returns the settings used when no config file exists.
func Default() Settings {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".dezap")
	return Settings{
		Listen: ListenSettings{Bind: "0.0.0.0:53530"},
		Paths: PathSettings{
			DownloadDir: ".",
			HistoryDir:  filepath.Join(base, "history"),
			SavedPeers:  filepath.Join(base, "peers.json"),
		},
		Limits: LimitSettings{
			MaxMessageBytes: 64 * 1024,
			MaxFileBytes:    2 << 30,
			ChunkBytes:      64 * 1024,
		},
		TLS: TLSSettings{Mode: TLSModeEphemeral},
		UI:  UISettings{Theme: "dark", ShowTimestamps: true},
		Discovery: DiscoverySettings{
			Enabled:       true,
			Port:          54095,
			ResponseTTLMS: 2000,
			BroadcastAddr: "255.255.255.255",
		},
	}
}

// Load reads the YAML config file (missing file = defaults), applies
// DEZAP__SECTION__KEY environment overrides, fills a generated handle when
// none is configured, and validates the result.
func Load(path string) (Settings, error) {
	s := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return s, fmt.Errorf("reading config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &s); err != nil {
				return s, fmt.Errorf("parsing config: %w", err)
			}
		}
	}

	if err := applyEnv(&s, os.Environ()); err != nil {
		return s, err
	}

	if s.Identity.Handle == "" {
		s.Identity.Handle = petname.Generate(2, "-")
	}

	if err := s.validate(); err != nil {
		return s, err
	}
	return s, nil
}

// DefaultPath is the config file location used when --config is not given.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".dezap", "config.yaml")
}

func (s *Settings) validate() error {
	switch s.TLS.Mode {
	case TLSModeEphemeral:
	case TLSModePEM:
		if s.TLS.Cert == "" || s.TLS.Key == "" {
			return fmt.Errorf("tls mode %q requires cert and key", TLSModePEM)
		}
	default:
		return fmt.Errorf("unknown tls mode %q", s.TLS.Mode)
	}
	if s.Limits.MaxMessageBytes <= 0 {
		return fmt.Errorf("max_message_bytes must be positive, got %d", s.Limits.MaxMessageBytes)
	}
	if s.Limits.MaxFileBytes <= 0 {
		return fmt.Errorf("max_file_bytes must be positive, got %d", s.Limits.MaxFileBytes)
	}
	if s.Limits.ChunkBytes <= 0 || s.Limits.ChunkBytes > 16<<20 {
		return fmt.Errorf("chunk_bytes out of range: %d", s.Limits.ChunkBytes)
	}
	if s.Discovery.Port <= 0 || s.Discovery.Port > 65535 {
		return fmt.Errorf("discovery port out of range: %d", s.Discovery.Port)
	}
	if s.Discovery.ResponseTTLMS <= 0 {
		return fmt.Errorf("discovery response_ttl_ms must be positive, got %d", s.Discovery.ResponseTTLMS)
	}
	return nil
}

// applyEnv overlays DEZAP__SECTION__KEY variables onto s. Unknown keys are an
// error so typos surface instead of silently doing nothing.
func applyEnv(s *Settings, environ []string) error {
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		name, value := kv[:eq], kv[eq+1:]
		parts := strings.Split(strings.TrimPrefix(name, EnvPrefix), "__")
		if len(parts) != 2 {
			return fmt.Errorf("malformed override %s (want %sSECTION__KEY)", name, EnvPrefix)
		}
		section := strings.ToLower(parts[0])
		key := strings.ToLower(parts[1])
		if err := s.set(section, key, value); err != nil {
			return fmt.Errorf("override %s: %w", name, err)
		}
	}
	return nil
}

func (s *Settings) set(section, key, value string) error {
	switch section + "." + key {
	case "listen.bind":
		s.Listen.Bind = value
	case "listen.password":
		s.Listen.Password = value
	case "peer.address":
		s.Peer.Address = value
	case "peer.password":
		s.Peer.Password = value
	case "identity.handle":
		s.Identity.Handle = value
	case "paths.download_dir":
		s.Paths.DownloadDir = value
	case "paths.history_dir":
		s.Paths.HistoryDir = value
	case "paths.saved_peers":
		s.Paths.SavedPeers = value
	case "limits.max_message_bytes":
		return setInt(&s.Limits.MaxMessageBytes, value)
	case "limits.max_file_bytes":
		return setInt64(&s.Limits.MaxFileBytes, value)
	case "limits.chunk_bytes":
		return setInt(&s.Limits.ChunkBytes, value)
	case "limits.disable_encryption":
		return setBool(&s.Limits.DisableEncryption, value)
	case "tls.mode":
		s.TLS.Mode = value
	case "tls.cert":
		s.TLS.Cert = value
	case "tls.key":
		s.TLS.Key = value
	case "tls.server_name":
		s.TLS.ServerName = value
	case "tls.insecure_local":
		return setBool(&s.TLS.InsecureLocal, value)
	case "ui.theme":
		s.UI.Theme = value
	case "ui.show_timestamps":
		return setBool(&s.UI.ShowTimestamps, value)
	case "discovery.enabled":
		return setBool(&s.Discovery.Enabled, value)
	case "discovery.port":
		return setInt(&s.Discovery.Port, value)
	case "discovery.response_ttl_ms":
		return setInt(&s.Discovery.ResponseTTLMS, value)
	case "discovery.broadcast_addr":
		s.Discovery.BroadcastAddr = value
	default:
		return fmt.Errorf("unknown setting %s.%s", section, key)
	}
	return nil
}

func setInt(dst *int, value string) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func setInt64(dst *int64, value string) error {
	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func setBool(dst *bool, value string) error {
	v, err := strconv.ParseBool(value)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}
