package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return cfgPath
}

func TestLoad(t *testing.T) {
	content := `
server:
  hostname: "capsules.test.com"

api:
  listen_addr: ":9080"
  api_key: "test-api-key"

storage:
  path: "/tmp/capsules.db"

encryption:
  master_key: "aGVsbG8taGVsbG8taGVsbG8taGVsbG8taGVsbG8tISE="

dispatcher:
  tick_interval: 30s
  delivery_timeout: 1m

transport:
  mode: smtp
  smtp:
    addr: "relay.test.com:587"
    from: "capsules@test.com"
    starttls: true

admission:
  enabled: true
  requests: 10
  period: 1m
  block_duration: 5m
  denied_ips:
    - "10.66.0.0/16"

logging:
  level: "debug"
  format: "text"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Hostname != "capsules.test.com" {
		t.Errorf("Hostname = %v, want capsules.test.com", cfg.Server.Hostname)
	}
	if cfg.API.APIKey != "test-api-key" {
		t.Errorf("API.APIKey = %v, want test-api-key", cfg.API.APIKey)
	}
	if cfg.Storage.Path != "/tmp/capsules.db" {
		t.Errorf("Storage.Path = %v, want /tmp/capsules.db", cfg.Storage.Path)
	}
	if cfg.Dispatcher.TickInterval != 30*time.Second {
		t.Errorf("Dispatcher.TickInterval = %v, want 30s", cfg.Dispatcher.TickInterval)
	}
	if cfg.Transport.Mode != "smtp" {
		t.Errorf("Transport.Mode = %v, want smtp", cfg.Transport.Mode)
	}
	if cfg.Transport.SMTP.Addr != "relay.test.com:587" {
		t.Errorf("Transport.SMTP.Addr = %v, want relay.test.com:587", cfg.Transport.SMTP.Addr)
	}
	if !cfg.Transport.SMTP.StartTLS {
		t.Error("Transport.SMTP.StartTLS = false, want true")
	}
	if !cfg.Admission.Enabled {
		t.Error("Admission.Enabled = false, want true")
	}
	if cfg.Admission.Requests != 10 {
		t.Errorf("Admission.Requests = %v, want 10", cfg.Admission.Requests)
	}
	if len(cfg.Admission.DeniedIPs) != 1 {
		t.Errorf("Admission.DeniedIPs = %v, want one entry", cfg.Admission.DeniedIPs)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %v, want debug", cfg.Logging.Level)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.ListenAddr != ":8080" {
		t.Errorf("API.ListenAddr = %v, want :8080", cfg.API.ListenAddr)
	}
	if cfg.Storage.Path != "/var/lib/chronomail/capsules.db" {
		t.Errorf("Storage.Path = %v, want default", cfg.Storage.Path)
	}
	if cfg.Dispatcher.TickInterval != time.Minute {
		t.Errorf("Dispatcher.TickInterval = %v, want 1m", cfg.Dispatcher.TickInterval)
	}
	if cfg.Dispatcher.DeliveryTimeout != 2*time.Minute {
		t.Errorf("Dispatcher.DeliveryTimeout = %v, want 2m", cfg.Dispatcher.DeliveryTimeout)
	}
	if cfg.Transport.Mode != "console" {
		t.Errorf("Transport.Mode = %v, want console", cfg.Transport.Mode)
	}
	if cfg.Admission.Requests != 100 {
		t.Errorf("Admission.Requests = %v, want 100", cfg.Admission.Requests)
	}
	if cfg.Admission.BlockDuration != 5*time.Minute {
		t.Errorf("Admission.BlockDuration = %v, want 5m", cfg.Admission.BlockDuration)
	}
	if cfg.Stats.RealtimeTTL != 5*time.Minute {
		t.Errorf("Stats.RealtimeTTL = %v, want 5m", cfg.Stats.RealtimeTTL)
	}
	if cfg.Stats.DashboardDays != 7 {
		t.Errorf("Stats.DashboardDays = %v, want 7", cfg.Stats.DashboardDays)
	}
	if cfg.Metrics.ListenAddr != ":9090" {
		t.Errorf("Metrics.ListenAddr = %v, want :9090", cfg.Metrics.ListenAddr)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %v, want info", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %v, want json", cfg.Logging.Format)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid console transport",
			cfg: Config{
				Transport: TransportConfig{Mode: "console"},
				Logging:   LoggingConfig{Level: "info", Format: "json"},
			},
			wantErr: false,
		},
		{
			name: "smtp transport missing addr",
			cfg: Config{
				Transport: TransportConfig{Mode: "smtp", SMTP: RelaySMTPConfig{From: "a@b.c"}},
				Logging:   LoggingConfig{Level: "info", Format: "json"},
			},
			wantErr: true,
		},
		{
			name: "smtp transport missing from",
			cfg: Config{
				Transport: TransportConfig{Mode: "smtp", SMTP: RelaySMTPConfig{Addr: "relay:25"}},
				Logging:   LoggingConfig{Level: "info", Format: "json"},
			},
			wantErr: true,
		},
		{
			name: "unknown transport mode",
			cfg: Config{
				Transport: TransportConfig{Mode: "carrier-pigeon"},
				Logging:   LoggingConfig{Level: "info", Format: "json"},
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			cfg: Config{
				Transport: TransportConfig{Mode: "console"},
				Logging:   LoggingConfig{Level: "invalid", Format: "json"},
			},
			wantErr: true,
		},
		{
			name: "invalid log format",
			cfg: Config{
				Transport: TransportConfig{Mode: "console"},
				Logging:   LoggingConfig{Level: "info", Format: "invalid"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() expected error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: yaml: content: ["))
	if err == nil {
		t.Error("Load() expected error for invalid YAML")
	}
}
