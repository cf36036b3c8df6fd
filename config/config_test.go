package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settlementd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
database_url: "postgres://localhost/settlement"
gateway:
  base_url: "https://gw.example.com"
  callback_url: "https://shop.example.com/webhooks/gateway"
bank:
  base_url: "https://bank.example.com"
  shaba_number: "IR000000000000000000000001"
crypto:
  rpc_url: "https://rpc.example.com"
  token_address: "0xdAC17F958D2ee523a2206206994597C13D831ec7"
  wallet_address: "0x00000000000000000000000000000000000000aa"
oracle:
  sources:
    - name: "coingecko"
      type: "coingecko"
      endpoint: "https://api.coingecko.com/api/v3"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":7090" {
		t.Fatalf("unexpected listen address %s", cfg.ListenAddress)
	}
	if cfg.Bank.IntentTTL.Duration != time.Hour {
		t.Fatalf("unexpected bank ttl %s", cfg.Bank.IntentTTL.Duration)
	}
	if cfg.Bank.Window.Duration != 2*time.Hour {
		t.Fatalf("bank window should default to twice the ttl, got %s", cfg.Bank.Window.Duration)
	}
	if cfg.Crypto.Window.Duration != 15*time.Minute {
		t.Fatalf("unexpected crypto window %s", cfg.Crypto.Window.Duration)
	}
	if cfg.Crypto.Decimals != 6 {
		t.Fatalf("unexpected decimals %d", cfg.Crypto.Decimals)
	}
	if cfg.Oracle.MaxDeviation != 0.05 {
		t.Fatalf("unexpected deviation %f", cfg.Oracle.MaxDeviation)
	}
}

func TestLoadParsesDurations(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
  interval: "45s"
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Oracle.Interval.Duration != 45*time.Second {
		t.Fatalf("unexpected oracle interval %s", cfg.Oracle.Interval.Duration)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing database", `
gateway:
  base_url: "https://gw.example.com"
  callback_url: "https://shop.example.com/cb"
`},
		{"missing oracle sources", `
database_url: "postgres://localhost/settlement"
gateway:
  base_url: "https://gw.example.com"
  callback_url: "https://shop.example.com/cb"
bank:
  base_url: "https://bank.example.com"
  shaba_number: "IR01"
crypto:
  rpc_url: "https://rpc.example.com"
  token_address: "0x01"
  wallet_address: "0x02"
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.content)); err == nil {
				t.Fatal("expected validation failure")
			}
		})
	}
}

func TestSecret(t *testing.T) {
	t.Setenv("SETTLEMENT_TEST_SECRET", "s3cret")
	if got := Secret("SETTLEMENT_TEST_SECRET"); got != "s3cret" {
		t.Fatalf("unexpected secret %q", got)
	}
	if got := Secret(""); got != "" {
		t.Fatalf("empty env name should yield empty secret, got %q", got)
	}
}
