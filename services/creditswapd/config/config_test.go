package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const yamlConfig = `
engine:
  address: "0x00000000000000000000000000000000000000e0"
  owner: "0x000000000000000000000000000000000000000a"
  lending:
    address: "0x00000000000000000000000000000000000000f0"
    treasury: "0x00000000000000000000000000000000000000f1"
assets:
  - symbol: usdc
    address: "0x00000000000000000000000000000000000000aa"
    markets: ["0x01"]
    credit_line: "1000000"
  - symbol: weth
    address: "0x00000000000000000000000000000000000000bb"
    markets: ["0x02"]
pairs:
  - in: weth
    out: usdc
sources:
  - name: fixed
    type: static
    rates:
      WETH/USDC: "2500"
admin:
  jwt_secret: secret
oracle:
  interval: 10s
`

const tomlConfig = `
listen = ":9000"

[engine]
address = "0x00000000000000000000000000000000000000e0"
owner = "0x000000000000000000000000000000000000000a"
supply_allocation = 50
repay_allocation = 20
liquidity_allocation = 30

[engine.lending]
address = "0x00000000000000000000000000000000000000f0"
treasury = "0x00000000000000000000000000000000000000f1"

[[assets]]
symbol = "USDC"
address = "0x00000000000000000000000000000000000000aa"
markets = ["0x01"]

[admin]
jwt_secret = "secret"

[oracle]
max_age = "5m"
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "creditswapd.yaml", yamlConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":7080" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.Oracle.Interval.Duration != 10*time.Second || cfg.Oracle.MaxAge.Duration != 2*time.Minute {
		t.Fatalf("unexpected oracle timings %+v", cfg.Oracle)
	}
	if cfg.Engine.SupplyAllocation != 40 || cfg.Engine.RepayAllocation != 30 || cfg.Engine.LiquidityAllocation != 30 {
		t.Fatalf("unexpected default allocations %+v", cfg.Engine)
	}
	asset, ok := cfg.AssetBySymbol("USDC")
	if !ok || asset.CreditLine != "1000000" {
		t.Fatalf("expected usdc asset, got %+v", asset)
	}
	if cfg.Sources[0].Rates["WETH/USDC"] != "2500" {
		t.Fatalf("expected static rate, got %+v", cfg.Sources[0])
	}
}

func TestLoadTOML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "creditswapd.toml", tomlConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9000" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.Engine.SupplyAllocation != 50 || cfg.Engine.RepayAllocation != 20 {
		t.Fatalf("unexpected allocations %+v", cfg.Engine)
	}
	if cfg.Oracle.MaxAge.Duration != 5*time.Minute {
		t.Fatalf("unexpected max age %s", cfg.Oracle.MaxAge.Duration)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name    string
		replace [2]string
		want    string
	}{
		{name: "bad owner", replace: [2]string{`owner: "0x000000000000000000000000000000000000000a"`, `owner: "nope"`}, want: "engine.owner"},
		{name: "unknown pair asset", replace: [2]string{"in: weth", "in: dai"}, want: "unknown asset"},
		{name: "missing secret", replace: [2]string{"jwt_secret: secret", "jwt_secret: \"\""}, want: "jwt_secret"},
		{name: "allocations", replace: [2]string{"lending:\n", "supply_allocation: 90\n  lending:\n"}, want: "allocations"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := strings.Replace(yamlConfig, tt.replace[0], tt.replace[1], 1)
			_, err := Load(writeConfig(t, "bad.yaml", body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Fatalf("expected parse error")
	}
	if err := d.UnmarshalText([]byte("")); err != nil || d.Duration != 0 {
		t.Fatalf("empty duration should reset, got %v %s", err, d.Duration)
	}
}
