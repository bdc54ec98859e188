package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"creditswap/integrations/exports"
	"creditswap/native/creditswap"
	"creditswap/services/creditswapd/config"
	"creditswap/services/creditswapd/storage"
)

type auditReport struct {
	Engine struct {
		Address             string `json:"address"`
		Owner               string `json:"owner"`
		Paused              bool   `json:"paused"`
		SupplyAllocation    uint64 `json:"supplyAllocation"`
		RepayAllocation     uint64 `json:"repayAllocation"`
		LiquidityAllocation uint64 `json:"liquidityAllocation"`
	} `json:"engine"`
	Assets []assetReport `json:"assets"`
	Pairs  []string      `json:"pairs"`
	Oracle struct {
		Sources  []string `json:"sources"`
		Interval string   `json:"interval"`
		MaxAge   string   `json:"maxAge"`
		MinFeeds int      `json:"minFeeds"`
	} `json:"oracle"`
	Redemption struct {
		Enabled bool          `json:"enabled"`
		Tiers   []config.Tier `json:"tiers,omitempty"`
	} `json:"redemption"`
	Export *exportReport `json:"export,omitempty"`
}

type assetReport struct {
	Symbol     string   `json:"symbol"`
	Address    string   `json:"address"`
	Markets    []string `json:"markets"`
	CreditLine string   `json:"creditLine,omitempty"`
}

type exportReport struct {
	Path     string `json:"path"`
	Format   string `json:"format"`
	Events   int    `json:"events"`
	Checksum string `json:"sha256"`
}

func main() {
	var (
		configPath string
		out        string
		format     string
		kind       string
		since      string
	)
	flag.StringVar(&configPath, "config", "services/creditswapd/config.yaml", "path to creditswapd configuration file")
	flag.StringVar(&out, "out", "", "write the event journal export to this path")
	flag.StringVar(&format, "format", "jsonl", "export format: jsonl, csv or parquet")
	flag.StringVar(&kind, "kind", "", "only export events of this kind")
	flag.StringVar(&since, "since", "", "only export events at or after this RFC3339 time")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fail("failed to load config: %v", err)
	}
	report := buildReport(cfg)

	if out != "" {
		filter := storage.EventFilter{Kind: strings.TrimSpace(kind)}
		if since != "" {
			ts, err := time.Parse(time.RFC3339, since)
			if err != nil {
				fail("invalid -since: %v", err)
			}
			filter.Since = ts
		}
		exported, err := exportJournal(context.Background(), cfg.DatabasePath, out, format, filter)
		if err != nil {
			fail("export failed: %v", err)
		}
		report.Export = exported
	}

	output, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fail("failed to encode report: %v", err)
	}
	fmt.Println(string(output))
}

func buildReport(cfg config.Config) auditReport {
	var report auditReport
	report.Engine.Address = cfg.Engine.Address
	report.Engine.Owner = cfg.Engine.Owner
	report.Engine.Paused = cfg.Engine.Paused
	report.Engine.SupplyAllocation = cfg.Engine.SupplyAllocation
	report.Engine.RepayAllocation = cfg.Engine.RepayAllocation
	report.Engine.LiquidityAllocation = cfg.Engine.LiquidityAllocation
	for _, asset := range cfg.Assets {
		report.Assets = append(report.Assets, assetReport{
			Symbol:     config.NormalizeSymbol(asset.Symbol),
			Address:    asset.Address,
			Markets:    asset.Markets,
			CreditLine: asset.CreditLine,
		})
	}
	for _, pair := range cfg.Pairs {
		report.Pairs = append(report.Pairs, storage.PairKey(pair.In, pair.Out))
	}
	for _, src := range cfg.Sources {
		report.Oracle.Sources = append(report.Oracle.Sources, src.Name+" ("+src.Type+")")
	}
	report.Oracle.Interval = cfg.Oracle.Interval.String()
	report.Oracle.MaxAge = cfg.Oracle.MaxAge.String()
	report.Oracle.MinFeeds = cfg.Oracle.MinFeeds
	report.Redemption.Enabled = cfg.Redemption.Enabled
	report.Redemption.Tiers = cfg.Redemption.Tiers
	return report
}

func exportJournal(ctx context.Context, dbPath, out, format string, filter storage.EventFilter) (*exportReport, error) {
	dsn, err := storage.FileDSN(dbPath)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(dsn)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	events, err := store.ListEvents(ctx, filter)
	if err != nil {
		return nil, err
	}
	data, checksum, err := render(format, events)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return nil, err
	}
	return &exportReport{Path: out, Format: format, Events: len(events), Checksum: checksum}, nil
}

func render(format string, events []creditswap.Event) ([]byte, string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "jsonl", "":
		return exports.EventsJSONL(events)
	case "csv":
		return exports.EventsCSV(events)
	case "parquet":
		return exports.EventsParquet(events)
	default:
		return nil, "", fmt.Errorf("unknown format %q", format)
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
