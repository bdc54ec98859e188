package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"creditswap/native/bank"
	nativecommon "creditswap/native/common"
	"creditswap/native/creditswap"
	"creditswap/native/lending"
	"creditswap/native/redemption"
	"creditswap/services/creditswapd/adapters"
	"creditswap/services/creditswapd/config"
	"creditswap/services/creditswapd/oracle"
	"creditswap/services/creditswapd/storage"
	kv "creditswap/storage"
)

func mustAddress(raw string) common.Address {
	return common.HexToAddress(strings.TrimSpace(raw))
}

func parseAmount(field, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("%s: invalid amount %q", field, raw)
	}
	return value, nil
}

// buildFacility registers every configured market with the in-process lending
// facility and grants the engine its credit lines. Balances and market state
// persisted in store are restored; on first start seeded account balances
// are minted and the configured supply is deposited instead. Either way the
// result is written back before the engine starts.
func buildFacility(ctx context.Context, cfg config.Config, ledger *bank.Ledger, store *kv.KV) (*lending.Facility, error) {
	lendingCfg := cfg.Engine.Lending
	treasury := mustAddress(lendingCfg.Treasury)
	facility := lending.NewFacility(mustAddress(lendingCfg.Address), treasury, ledger)
	model := lending.NewInterestModel(lendingCfg.BaseRate, lendingCfg.Slope1, lendingCfg.Slope2, lendingCfg.Kink)
	engineAddr := mustAddress(cfg.Engine.Address)

	restored, err := ledger.Load(store)
	if err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}
	for _, asset := range cfg.Assets {
		symbol := config.NormalizeSymbol(asset.Symbol)
		token := mustAddress(asset.Address)
		if !restored {
			if err := seedBalances(ledger, symbol, token, asset.Balances); err != nil {
				return nil, err
			}
		}
		creditLine, err := parseAmount(symbol+" credit_line", asset.CreditLine)
		if err != nil {
			return nil, err
		}
		for i, rawMarket := range asset.Markets {
			market := common.HexToHash(rawMarket)
			if err := facility.CreateMarket(market, lending.MarketConfig{
				LoanToken:        token,
				Model:            model,
				ReserveFactorBps: lendingCfg.ReserveFactorBps,
			}); err != nil {
				return nil, fmt.Errorf("create market %s for %s: %w", market.Hex(), symbol, err)
			}
			if creditLine != nil && creditLine.Sign() > 0 {
				if err := facility.SetCreditLine(market, engineAddr, creditLine); err != nil {
					return nil, fmt.Errorf("credit line %s: %w", market.Hex(), err)
				}
			}
			if i != 0 || restored {
				continue
			}
			supply, err := parseAmount(symbol+" supply", asset.Supply)
			if err != nil {
				return nil, err
			}
			if supply == nil || supply.Sign() == 0 {
				continue
			}
			if err := ledger.Mint(token, treasury, supply); err != nil {
				return nil, fmt.Errorf("mint %s supply: %w", symbol, err)
			}
			if _, err := facility.Supply(ctx, market, treasury, supply); err != nil {
				return nil, fmt.Errorf("supply %s: %w", symbol, err)
			}
		}
	}
	if restored {
		if _, err := facility.Load(store); err != nil {
			return nil, fmt.Errorf("load lending state: %w", err)
		}
	}
	err = store.Update(func(w kv.Writer) error {
		if err := ledger.StageChanges(w); err != nil {
			return err
		}
		return facility.StageChanges(w)
	})
	if err != nil {
		return nil, fmt.Errorf("persist ledgers: %w", err)
	}
	ledger.ChangesFlushed()
	facility.ChangesFlushed()
	return facility, nil
}

func seedBalances(ledger *bank.Ledger, symbol string, token common.Address, balances map[string]string) error {
	for account, raw := range balances {
		amount, err := parseAmount(symbol+" balance", raw)
		if err != nil {
			return err
		}
		if amount == nil || amount.Sign() == 0 {
			continue
		}
		if err := ledger.Mint(token, mustAddress(account), amount); err != nil {
			return fmt.Errorf("seed %s balance: %w", symbol, err)
		}
	}
	return nil
}

func buildOracle(cfg config.Config, store *storage.Storage, logger *slog.Logger) (*oracle.Manager, error) {
	if len(cfg.Pairs) == 0 {
		return nil, nil
	}
	registry := adapters.NewRegistry()
	sources := make([]oracle.Source, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		built, err := registry.Build(adapters.Spec{
			Name:     src.Name,
			Type:     src.Type,
			Endpoint: src.Endpoint,
			APIKey:   src.APIKey,
			Assets:   src.Assets,
			Rates:    src.Rates,
		})
		if err != nil {
			return nil, fmt.Errorf("build source %s: %w", src.Name, err)
		}
		sources = append(sources, built)
	}
	pairs := make([]oracle.Pair, 0, len(cfg.Pairs))
	for _, pair := range cfg.Pairs {
		in, _ := cfg.AssetBySymbol(pair.In)
		out, _ := cfg.AssetBySymbol(pair.Out)
		pairs = append(pairs, oracle.Pair{
			Base:       config.NormalizeSymbol(pair.In),
			Quote:      config.NormalizeSymbol(pair.Out),
			BaseToken:  mustAddress(in.Address),
			QuoteToken: mustAddress(out.Address),
		})
	}
	return oracle.New(store, sources, pairs, cfg.Oracle.Interval.Duration, cfg.Oracle.MaxAge.Duration,
		cfg.Oracle.MinFeeds, oracle.WithLogger(logger.With("module", "oracle")))
}

// bootstrapEngine lists configured markets and pairs, attaches the oracle and
// applies the configured pause flag last. Markets already held in persisted
// state are left alone.
func bootstrapEngine(ctx context.Context, cfg config.Config, engine *creditswap.Engine, mgr *oracle.Manager) error {
	owner := mustAddress(cfg.Engine.Owner)
	assets := make([]common.Address, 0, len(cfg.Assets))
	for _, asset := range cfg.Assets {
		token := mustAddress(asset.Address)
		assets = append(assets, token)
		state, err := engine.Token(ctx, token)
		if err != nil {
			return err
		}
		listed := make(map[creditswap.MarketID]struct{}, len(state.MarketIDs))
		for _, id := range state.MarketIDs {
			listed[id] = struct{}{}
		}
		for _, rawMarket := range asset.Markets {
			market := common.HexToHash(rawMarket)
			if _, ok := listed[market]; ok {
				continue
			}
			if err := engine.WhitelistMarket(ctx, owner, token, market); err != nil {
				return fmt.Errorf("whitelist market %s: %w", market.Hex(), err)
			}
		}
	}
	if err := engine.CheckInvariants(ctx, assets...); err != nil {
		return fmt.Errorf("persisted engine state does not match the persisted ledgers: %w", err)
	}
	for _, pair := range cfg.Pairs {
		in, _ := cfg.AssetBySymbol(pair.In)
		out, _ := cfg.AssetBySymbol(pair.Out)
		tokenIn, tokenOut := mustAddress(in.Address), mustAddress(out.Address)
		if err := engine.WhitelistPair(ctx, owner, tokenIn, tokenOut); err != nil {
			return fmt.Errorf("whitelist pair %s/%s: %w", pair.In, pair.Out, err)
		}
		if mgr != nil {
			if err := engine.SetPairOracle(ctx, owner, tokenIn, tokenOut, mgr); err != nil {
				return fmt.Errorf("pair oracle %s/%s: %w", pair.In, pair.Out, err)
			}
		}
	}
	if cfg.Engine.Paused {
		return engine.Pause(ctx, owner)
	}
	return nil
}

func quotaFromConfig(cfg config.QuotaConfig) (nativecommon.Quota, error) {
	quota := nativecommon.Quota{
		MaxRequestsPerEpoch: cfg.MaxRequestsPerEpoch,
		EpochSeconds:        uint32(cfg.Epoch.Duration.Seconds()),
	}
	volume, err := parseAmount("quota.max_volume", cfg.MaxVolumePerEpoch)
	if err != nil {
		return quota, err
	}
	quota.MaxVolumePerEpoch = volume
	return quota, nil
}

func tiersFromConfig(raw []config.Tier) ([]redemption.Tier, error) {
	tiers := make([]redemption.Tier, 0, len(raw))
	for i, tier := range raw {
		upTo, err := parseAmount(fmt.Sprintf("redemption tier %d", i), tier.UpTo)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, redemption.Tier{UpTo: upTo, Bps: tier.Bps})
	}
	return tiers, nil
}
