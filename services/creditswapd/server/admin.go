package server

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"creditswap/native/creditswap"
	"creditswap/services/creditswapd/storage"
)

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Pause(r.Context(), principal(r)); err != nil {
		s.writeDomainError(w, "pause", err)
		return
	}
	s.logger.Info("creditswap paused", "caller", principal(r).Hex())
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Unpause(r.Context(), principal(r)); err != nil {
		s.writeDomainError(w, "unpause", err)
		return
	}
	s.logger.Info("creditswap unpaused", "caller", principal(r).Hex())
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

type pairPayload struct {
	TokenIn  string `json:"tokenIn"`
	TokenOut string `json:"tokenOut"`
	// Action is "whitelist" (default) or "delist".
	Action string `json:"action,omitempty"`
}

func (s *Server) handlePairs(w http.ResponseWriter, r *http.Request) {
	var payload pairPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tokenIn, err := parseAddress("tokenIn", payload.TokenIn)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tokenOut, err := parseAddress("tokenOut", payload.TokenOut)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()
	caller := principal(r)
	switch strings.ToLower(strings.TrimSpace(payload.Action)) {
	case "", "whitelist":
		if err := s.engine.WhitelistPair(ctx, caller, tokenIn, tokenOut); err != nil {
			s.writeDomainError(w, "whitelist_pair", err)
			return
		}
		if s.cfg.Oracle != nil {
			if err := s.engine.SetPairOracle(ctx, caller, tokenIn, tokenOut, s.cfg.Oracle); err != nil {
				s.writeDomainError(w, "set_pair_oracle", err)
				return
			}
		}
	case "delist":
		if err := s.engine.DelistPair(ctx, caller, tokenIn, tokenOut); err != nil {
			s.writeDomainError(w, "delist_pair", err)
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "action must be whitelist or delist")
		return
	}
	status, err := s.engine.PairStatus(ctx, tokenIn, tokenOut)
	if err != nil {
		s.writeDomainError(w, "pair", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pairId":      status.PairID.Hex(),
		"whitelisted": status.Whitelisted,
	})
}

type marketPayload struct {
	Asset  string `json:"asset"`
	Market string `json:"market"`
	// Action is "add" (default) or "remove".
	Action string `json:"action,omitempty"`
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	var payload marketPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	asset, err := parseAddress("asset", payload.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	market, err := parseHash("market", payload.Market)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()
	caller := principal(r)
	switch strings.ToLower(strings.TrimSpace(payload.Action)) {
	case "", "add":
		err = s.engine.WhitelistMarket(ctx, caller, asset, market)
	case "remove":
		err = s.engine.RemoveMarket(ctx, caller, asset, market)
	default:
		writeError(w, http.StatusBadRequest, "action must be add or remove")
		return
	}
	if err != nil {
		s.writeDomainError(w, "markets", err)
		return
	}
	token, err := s.engine.Token(ctx, asset)
	if err != nil {
		s.writeDomainError(w, "markets", err)
		return
	}
	markets := make([]string, 0, len(token.MarketIDs))
	for _, id := range token.MarketIDs {
		markets = append(markets, id.Hex())
	}
	writeJSON(w, http.StatusOK, map[string]any{"asset": asset.Hex(), "markets": markets})
}

type allocationPayload struct {
	Supply    uint64 `json:"supply"`
	Repay     uint64 `json:"repay"`
	Liquidity uint64 `json:"liquidity"`
}

func (s *Server) handleAllocations(w http.ResponseWriter, r *http.Request) {
	var payload allocationPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.SetAllocations(r.Context(), principal(r), payload.Supply, payload.Repay, payload.Liquidity); err != nil {
		s.writeDomainError(w, "allocations", err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

type feesPayload struct {
	Asset     string `json:"asset"`
	Recipient string `json:"recipient"`
}

func (s *Server) handleWithdrawFees(w http.ResponseWriter, r *http.Request) {
	var payload feesPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	asset, err := parseAddress("asset", payload.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recipient, err := parseAddress("recipient", payload.Recipient)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := s.engine.WithdrawProtocolFees(r.Context(), principal(r), asset, recipient)
	if err != nil {
		s.writeDomainError(w, "withdraw_fees", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": amountString(amount)})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	cfg := s.engine.Config()
	pairs := make([]map[string]any, 0, len(cfg.Pairs))
	for id, pair := range cfg.Pairs {
		pairs = append(pairs, map[string]any{
			"pairId":      id.Hex(),
			"tokenIn":     pair.TokenIn.Hex(),
			"tokenOut":    pair.TokenOut.Hex(),
			"whitelisted": pair.Whitelisted,
			"oracle":      pair.Oracle != nil,
		})
	}
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i]["pairId"].(string) < pairs[j]["pairId"].(string)
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"owner":               cfg.Owner.Hex(),
		"paused":              cfg.Paused,
		"supplyAllocation":    cfg.SupplyAllocation,
		"repayAllocation":     cfg.RepayAllocation,
		"liquidityAllocation": cfg.LiquidityAllocation,
		"pairs":               pairs,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotImplemented, "event journal not configured")
		return
	}
	filter, err := eventFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.events.ListEvents(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, "events", err)
		return
	}
	out := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		out = append(out, eventView(ev))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func eventFilter(r *http.Request) (storage.EventFilter, error) {
	query := r.URL.Query()
	filter := storage.EventFilter{Kind: strings.TrimSpace(query.Get("kind")), Limit: 100}
	if raw := strings.TrimSpace(query.Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errors.New("since must be an RFC3339 timestamp")
		}
		filter.Since = since
	}
	if raw := strings.TrimSpace(query.Get("until")); raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errors.New("until must be an RFC3339 timestamp")
		}
		filter.Until = until
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 1000 {
			return filter, errors.New("limit must be between 1 and 1000")
		}
		filter.Limit = limit
	}
	return filter, nil
}

func eventView(ev creditswap.Event) map[string]any {
	view := map[string]any{
		"id":        ev.ID,
		"kind":      ev.Kind,
		"timestamp": ev.Timestamp.UTC().Format(time.RFC3339Nano),
		"caller":    ev.Caller.Hex(),
	}
	for key, value := range ev.Attributes() {
		if _, ok := view[key]; !ok {
			view[key] = value
		}
	}
	return view
}
