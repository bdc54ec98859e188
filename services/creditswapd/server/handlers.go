package server

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"creditswap/native/creditswap"
	"creditswap/observability"
)

type swapPayload struct {
	TokenIn      string `json:"tokenIn"`
	TokenOut     string `json:"tokenOut"`
	AmountIn     string `json:"amountIn"`
	MinAmountOut string `json:"minAmountOut,omitempty"`
	Reverse      bool   `json:"reverse,omitempty"`
}

func (p swapPayload) request(caller common.Address) (creditswap.SwapRequest, error) {
	tokenIn, err := parseAddress("tokenIn", p.TokenIn)
	if err != nil {
		return creditswap.SwapRequest{}, err
	}
	tokenOut, err := parseAddress("tokenOut", p.TokenOut)
	if err != nil {
		return creditswap.SwapRequest{}, err
	}
	amountIn, err := parseAmount("amountIn", p.AmountIn)
	if err != nil {
		return creditswap.SwapRequest{}, err
	}
	minOut, err := parseOptionalAmount("minAmountOut", p.MinAmountOut)
	if err != nil {
		return creditswap.SwapRequest{}, err
	}
	return creditswap.SwapRequest{
		Caller:       caller,
		TokenIn:      tokenIn,
		TokenOut:     tokenOut,
		AmountIn:     amountIn,
		MinAmountOut: minOut,
		Reverse:      p.Reverse,
	}, nil
}

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	var payload swapPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller := principal(r)
	req, err := payload.request(caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.quota.Consume(caller.Hex(), req.AmountIn); err != nil {
		observability.ModuleMetrics().RecordThrottle("creditswap", "quota")
		s.writeDomainError(w, "swap", err)
		return
	}
	result, err := s.engine.Swap(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, "swap", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pairId":     result.PairID.Hex(),
		"amountOut":  amountString(result.AmountOut),
		"fee":        amountString(result.Fee),
		"feeBps":     result.FeeBps,
		"fromLocal":  amountString(result.FromLocal),
		"fromSupply": amountString(result.FromSupply),
		"fromBorrow": amountString(result.FromBorrow),
		"repaid":     amountString(result.Repaid),
	})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var payload swapPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := payload.request(common.Address{})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	quote, err := s.engine.Quote(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, "quote", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pairId":     quote.PairID.Hex(),
		"amountIn":   amountString(quote.AmountIn),
		"amountOut":  amountString(quote.AmountOut),
		"fee":        amountString(quote.Fee),
		"feeBps":     quote.FeeBps,
		"fromLocal":  amountString(quote.FromLocal),
		"fromSupply": amountString(quote.FromSupply),
		"fromBorrow": amountString(quote.FromBorrow),
	})
}

type lpPayload struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount,omitempty"`
	Shares string `json:"shares,omitempty"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var payload lpPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	asset, err := parseAddress("asset", payload.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount("amount", payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	shares, err := s.engine.DepositLP(r.Context(), principal(r), asset, amount)
	if err != nil {
		s.writeDomainError(w, "lp_deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shares": amountString(shares)})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var payload lpPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	asset, err := parseAddress("asset", payload.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	shares, err := parseAmount("shares", payload.Shares)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := s.engine.WithdrawLP(r.Context(), principal(r), asset, shares)
	if err != nil {
		s.writeDomainError(w, "lp_withdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": amountString(amount)})
}

func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAddress("asset", chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	token, err := s.engine.Token(r.Context(), asset)
	if err != nil {
		s.writeDomainError(w, "asset", err)
		return
	}
	total, err := s.engine.TotalAssets(r.Context(), asset)
	if err != nil {
		s.writeDomainError(w, "asset", err)
		return
	}
	markets := make([]string, 0, len(token.MarketIDs))
	for _, id := range token.MarketIDs {
		markets = append(markets, id.Hex())
	}
	borrowShares := make(map[string]string, len(token.BorrowShares))
	for id, shares := range token.BorrowShares {
		borrowShares[id.Hex()] = amountString(shares)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":                token.Asset.Hex(),
		"markets":              markets,
		"externalSupplyShares": amountString(token.ExternalSupplyShares),
		"borrowShares":         borrowShares,
		"localLiquidity":       amountString(token.LocalLiquidity),
		"totalHeldBalance":     amountString(token.TotalHeldBalance),
		"totalBorrowed":        amountString(token.TotalBorrowed),
		"totalRepaid":          amountString(token.TotalRepaid),
		"totalLPDeposits":      amountString(token.TotalLPDeposits),
		"lpFeeReserve":         amountString(token.LPFeeReserve),
		"interestReserve":      amountString(token.InterestReserve),
		"protocolFees":         amountString(token.ProtocolFees),
		"totalShares":          amountString(token.TotalShares),
		"totalAssets":          amountString(total),
	})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAddress("asset", chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	provider, err := parseAddress("lp", chi.URLParam(r, "lp"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	position, err := s.engine.Position(r.Context(), asset, provider)
	if err != nil {
		s.writeDomainError(w, "position", err)
		return
	}
	value, err := s.engine.LPValue(r.Context(), asset, provider)
	if err != nil {
		s.writeDomainError(w, "position", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":            position.Asset.Hex(),
		"provider":         position.Provider.Hex(),
		"shares":           amountString(position.Shares),
		"depositTimestamp": position.DepositTimestamp,
		"value":            amountString(value),
	})
}

func (s *Server) handleLiquidity(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAddress("asset", chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	liquidity, err := s.engine.AvailableLiquidity(r.Context(), asset)
	if err != nil {
		s.writeDomainError(w, "liquidity", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"local":      amountString(liquidity.Local),
		"supply":     amountString(liquidity.Supply),
		"borrowable": amountString(liquidity.Borrowable),
		"total":      amountString(liquidity.Total),
	})
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	tokenIn, err := parseAddress("in", chi.URLParam(r, "in"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tokenOut, err := parseAddress("out", chi.URLParam(r, "out"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := s.engine.PairStatus(r.Context(), tokenIn, tokenOut)
	if err != nil {
		s.writeDomainError(w, "pair", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pairId":            status.PairID.Hex(),
		"whitelisted":       status.Whitelisted,
		"heldBalance":       amountString(status.HeldBalance),
		"outstandingDebt":   amountString(status.OutstandingDebt),
		"debtTimestamp":     status.DebtTimestamp,
		"expectedMatchTime": status.ExpectedMatchTime,
		"totalSwaps":        status.TotalSwaps,
		"imbalance":         amountString(status.Imbalance),
	})
}
