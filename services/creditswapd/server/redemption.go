package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"creditswap/native/redemption"
	"creditswap/observability"
)

type redeemPayload struct {
	TokenIn      string `json:"tokenIn"`
	TokenOut     string `json:"tokenOut"`
	AmountIn     string `json:"amountIn"`
	MinAmountOut string `json:"minAmountOut,omitempty"`
	Reference    string `json:"reference,omitempty"`
}

type abortPayload struct {
	Reason string `json:"reason"`
}

func (s *Server) requireDesk(w http.ResponseWriter) bool {
	if s.desk == nil {
		writeError(w, http.StatusNotImplemented, "redemption desk disabled")
		return false
	}
	return true
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	if !s.requireDesk(w) {
		return
	}
	var payload redeemPayload
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
	amountIn, err := parseAmount("amountIn", payload.AmountIn)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	minOut, err := parseOptionalAmount("minAmountOut", payload.MinAmountOut)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller := principal(r)
	if err := s.quota.Consume(caller.Hex(), amountIn); err != nil {
		observability.ModuleMetrics().RecordThrottle("creditswap", "quota")
		s.writeDomainError(w, "redeem", err)
		return
	}
	settlement, err := s.desk.Redeem(r.Context(), redemption.Request{
		Caller:       caller,
		TokenIn:      tokenIn,
		TokenOut:     tokenOut,
		AmountIn:     amountIn,
		MinAmountOut: minOut,
		Reference:    payload.Reference,
	})
	if err != nil {
		s.writeDomainError(w, "redeem", err)
		return
	}
	writeJSON(w, http.StatusOK, settlementView(settlement))
}

func (s *Server) handleRedemption(w http.ResponseWriter, r *http.Request) {
	if !s.requireDesk(w) {
		return
	}
	settlement, err := s.desk.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, "redemption", err)
		return
	}
	// Traders only see their own redemptions.
	if settlement.Caller != principal(r) {
		writeError(w, http.StatusNotFound, redemption.ErrUnknownSettlement.Error())
		return
	}
	writeJSON(w, http.StatusOK, settlementView(settlement))
}

func (s *Server) handlePendingRedemptions(w http.ResponseWriter, _ *http.Request) {
	if !s.requireDesk(w) {
		return
	}
	pending, err := s.desk.Pending()
	if err != nil {
		s.writeDomainError(w, "pending_redemptions", err)
		return
	}
	out := make([]map[string]any, 0, len(pending))
	for _, settlement := range pending {
		out = append(out, settlementView(settlement))
	}
	writeJSON(w, http.StatusOK, map[string]any{"redemptions": out})
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	if !s.requireDesk(w) {
		return
	}
	settlement, err := s.desk.Settle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, "settle", err)
		return
	}
	writeJSON(w, http.StatusOK, settlementView(settlement))
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if !s.requireDesk(w) {
		return
	}
	var payload abortPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	settlement, err := s.desk.Abort(r.Context(), chi.URLParam(r, "id"), payload.Reason)
	if err != nil {
		s.writeDomainError(w, "abort", err)
		return
	}
	writeJSON(w, http.StatusOK, settlementView(settlement))
}

func settlementView(s *redemption.Settlement) map[string]any {
	return map[string]any{
		"id":           s.ID,
		"caller":       s.Caller.Hex(),
		"tokenIn":      s.TokenIn.Hex(),
		"tokenOut":     s.TokenOut.Hex(),
		"amountIn":     amountString(s.AmountIn),
		"surchargeBps": s.SurchargeBps,
		"surcharge":    amountString(s.Surcharge),
		"swapAmount":   amountString(s.SwapAmount),
		"amountOut":    amountString(s.AmountOut),
		"swapFee":      amountString(s.SwapFee),
		"reference":    s.Reference,
		"status":       s.Status,
		"reason":       s.Reason,
		"createdAt":    s.CreatedAt,
		"closedAt":     s.ClosedAt,
	}
}
