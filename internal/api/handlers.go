package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"AISwap-Executor/internal/auth"
	xerrors "AISwap-Executor/internal/errors"
	"AISwap-Executor/internal/trigger"
	"AISwap-Executor/internal/vault"
	"AISwap-Executor/internal/web3/uniswap"
)

const maxBodyBytes = 1 << 20

type agentRequest struct {
	Approved bool `json:"approved"`
}

type transferRequest struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type thresholdRequest struct {
	TokenIn        string `json:"token_in"`
	TokenOut       string `json:"token_out"`
	Fee            uint32 `json:"fee"`
	ThresholdPrice string `json:"threshold_price"`
	IsAbove        bool   `json:"is_above"`
}

type swapRequest struct {
	User             string `json:"user"`
	TokenIn          string `json:"token_in"`
	TokenOut         string `json:"token_out"`
	Fee              uint32 `json:"fee"`
	AmountIn         string `json:"amount_in"`
	AmountOutMinimum string `json:"amount_out_minimum"`
	Deadline         int64  `json:"deadline"`
}

type hopRequest struct {
	TokenIn  string `json:"token_in"`
	Fee      uint32 `json:"fee"`
	TokenOut string `json:"token_out"`
}

type multiHopRequest struct {
	User string       `json:"user"`
	Hops []hopRequest `json:"hops"`
	// Path 是 exactInput 使用的紧凑编码，与 Hops 二选一。
	Path             string `json:"path"`
	AmountIn         string `json:"amount_in"`
	AmountOutMinimum string `json:"amount_out_minimum"`
	Deadline         int64  `json:"deadline"`
}

type triggerRequest struct {
	ID           string `json:"id"`
	OrderID      string `json:"order_id"`
	CurrentPrice string `json:"current_price"`
	Source       string `json:"source"`
}

type eventEnvelope struct {
	Type  string      `json:"type"`
	Event vault.Event `json:"event"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	if err := s.vault.RegisterUser(r.Context(), caller); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": caller, "registered": true})
}

func (s *Server) handleIsRegistered(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", r.PathValue("address"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	registered, err := s.vault.IsRegistered(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": addr, "registered": registered})
}

func (s *Server) handleSetAgent(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	agent, err := parseAddress("address", r.PathValue("address"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req agentRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.vault.SetAgent(r.Context(), caller, agent, req.Approved); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": agent, "approved": req.Approved})
}

func (s *Server) handleIsAgent(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", r.PathValue("address"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	approved, err := s.vault.IsAgent(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": addr, "approved": approved})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, s.vault.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, s.vault.Withdraw)
}

type transferFunc func(ctx context.Context, user, token common.Address, amount *big.Int) error

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request, fn transferFunc) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	token, err := s.resolveToken("token", req.Token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := fn(r.Context(), caller, token, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	balance, err := s.vault.BalanceOf(r.Context(), caller, token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": caller, "token": token, "amount": amount, "balance": balance})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress("user", r.PathValue("user"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	token, err := s.resolveToken("token", r.PathValue("token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	balance, err := s.vault.BalanceOf(r.Context(), user, token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user, "token": token, "balance": balance})
}

func (s *Server) handleSolvency(w http.ResponseWriter, r *http.Request) {
	token, err := s.resolveToken("token", r.URL.Query().Get("token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	report, err := s.vault.CheckSolvency(r.Context(), token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSetThreshold(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	var req thresholdRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	params := vault.ThresholdParams{Fee: req.Fee, IsAbove: req.IsAbove}
	var err error
	if params.TokenIn, err = s.resolveToken("token_in", req.TokenIn); err != nil {
		s.writeError(w, r, err)
		return
	}
	if params.TokenOut, err = s.resolveToken("token_out", req.TokenOut); err != nil {
		s.writeError(w, r, err)
		return
	}
	if params.ThresholdPrice, err = parseAmount("threshold_price", req.ThresholdPrice); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.vault.SetPriceThreshold(r.Context(), caller, params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	order, err := s.vault.Order(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleListThresholds(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := vault.OrderFilter{State: vault.OrderState(strings.ToLower(query.Get("state")))}
	if filter.State != "" && !vault.IsValidOrderState(filter.State) {
		s.writeError(w, r, invalidField("state", "unknown order state"))
		return
	}
	if raw := query.Get("owner"); raw != "" {
		owner, err := parseAddress("owner", raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		filter.Owner = &owner
	}
	limit, err := parseLimit(query.Get("limit"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filter.Limit = limit
	orders, err := s.vault.Orders(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if orders == nil {
		orders = []*vault.ThresholdOrder{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleGetThreshold(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash("id", r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	order, err := s.vault.Order(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleCancelThreshold(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	id, err := parseHash("id", r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.vault.CancelPriceThreshold(r.Context(), caller, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	order, err := s.vault.Order(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	var req swapRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := parseAddress("user", req.User)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	swap := vault.SwapRequest{Fee: req.Fee, Deadline: req.Deadline}
	if swap.TokenIn, err = s.resolveToken("token_in", req.TokenIn); err != nil {
		s.writeError(w, r, err)
		return
	}
	if swap.TokenOut, err = s.resolveToken("token_out", req.TokenOut); err != nil {
		s.writeError(w, r, err)
		return
	}
	if swap.AmountIn, err = parseAmount("amount_in", req.AmountIn); err != nil {
		s.writeError(w, r, err)
		return
	}
	if swap.AmountOutMinimum, err = parseOptionalAmount("amount_out_minimum", req.AmountOutMinimum); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.vault.ExecuteSwap(r.Context(), caller, user, swap)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":       user,
		"token_in":   swap.TokenIn,
		"token_out":  swap.TokenOut,
		"amount_in":  swap.AmountIn,
		"amount_out": out,
	})
}

func (s *Server) handleMultiHopSwap(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	var req multiHopRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := parseAddress("user", req.User)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	path, err := s.parsePath(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	swap := vault.MultiHopRequest{Path: path, Deadline: req.Deadline}
	if swap.AmountIn, err = parseAmount("amount_in", req.AmountIn); err != nil {
		s.writeError(w, r, err)
		return
	}
	if swap.AmountOutMinimum, err = parseOptionalAmount("amount_out_minimum", req.AmountOutMinimum); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.vault.ExecuteMultiHopSwap(r.Context(), caller, user, swap)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":       user,
		"path":       path,
		"amount_in":  swap.AmountIn,
		"amount_out": out,
	})
}

func (s *Server) parsePath(req multiHopRequest) (vault.Path, error) {
	if req.Path != "" {
		if len(req.Hops) > 0 {
			return nil, invalidField("path", "provide either hops or path")
		}
		raw, err := hexutil.Decode(req.Path)
		if err != nil {
			return nil, invalidField("path", err.Error())
		}
		path, err := uniswap.DecodePath(raw)
		if err != nil {
			return nil, invalidField("path", err.Error())
		}
		return path, nil
	}
	path := make(vault.Path, 0, len(req.Hops))
	for _, hop := range req.Hops {
		in, err := s.resolveToken("hops.token_in", hop.TokenIn)
		if err != nil {
			return nil, err
		}
		out, err := s.resolveToken("hops.token_out", hop.TokenOut)
		if err != nil {
			return nil, err
		}
		path = append(path, vault.Hop{TokenIn: in, Fee: hop.Fee, TokenOut: out})
	}
	return path, nil
}

func (s *Server) handleSubmitTrigger(w http.ResponseWriter, r *http.Request) {
	if !s.triggersEnabled(w, r) {
		return
	}
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	approved, err := s.vault.IsAgent(r.Context(), caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !approved {
		s.writeError(w, r, vault.ErrUnauthorized.With(xerrors.WithMetadata("required_role", "agent")))
		return
	}
	var req triggerRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	orderID, err := parseHash("order_id", req.OrderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	price, err := parseOptionalAmount("current_price", req.CurrentPrice)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if price == nil {
		s.writeError(w, r, invalidField("current_price", "required"))
		return
	}
	source := req.Source
	if source == "" {
		source = caller.Hex()
	}
	job, err := s.triggers.Submit(r.Context(), trigger.SubmitRequest{
		ID:           req.ID,
		OrderID:      orderID,
		CurrentPrice: price,
		Source:       source,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	if !s.triggersEnabled(w, r) {
		return
	}
	query := r.URL.Query()
	var opts []trigger.ListOption
	limit, err := parseLimit(query.Get("limit"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if limit > 0 {
		opts = append(opts, trigger.WithLimit(limit))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []trigger.Status
		for _, part := range strings.Split(raw, ",") {
			status := trigger.Status(strings.ToLower(strings.TrimSpace(part)))
			if !trigger.IsValidStatus(status) {
				s.writeError(w, r, invalidField("status", "unknown job status "+part))
				return
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, trigger.WithStatuses(statuses...))
	}
	if raw := query.Get("order_id"); raw != "" {
		id, err := parseHash("order_id", raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		opts = append(opts, trigger.WithOrder(id))
	}
	jobs, err := s.triggers.List(r.Context(), opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*trigger.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetTrigger(w http.ResponseWriter, r *http.Request) {
	if !s.triggersEnabled(w, r) {
		return
	}
	job, err := s.triggers.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleVaultInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"admin":   s.vault.Admin(),
		"router":  s.vault.Router(),
		"custody": s.vault.Custody(),
	}
	if s.triggers != nil {
		stats, err := s.triggers.Stats(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		info["trigger_jobs"] = stats
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeNotFound, "event recorder is not enabled"))
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var events []vault.Event
	if kind := r.URL.Query().Get("type"); kind != "" {
		events = s.recorder.OfType(kind)
	} else {
		events = s.recorder.Events()
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]eventEnvelope, 0, len(events))
	for _, ev := range events {
		out = append(out, eventEnvelope{Type: ev.EventType(), Event: ev})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) triggersEnabled(w http.ResponseWriter, r *http.Request) bool {
	if s.triggers == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "trigger queue is not configured"))
		return false
	}
	return true
}

// requireCaller 返回已认证的调用者，缺失时直接写出 401。
func (s *Server) requireCaller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	caller, ok := auth.CallerFromContext(r.Context())
	if !ok {
		writeErrorStatus(w, http.StatusUnauthorized, auth.ErrMissingCredentials)
		return common.Address{}, false
	}
	return caller, true
}

func (s *Server) resolveToken(field, ref string) (common.Address, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return common.Address{}, invalidField(field, "required")
	}
	if common.IsHexAddress(ref) {
		return common.HexToAddress(ref), nil
	}
	if tok, ok := s.tokens.Lookup(ref); ok {
		return tok.Address, nil
	}
	return common.Address{}, invalidField(field, "unknown token "+ref)
}

func decodeBody(r *http.Request, dst any) error {
	body := io.LimitReader(r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "malformed request body")
	}
	return nil
}

func parseAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, invalidField(field, "not a hex address")
	}
	return common.HexToAddress(raw), nil
}

func parseHash(field, raw string) (common.Hash, error) {
	raw = strings.TrimSpace(raw)
	decoded, err := hexutil.Decode(raw)
	if err != nil || len(decoded) != common.HashLength {
		return common.Hash{}, invalidField(field, "not a 32-byte hex value")
	}
	return common.BytesToHash(decoded), nil
}

// parseAmount 解析十进制基础单位金额，正负与范围交给金库校验。
func parseAmount(field, raw string) (*big.Int, error) {
	amount, err := parseOptionalAmount(field, raw)
	if err != nil {
		return nil, err
	}
	if amount == nil {
		return nil, invalidField(field, "required")
	}
	return amount, nil
}

func parseOptionalAmount(field, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, invalidField(field, "not a base-10 integer")
	}
	return amount, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, invalidField("limit", "not a non-negative integer")
	}
	return limit, nil
}
