// Package api exposes the vault engine over JSON-RPC 2.0.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/luxfi/log"

	"github.com/pairvault/pairvault/pkg/vault"
)

// JSONRPCServer handles JSON-RPC 2.0 requests against the vault engine.
type JSONRPCServer struct {
	engine *vault.VaultController
	logger log.Logger
}

// NewJSONRPCServer creates a new JSON-RPC server
func NewJSONRPCServer(engine *vault.VaultController, logger log.Logger) *JSONRPCServer {
	return &JSONRPCServer{
		engine: engine,
		logger: logger,
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes, plus EngineError for vault failures.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
	EngineError    = -32000
)

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, ParseError, "Parse error")
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, InvalidRequest, "Invalid Request")
		return
	}

	result, err := s.handleMethod(r.Context(), req.Method, req.Params)
	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &RPCError{Code: InternalError, Message: err.Error()}
		}
		s.sendError(w, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *JSONRPCServer) handleMethod(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Depositor methods
	case "vault_depositPrimary":
		return s.deposit(params, vault.Primary)
	case "vault_depositSecondary":
		return s.deposit(params, vault.Secondary)
	case "vault_withdraw":
		return s.withdraw(params)
	case "vault_getUserValue":
		return s.getUserValue(params)

	// Management methods
	case "vault_rebalance":
		return s.rebalance(ctx, params)
	case "vault_setManager":
		return s.setManager(params)
	case "vault_emergencyWithdraw":
		return s.emergencyWithdraw(params)
	case "vault_flushFees":
		return s.flushFees(params)

	// Info methods
	case "vault_getInfo":
		return s.getInfo(params)
	case "vault_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

func (s *JSONRPCServer) deposit(params json.RawMessage, asset vault.Asset) (interface{}, error) {
	var p struct {
		Depositor string `json:"depositor"`
		Amount    string `json:"amount"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Depositor == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	amount, err := parseAmount(p.Amount)
	if err != nil {
		return nil, err
	}

	depositor := vault.Identity(p.Depositor)
	switch asset {
	case vault.Primary:
		err = s.engine.DepositPrimary(depositor, amount)
	case vault.Secondary:
		err = s.engine.DepositSecondary(depositor, amount)
	}
	if err != nil {
		return nil, engineErr(err)
	}

	return map[string]interface{}{
		"depositor": p.Depositor,
		"asset":     asset.String(),
		"amount":    amount.String(),
		"userValue": s.engine.UserValue(depositor).String(),
		"status":    "credited",
	}, nil
}

func (s *JSONRPCServer) withdraw(params json.RawMessage) (interface{}, error) {
	var p struct {
		Depositor string `json:"depositor"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Depositor == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	receipt, err := s.engine.Withdraw(vault.Identity(p.Depositor))
	if err != nil {
		return nil, engineErr(err)
	}
	return map[string]interface{}{
		"depositor":     p.Depositor,
		"primaryPaid":   receipt.PrimaryPaid.String(),
		"secondaryPaid": receipt.SecondaryPaid.String(),
		"fee":           receipt.Fee.String(),
		"feeDeferred":   receipt.FeeDeferred.String(),
		"status":        "closed",
	}, nil
}

func (s *JSONRPCServer) getUserValue(params json.RawMessage) (interface{}, error) {
	var p struct {
		Depositor string `json:"depositor"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Depositor == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	return map[string]interface{}{
		"depositor": p.Depositor,
		"value":     s.engine.UserValue(vault.Identity(p.Depositor)).String(),
	}, nil
}

func (s *JSONRPCServer) rebalance(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller          string `json:"caller"`
		AmountIn        string `json:"amountIn"`
		MinAmountOut    string `json:"minAmountOut"`
		DeadlineSeconds int64  `json:"deadlineSeconds"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Caller == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	amountIn, err := parseAmount(p.AmountIn)
	if err != nil {
		return nil, err
	}
	minOut, err := parseAmount(p.MinAmountOut)
	if err != nil {
		return nil, err
	}

	res, err := s.engine.Rebalance(ctx, vault.Identity(p.Caller), amountIn, vault.RebalanceParams{
		MinAmountOut: minOut,
		Deadline:     time.Duration(p.DeadlineSeconds) * time.Second,
	})
	if err != nil {
		return nil, engineErr(err)
	}

	return map[string]interface{}{
		"amountIn":         res.AmountIn.String(),
		"amountOut":        res.AmountOut.String(),
		"primaryBalance":   res.PrimaryBalance.String(),
		"secondaryBalance": res.SecondaryBalance.String(),
		"totalValueLocked": res.TotalValueLocked.String(),
		"status":           "settled",
	}, nil
}

func (s *JSONRPCServer) setManager(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller  string `json:"caller"`
		Manager string `json:"manager"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Caller == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	if err := s.engine.SetManager(vault.Identity(p.Caller), vault.Identity(p.Manager)); err != nil {
		return nil, engineErr(err)
	}
	return map[string]interface{}{
		"manager": p.Manager,
		"status":  "updated",
	}, nil
}

func (s *JSONRPCServer) emergencyWithdraw(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller string `json:"caller"`
		Asset  string `json:"asset"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Caller == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	asset, err := vault.ParseAsset(p.Asset)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid asset"}
	}

	swept, err := s.engine.EmergencyWithdraw(vault.Identity(p.Caller), asset)
	if err != nil {
		return nil, engineErr(err)
	}
	return map[string]interface{}{
		"asset":  asset.String(),
		"amount": swept.String(),
		"status": "swept",
	}, nil
}

func (s *JSONRPCServer) flushFees(params json.RawMessage) (interface{}, error) {
	paid, err := s.engine.FlushFees()
	if err != nil {
		return nil, engineErr(err)
	}
	return map[string]interface{}{
		"paid":    paid.String(),
		"pending": s.engine.PendingFees().String(),
	}, nil
}

func (s *JSONRPCServer) getInfo(params json.RawMessage) (interface{}, error) {
	info := s.engine.Info()
	return map[string]interface{}{
		"version":          "1.0.0",
		"timestamp":        time.Now().Unix(),
		"totalValueLocked": info.TotalValueLocked.String(),
		"openPositions":    info.OpenPositions,
		"primaryCustody":   info.PrimaryCustody.String(),
		"secondaryCustody": info.SecondaryCustody.String(),
		"pendingFees":      info.PendingFees.String(),
		"collectedFees":    info.CollectedFees.String(),
		"manager":          string(info.Roles.Manager),
	}, nil
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, code int, message string) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
		ID: id,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// parseAmount reads a decimal string into a big.Int. Amounts travel as
// strings since JSON numbers cannot carry full integer precision.
func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "Amount is required"}
	}
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: fmt.Sprintf("Invalid amount: %s", s)}
	}
	return amount, nil
}

func engineErr(err error) error {
	return &RPCError{Code: EngineError, Message: err.Error()}
}

// StartJSONRPCServer starts the JSON-RPC server
func StartJSONRPCServer(ctx context.Context, port int, engine *vault.VaultController, logger log.Logger) error {
	server := NewJSONRPCServer(engine, logger)

	mux := http.NewServeMux()
	mux.Handle("/", server)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	logger.Info("JSON-RPC server started", "port", port)
	return httpServer.ListenAndServe()
}
