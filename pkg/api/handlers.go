package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/almasgold/ttbroker/pkg/engine"
	"github.com/almasgold/ttbroker/pkg/pricing"
	"github.com/almasgold/ttbroker/pkg/store"
)

// ==============================
// Orders
// ==============================

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	adminID := mux.Vars(r)["adminId"]

	var req CreateOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "missing userId", "")
		return
	}

	open := engine.OpenTradeRequest{
		UserID:         req.UserID,
		Symbol:         req.Symbol,
		Type:           pricing.Side(req.Type),
		Volume:         req.Volume,
		Spot:           req.Price,
		Comment:        req.Comment,
		RequiredMargin: req.RequiredMargin,
	}
	if req.OpeningDate != nil {
		open.OpeningDate = *req.OpeningDate
	}

	result, err := s.engine.OpenTrade(r.Context(), adminID, open)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, SuccessResponse{Success: true, Data: result})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	adminID := mux.Vars(r)["adminId"]
	orders, err := s.store.ListOrders(adminID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	if orders == nil {
		orders = []*store.Order{}
	}
	respondJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: orders})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	order, err := s.store.GetOrder(vars["adminId"], vars["orderId"])
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: order})
}

func (s *Server) handleUpdateOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req UpdateOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}

	update := engine.CloseUpdate{
		OrderStatus:  store.OrderStatus(req.OrderStatus),
		ClosingPrice: req.ClosingPrice,
		ClosingDate:  req.ClosingDate,
		Profit:       req.Profit,
		Comment:      req.Comment,
		Price:        req.Price,
	}

	result, err := s.engine.CloseTrade(r.Context(), vars["adminId"], vars["orderId"], update)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: result})
}

func (s *Server) handleBalanceCheck(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	volume, err := decimal.NewFromString(r.URL.Query().Get("volume"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid volume", err.Error())
		return
	}

	check, err := s.engine.CheckSufficientBalance(vars["adminId"], vars["userId"], volume)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: check})
}

// ==============================
// Transfers
// ==============================

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	adminID := mux.Vars(r)["adminId"]

	var req CreateTransactionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	tx, err := s.engine.CreateTransaction(adminID, engine.TransferRequest{
		UserID:  req.User,
		Type:    store.TxType(req.Type),
		Asset:   store.Asset(req.Asset),
		Amount:  req.Amount,
		Pending: req.Pending,
	})
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, SuccessResponse{Success: true, Data: tx})
}

func (s *Server) handleUpdateTransaction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req UpdateTransactionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	tx, err := s.engine.UpdateTransactionStatus(vars["adminId"], vars["txId"], store.TxStatus(req.Status))
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: tx})
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	// Scope check before listing; cross-admin reads as absent.
	acc, err := s.store.GetAccount(vars["userId"])
	if err != nil || acc.AdminOwner != vars["adminId"] {
		respondError(w, http.StatusNotFound, "not found", "")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	txs, err := s.store.ListTransactionsByUser(vars["userId"], limit)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	if txs == nil {
		txs = []*store.Transaction{}
	}
	respondJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: txs})
}

// ==============================
// Accounts
// ==============================

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	adminID := mux.Vars(r)["adminId"]

	var req CreateAccountRequest
	if !decodeBody(w, r, &req) {
		return
	}

	acc := &store.Account{
		AccountHead: req.AccountHead,
		Accode:      req.Accode,
		AccountType: req.AccountType,
		Margin:      req.Margin,
		AskSpread:   req.AskSpread,
		BidSpread:   req.BidSpread,
		AdminOwner:  adminID,
		PhoneNumber: req.PhoneNumber,
		Email:       req.Email,
		Status:      store.AccountStatus(req.Status),
		KYCStatus:   req.KYCStatus,
	}
	if err := s.store.CreateAccount(acc); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, SuccessResponse{Success: true, Data: acc})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListAccounts(mux.Vars(r)["adminId"])
	if err != nil {
		respondEngineError(w, err)
		return
	}
	if accounts == nil {
		accounts = []*store.Account{}
	}
	respondJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: accounts})
}

func (s *Server) scopedAccount(w http.ResponseWriter, adminID, userID string) *store.Account {
	acc, err := s.store.GetAccount(userID)
	if err != nil || acc.AdminOwner != adminID {
		respondError(w, http.StatusNotFound, "not found", "")
		return nil
	}
	return acc
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	acc := s.scopedAccount(w, vars["adminId"], vars["userId"])
	if acc == nil {
		return
	}
	respondJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: acc})
}

func (s *Server) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	acc := s.scopedAccount(w, vars["adminId"], vars["userId"])
	if acc == nil {
		return
	}

	var req UpdateAccountRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if req.AccountHead != nil {
		acc.AccountHead = *req.AccountHead
	}
	if req.AccountType != nil {
		acc.AccountType = *req.AccountType
	}
	if req.Margin != nil {
		acc.Margin = *req.Margin
	}
	if req.AskSpread != nil {
		acc.AskSpread = *req.AskSpread
	}
	if req.BidSpread != nil {
		acc.BidSpread = *req.BidSpread
	}
	if req.PhoneNumber != nil {
		acc.PhoneNumber = *req.PhoneNumber
	}
	if req.Email != nil {
		acc.Email = *req.Email
	}
	if req.Status != nil {
		acc.Status = store.AccountStatus(*req.Status)
	}
	if req.KYCStatus != nil {
		acc.KYCStatus = *req.KYCStatus
	}

	if err := s.store.UpdateAccountProfile(acc); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: acc})
}

// ==============================
// Ledger
// ==============================

func (s *Server) handleListLedger(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if acc := s.scopedAccount(w, vars["adminId"], vars["userId"]); acc == nil {
		return
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	entries, err := s.store.ListLedgerByUser(vars["userId"], offset, limit)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	if entries == nil {
		entries = []*store.LedgerEntry{}
	}
	respondJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: LedgerPage{
		Entries: entries,
		Offset:  offset,
		Limit:   limit,
	}})
}
