package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/kudohub/heartbits/internal/heartbits/middleware"
	"github.com/kudohub/heartbits/internal/heartbits/models"
	"github.com/kudohub/heartbits/internal/heartbits/repository"
	"github.com/kudohub/heartbits/internal/heartbits/service"
	"github.com/kudohub/heartbits/internal/heartbits/utils"
)

// Handler handles all HTTP requests
type Handler struct {
	Repo      repository.Repository
	Ledger    *service.LedgerService
	Transfers *service.TransferService
	Checkout  *service.CheckoutService
	JWTSecret string
}

// NewHandler creates a new handler
func NewHandler(repo repository.Repository, ledger *service.LedgerService, transfers *service.TransferService, checkout *service.CheckoutService, jwtSecret string) *Handler {
	return &Handler{
		Repo:      repo,
		Ledger:    ledger,
		Transfers: transfers,
		Checkout:  checkout,
		JWTSecret: jwtSecret,
	}
}

// writeJSON writes v as a JSON response body
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeEngineError maps the engine error taxonomy onto HTTP statuses
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidRequest):
		http.Error(w, "Invalid request", http.StatusBadRequest)
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, models.ErrInsufficientFunds):
		http.Error(w, "Insufficient funds", http.StatusPaymentRequired)
	case errors.Is(err, models.ErrQuotaExceeded):
		http.Error(w, "Monthly transfer quota exceeded", http.StatusTooManyRequests)
	case errors.Is(err, models.ErrOutOfStock):
		http.Error(w, "Out of stock", http.StatusConflict)
	default:
		http.Error(w, "Server error", http.StatusInternalServerError)
	}
}

// RegisterUser handles user registration and opens the points account
func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Login    string `json:"login"`
		Password string `json:"password"`
	}

	// Parse request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, "Login and password are required", http.StatusBadRequest)
		return
	}

	// Check if user already exists
	ctx := r.Context()
	existingUser, err := h.Repo.GetUserByLogin(ctx, req.Login)
	if err != nil {
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}

	if existingUser != nil {
		http.Error(w, "Login already taken", http.StatusConflict)
		return
	}

	// Hash password
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}

	// Create user and their points account
	userID, err := h.Repo.CreateUser(ctx, req.Login, string(hashedPassword), false)
	if err != nil {
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}

	if _, err := h.Repo.CreateAccount(ctx, userID); err != nil {
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}

	// Generate token
	token, err := middleware.GenerateToken(userID, h.JWTSecret)
	if err != nil {
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}

	// Set cookie and header
	middleware.SetAuthCookie(w, token)
	w.Header().Set("Authorization", "Bearer "+token)
	w.WriteHeader(http.StatusOK)
}

// LoginUser handles user login
func (h *Handler) LoginUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Login    string `json:"login"`
		Password string `json:"password"`
	}

	// Parse request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, "Login and password are required", http.StatusBadRequest)
		return
	}

	// Get user
	ctx := r.Context()
	user, err := h.Repo.GetUserByLogin(ctx, req.Login)
	if err != nil {
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}

	if user == nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	// Check password
	err = bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password))
	if err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	// Generate token
	token, err := middleware.GenerateToken(user.ID, h.JWTSecret)
	if err != nil {
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}

	// Set cookie and header
	middleware.SetAuthCookie(w, token)
	w.Header().Set("Authorization", "Bearer "+token)
	w.WriteHeader(http.StatusOK)
}

// GetBalance returns the user's account
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	account, err := h.Ledger.GetBalance(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, account)
}

// GetTransactions returns the user's ledger entries, newest first
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	query := r.URL.Query()
	kind := models.TransactionKind(query.Get("type"))
	page := utils.ParsePage(query)
	limit := utils.ParseLimit(query, 50)

	entries, err := h.Ledger.ListTransactions(r.Context(), userID, kind, page, limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

// TransferPoints handles a cheer: a peer-to-peer point transfer
func (h *Handler) TransferPoints(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		To      int64  `json:"to"`
		Amount  int64  `json:"amount"`
		Message string `json:"message"`
	}

	// Parse request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	result, err := h.Transfers.Transfer(r.Context(), userID, req.To, req.Amount, req.Message)
	if err != nil {
		if errors.Is(err, models.ErrQuotaExceeded) {
			remaining, qErr := h.Transfers.QuotaRemaining(r.Context(), userID)
			if qErr == nil {
				writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
					"error":     "monthly transfer quota exceeded",
					"remaining": remaining,
				})
				return
			}
		}
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ListProducts returns active catalog products matching the filters
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := models.ProductFilter{
		Category: query.Get("category"),
		MinCost:  utils.ParseInt64(query, "min_cost"),
		MaxCost:  utils.ParseInt64(query, "max_cost"),
	}

	products, err := h.Repo.ListProducts(r.Context(), filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	if len(products) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, products)
}

// CreateOrder handles checkout of the user's cart
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Items []models.CheckoutItem `json:"items"`
	}

	// Parse request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	result, err := h.Checkout.Checkout(r.Context(), userID, req.Items)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// GetOrders returns the list of user's orders
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	orders, err := h.Checkout.ListOrders(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, orders)
}

// CancelOrder cancels a pending order directly or files a cancellation
// request for a completed one
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	orderID := chi.URLParam(r, "orderID")

	var req struct {
		Reason string `json:"reason"`
	}
	// Body is optional for pending orders
	json.NewDecoder(r.Body).Decode(&req)

	order, err := h.Checkout.CancelOrder(r.Context(), userID, orderID, req.Reason)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, order)
}

// ResolveCancellation is the admin decision on a cancellation request
func (h *Handler) ResolveCancellation(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	var req struct {
		Approve bool   `json:"approve"`
		Note    string `json:"note"`
	}

	// Parse request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	order, err := h.Checkout.ResolveCancellation(r.Context(), orderID, req.Approve, req.Note)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, order)
}

// AdminAdjust grants or deducts points for a user
func (h *Handler) AdminAdjust(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID int64  `json:"user_id"`
		Amount int64  `json:"amount"`
		Reason string `json:"reason"`
		Kind   string `json:"kind"`
	}

	// Parse request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	entry, err := h.Ledger.AdminAdjust(r.Context(), req.UserID, req.Amount, req.Reason, models.TransactionKind(req.Kind))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

// CreateProduct adds a catalog product
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var product models.Product

	// Parse request
	if err := json.NewDecoder(r.Body).Decode(&product); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if product.Name == "" || product.PointsCost < 1 || product.Inventory < 0 {
		http.Error(w, "Invalid product", http.StatusBadRequest)
		return
	}

	id, err := h.Repo.CreateProduct(r.Context(), &product)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	product.ID = id

	writeJSON(w, http.StatusCreated, product)
}

// UpdateProduct edits or deactivates a catalog product
func (h *Handler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil || productID < 1 {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	var product models.Product

	// Parse request
	if err := json.NewDecoder(r.Body).Decode(&product); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	product.ID = productID

	if product.Name == "" || product.PointsCost < 1 || product.Inventory < 0 {
		http.Error(w, "Invalid product", http.StatusBadRequest)
		return
	}

	if err := h.Repo.UpdateProduct(r.Context(), &product); err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, product)
}
