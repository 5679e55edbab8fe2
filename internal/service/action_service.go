package service

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownAction     = errors.New("unknown action")
	ErrNotFound          = errors.New("not found")
	ErrInvalidParams     = errors.New("invalid parameters")
	ErrInsufficientFunds = errors.New("insufficient balance")
)

// ActionError carries the HTTP status the proxy envelope should report.
type ActionError struct {
	Status int
	Err    error
}

func (e *ActionError) Error() string { return e.Err.Error() }
func (e *ActionError) Unwrap() error { return e.Err }

func actionErr(status int, err error, format string, args ...any) error {
	return &ActionError{Status: status, Err: fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)}
}

type order struct {
	ID            string  `json:"order_id"`
	Username      string  `json:"customer"`
	RaffleCycleID string  `json:"raffle_cycle_id"`
	Amount        float64 `json:"amount"`
	Status        string  `json:"status"`
	PaymentMethod string  `json:"payment_method_used,omitempty"`
}

type payment struct {
	Reference string
	Username  string
	Amount    float64
	Verified  bool
}

// ActionService is the emulator's in-memory stand-in for the upstream
// commerce and bank plugins.
type ActionService struct {
	mu       sync.Mutex
	cycles   []map[string]any
	vendors  []map[string]any
	balances map[string]map[string]float64 // username -> merchant id -> NGN
	wallets  map[string]float64            // merchant id -> NGN
	orders   map[string]*order
	payments map[string]*payment
	logger   *logrus.Logger
	nowTime  func() time.Time
}

func NewActionService(logger *logrus.Logger) *ActionService {
	return &ActionService{
		cycles: []map[string]any{
			{"id": 1, "title": "Weekend Jollof Draw", "ticket_price": 500.0, "status": "active"},
			{"id": 2, "title": "Market Day Raffle", "ticket_price": 1000.0, "status": "active"},
		},
		vendors: []map[string]any{
			{"ID": 11, "vendor_name": "Mama Put"},
			{"vendor_id": "12", "display_name": "Corner Kiosk"},
		},
		balances: make(map[string]map[string]float64),
		wallets:  map[string]float64{"11": 0, "12": 0},
		orders:   make(map[string]*order),
		payments: make(map[string]*payment),
		logger:   logger,
		nowTime:  time.Now,
	}
}

// Credit adds a vendor-locked balance for username at merchantID.
func (s *ActionService) Credit(username, merchantID string, amount float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balances[username] == nil {
		s.balances[username] = make(map[string]float64)
	}
	s.balances[username][merchantID] += amount
}

// Dispatch runs a Context Proxy action on behalf of username.
func (s *ActionService) Dispatch(username, actionType string, params map[string]any) (any, error) {
	switch actionType {
	case "get_raffle_cycle":
		return map[string]any{"success": true, "raffle_cycles": s.cycles}, nil
	case "get_raffle_cycle_by_id":
		return s.cycleByID(str(params["raffle_cycle_id"]))
	case "get_vendors":
		return map[string]any{"success": true, "vendors": s.vendors}, nil
	case "create_order":
		return s.createOrder(username, params)
	case "complete_order":
		return s.completeOrder(username, params)
	}
	return nil, actionErr(400, ErrUnknownAction, "action %q", actionType)
}

// Bank runs an action of the bank plugin reached through the raw proxy.
func (s *ActionService) Bank(username, actionType string, params map[string]any) (any, error) {
	switch actionType {
	case "get_vendor_balances":
		return s.vendorBalances(username), nil
	case "spend_at_merchant":
		return s.spend(username, params)
	}
	return nil, actionErr(400, ErrUnknownAction, "bank action %q", actionType)
}

func (s *ActionService) cycleByID(id string) (any, error) {
	for _, c := range s.cycles {
		if str(c["id"]) == id {
			return map[string]any{"success": true, "raffle_cycle": c}, nil
		}
	}
	return nil, actionErr(404, ErrNotFound, "raffle cycle %q", id)
}

func (s *ActionService) createOrder(username string, params map[string]any) (any, error) {
	cycleID := str(params["raffle_cycle_id"])
	raw, err := s.cycleByID(cycleID)
	if err != nil {
		return nil, err
	}
	cycle := raw.(map[string]any)["raffle_cycle"].(map[string]any)
	qty, _ := num(params["quantity"])
	if qty <= 0 {
		qty = 1
	}

	o := &order{
		ID:            "ord-" + uuid.New().String()[:8],
		Username:      username,
		RaffleCycleID: cycleID,
		Amount:        qty * cycle["ticket_price"].(float64),
		Status:        "pending",
	}
	s.mu.Lock()
	s.orders[o.ID] = o
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{"order_id": o.ID, "username": username}).Info("Order created")
	return o, nil
}

func (s *ActionService) completeOrder(username string, params map[string]any) (any, error) {
	id := str(params["order_id"])
	amount, ok := num(params["amount"])
	if id == "" || !ok {
		return nil, actionErr(400, ErrInvalidParams, "order_id and amount are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	o, found := s.orders[id]
	if !found || o.Username != username {
		return nil, actionErr(404, ErrNotFound, "order %q", id)
	}
	if amount != o.Amount {
		return nil, actionErr(400, ErrInvalidParams, "amount %.2f does not match order total %.2f", amount, o.Amount)
	}
	o.Status = "completed"
	o.PaymentMethod = str(params["payment_method_used"])
	return map[string]any{"success": true, "order": *o}, nil
}

func (s *ActionService) vendorBalances(username string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []map[string]any{}
	for merchantID, bal := range s.balances[username] {
		out = append(out, map[string]any{
			"merchant_id": merchantID,
			"balance_ngn": strconv.FormatFloat(bal, 'f', 2, 64),
		})
	}
	return out
}

func (s *ActionService) spend(username string, params map[string]any) (any, error) {
	merchantID := str(params["merchant_id"])
	amount, ok := num(params["amount"])
	if merchantID == "" || !ok || amount <= 0 {
		return nil, actionErr(400, ErrInvalidParams, "merchant_id and a positive amount are required")
	}
	if str(params["pin"]) == "" && str(params["password"]) == "" {
		return nil, actionErr(400, ErrInvalidParams, "pin or password is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balances[username][merchantID] < amount {
		return nil, actionErr(402, ErrInsufficientFunds, "spend at %s", merchantID)
	}
	s.balances[username][merchantID] -= amount
	s.wallets[merchantID] += amount
	return map[string]any{
		"success":     true,
		"merchant_id": merchantID,
		"balance_ngn": strconv.FormatFloat(s.balances[username][merchantID], 'f', 2, 64),
	}, nil
}

// WalletSummary reports a merchant's wallet.
func (s *ActionService) WalletSummary(merchantID string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"merchant_id": merchantID,
		"balance_ngn": strconv.FormatFloat(s.wallets[merchantID], 'f', 2, 64),
	}
}

// InitiatePayment opens a card payment and returns its checkout URL.
func (s *ActionService) InitiatePayment(username string, params map[string]any) (map[string]any, error) {
	amount, ok := num(params["amount"])
	if !ok || amount <= 0 {
		return nil, actionErr(400, ErrInvalidParams, "a positive amount is required")
	}
	p := &payment{
		Reference: fmt.Sprintf("PBC-%d-%s", s.nowTime().Unix(), uuid.New().String()[:6]),
		Username:  username,
		Amount:    amount,
	}
	s.mu.Lock()
	s.payments[p.Reference] = p
	s.mu.Unlock()
	return map[string]any{
		"transaction_ref": p.Reference,
		"checkout_url":    "https://sandbox-pay.squadco.com/" + p.Reference,
	}, nil
}

func (s *ActionService) VerifyTransaction(username, reference string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[reference]
	if !ok || p.Username != username {
		return nil, actionErr(404, ErrNotFound, "transaction %q", reference)
	}
	p.Verified = true
	return map[string]any{
		"transaction_ref":    p.Reference,
		"transaction_status": "success",
		"transaction_amount": p.Amount,
	}, nil
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	}
	return ""
}

func num(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}
