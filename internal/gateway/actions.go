package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

const (
	squadInitiatePath = "/context-proxy/v1/squad/initiate"
	squadVerifyPath   = "/context-proxy/v1/squad/verify"
	vendorSummaryPath = "/context-proxy/v1/vendor/summary"
	bankActionPath    = "/wp-json/nocash-bank/v1/action"
)

var ErrNoCheckoutURL = errors.New("no checkout_url from server")

func (g *Gateway) CreateOrder(ctx context.Context, order map[string]any) (json.RawMessage, error) {
	return g.ProxyAction(ctx, "create_order", order)
}

// CompleteOrder marks an order paid after a successful payment.
func (g *Gateway) CompleteOrder(ctx context.Context, orderID string, amount float64, paymentMethod string) (json.RawMessage, error) {
	return g.ProxyAction(ctx, "complete_order", map[string]any{
		"order_id":            orderID,
		"amount":              amount,
		"payment_method_used": paymentMethod,
	})
}

// ValidateProductPricing fetches the raffle cycle to check its current price.
func (g *Gateway) ValidateProductPricing(ctx context.Context, raffleCycleID string) (json.RawMessage, error) {
	return g.ProxyAction(ctx, "get_raffle_cycle_by_id", map[string]any{
		"raffle_cycle_id": raffleCycleID,
	})
}

// InitiatePayment starts a card payment and returns the checkout URL.
func (g *Gateway) InitiatePayment(ctx context.Context, payload map[string]any) (string, error) {
	ctx, cancel := g.bounded(ctx)
	defer cancel()

	resp, err := g.client.Post(ctx, squadInitiatePath, payload)
	if err != nil {
		return "", fmt.Errorf("initiate payment: %w", err)
	}

	var body struct {
		Data struct {
			CheckoutURL string `json:"checkout_url"`
			Data        struct {
				CheckoutURL string `json:"checkout_url"`
			} `json:"data"`
		} `json:"data"`
	}
	if err := resp.DecodeJSON(&body); err != nil {
		return "", err
	}
	if url := body.Data.Data.CheckoutURL; url != "" {
		return url, nil
	}
	if url := body.Data.CheckoutURL; url != "" {
		return url, nil
	}
	return "", ErrNoCheckoutURL
}

func (g *Gateway) VerifyTransaction(ctx context.Context, reference string) (json.RawMessage, error) {
	ctx, cancel := g.bounded(ctx)
	defer cancel()

	resp, err := g.client.Post(ctx, squadVerifyPath, map[string]string{"reference": reference})
	if err != nil {
		return nil, fmt.Errorf("verify transaction: %w", err)
	}
	return resp.Body, nil
}

type SpendRequest struct {
	MerchantID string
	Amount     float64
	PIN        string
	Password   string
}

// SpendAtMerchant moves amount from the customer's vendor-locked balance to
// the merchant's wallet.
func (g *Gateway) SpendAtMerchant(ctx context.Context, req SpendRequest) (json.RawMessage, error) {
	body := map[string]any{
		"action_type": "spend_at_merchant",
		"merchant_id": req.MerchantID,
		"amount":      req.Amount,
	}
	if req.PIN != "" {
		body["pin"] = req.PIN
	}
	if req.Password != "" {
		body["password"] = req.Password
	}
	return g.Proxy(ctx, bankActionPath, http.MethodPost, body)
}

// FetchVendorBalances lists merchant balances. A payload that is not a
// list reads as no balances.
func (g *Gateway) FetchVendorBalances(ctx context.Context) ([]map[string]any, error) {
	raw, err := g.Proxy(ctx, bankActionPath, http.MethodGet, map[string]any{
		"action_type": "get_vendor_balances",
	})
	if err != nil {
		return nil, err
	}
	var balances []map[string]any
	if err := json.Unmarshal(raw, &balances); err != nil {
		return []map[string]any{}, nil
	}
	return balances, nil
}

// FetchVendorWalletSummary returns the wallet summary of the signed-in vendor.
func (g *Gateway) FetchVendorWalletSummary(ctx context.Context) (map[string]any, error) {
	ctx, cancel := g.bounded(ctx)
	defer cancel()

	resp, err := g.client.Get(ctx, vendorSummaryPath, nil)
	if err != nil {
		return nil, fmt.Errorf("wallet summary: %w", err)
	}
	raw, err := decodeEnvelope(resp)
	if err != nil {
		return nil, err
	}
	summary := map[string]any{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &summary); err != nil {
			return nil, fmt.Errorf("failed to decode wallet summary: %w", err)
		}
	}
	return summary, nil
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}
