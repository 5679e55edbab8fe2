package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnexpectedPayload = errors.New("unexpected payload")

// Vendor is a merchant as shown in vendor pickers.
type Vendor struct {
	VendorID   string `json:"vendor_id"`
	VendorName string `json:"vendor_name"`
}

// Products returns the active raffle cycles. Results are cached; when a
// fetch fails and a cached list exists the cached list is returned instead.
func (g *Gateway) Products(ctx context.Context, forceRefresh bool) ([]map[string]any, error) {
	g.mu.Lock()
	if !forceRefresh && len(g.products) > 0 && g.nowTime().Sub(g.productsAt) < g.productsTTL {
		cached := g.products
		g.mu.Unlock()
		return cached, nil
	}
	g.mu.Unlock()

	products, err := g.fetchProducts(ctx)
	if err != nil {
		g.mu.Lock()
		cached := g.products
		g.mu.Unlock()
		if len(cached) > 0 {
			g.logger.WithError(err).Warn("Product fetch failed, returning last known list")
			return cached, nil
		}
		return nil, err
	}

	g.mu.Lock()
	g.products = products
	g.productsAt = g.nowTime()
	g.mu.Unlock()
	return products, nil
}

func (g *Gateway) fetchProducts(ctx context.Context) ([]map[string]any, error) {
	raw, err := g.ProxyAction(ctx, "get_raffle_cycle", nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Success      bool             `json:"success"`
		RaffleCycles []map[string]any `json:"raffle_cycles"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode products: %w", err)
	}
	if !payload.Success || payload.RaffleCycles == nil {
		return nil, fmt.Errorf("products: %w", ErrUnexpectedPayload)
	}
	return payload.RaffleCycles, nil
}

// Vendors lists merchants with their ids and names normalised.
func (g *Gateway) Vendors(ctx context.Context) ([]Vendor, error) {
	raw, err := g.ProxyAction(ctx, "get_vendors", nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Success bool             `json:"success"`
		Vendors []map[string]any `json:"vendors"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode vendors: %w", err)
	}
	if !payload.Success || payload.Vendors == nil {
		return nil, fmt.Errorf("vendors: %w", ErrUnexpectedPayload)
	}

	vendors := make([]Vendor, 0, len(payload.Vendors))
	for _, v := range payload.Vendors {
		name := stringField(v, "vendor_name", "display_name")
		if name == "" {
			name = "Unnamed Vendor"
		}
		vendors = append(vendors, Vendor{
			VendorID:   stringField(v, "ID", "vendor_id", "id"),
			VendorName: name,
		})
	}
	return vendors, nil
}
