// Package broker wraps REST access to the broker hosts: order status
// lookups, exit placement and liveness pings. Requests carry the per-account
// API key; the host comes from the account row.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"riskwatch/internal/tracker"
	"riskwatch/pkg/db"
)

// Client is shared across accounts; per-call credentials come from the
// account registry.
type Client struct {
	store      *db.Database
	HTTPClient *http.Client
}

func NewClient(store *db.Database) *Client {
	return &Client{
		store:      store,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) account(ctx context.Context, accountID string) (*db.Account, error) {
	acct, err := c.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("resolve account %s: %w", accountID, err)
	}
	return acct, nil
}

func (c *Client) do(ctx context.Context, acct *db.Account, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	u := strings.TrimRight(acct.HostURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", acct.APIKey)

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("broker %s %s status %d", method, path, res.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return err
		}
	}
	return nil
}

// OrderStatus polls one broker order. Broker statuses map onto the
// tracker's vocabulary; anything unrecognized is passed through verbatim.
func (c *Client) OrderStatus(ctx context.Context, accountID, brokerOrderID string) (tracker.OrderStatus, error) {
	acct, err := c.account(ctx, accountID)
	if err != nil {
		return tracker.OrderStatus{}, err
	}

	var resp struct {
		Status    string  `json:"status"`
		AvgPrice  float64 `json:"avg_price"`
		FilledQty float64 `json:"filled_qty"`
	}
	if err := c.do(ctx, acct, http.MethodGet, "/api/v1/orders/"+brokerOrderID, nil, &resp); err != nil {
		return tracker.OrderStatus{}, err
	}

	status := strings.ToLower(resp.Status)
	switch status {
	case "open", "trigger pending":
		status = tracker.BrokerPending
	}
	return tracker.OrderStatus{
		Status:    status,
		AvgPrice:  resp.AvgPrice,
		FilledQty: resp.FilledQty,
	}, nil
}

// PlaceExit flattens the given legs with opposite-side market orders and
// returns the broker exit order id per record id. Legs that fail to place
// are left out of the result.
func (c *Client) PlaceExit(ctx context.Context, legs []db.OrderRecord, reason string) (map[string]string, error) {
	placed := make(map[string]string, len(legs))
	var firstErr error
	for _, leg := range legs {
		acct, err := c.account(ctx, leg.AccountID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		side := "SELL"
		if leg.Side == "SELL" {
			side = "BUY"
		}
		body := map[string]any{
			"symbol":     leg.Symbol,
			"venue":      leg.Venue,
			"side":       side,
			"qty":        leg.Qty,
			"order_type": "MARKET",
			"tag":        reason,
		}
		var resp struct {
			OrderID string `json:"order_id"`
		}
		if err := c.do(ctx, acct, http.MethodPost, "/api/v1/orders", body, &resp); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		placed[leg.ID] = resp.OrderID
	}

	if len(placed) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return placed, nil
}

// Ping checks host liveness with the account's credentials.
func (c *Client) Ping(ctx context.Context, acct db.Account) error {
	return c.do(ctx, &acct, http.MethodGet, "/api/v1/ping", nil, nil)
}
