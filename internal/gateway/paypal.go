package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"checkout-service/config"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// PayPalGateway is the wallet-SDK provider adapter. Payment is a two-phase
// commit: CreateOrder reserves intent, CaptureOrder finalizes funds
// movement. Reconciliation acts only after capture.
type PayPalGateway struct {
	cfg    config.PayPalConfig
	client *http.Client
	logger *zap.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewPayPalGateway creates the wallet adapter. Returns ErrNotConfigured
// when client credentials are absent.
func NewPayPalGateway(cfg config.PayPalConfig) (*PayPalGateway, error) {
	if !cfg.Enabled() {
		return nil, ErrNotConfigured
	}
	return &PayPalGateway{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: util.GetLogger(),
	}, nil
}

type paypalTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type paypalOrderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type paypalCaptureResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

// CreateOrder creates a provider order for the given amount and returns
// the provider order id the client SDK needs for approval.
func (g *PayPalGateway) CreateOrder(ctx context.Context, order *Order) (string, error) {
	start := time.Now()
	defer func() {
		util.GatewayLatency.WithLabelValues("paypal", "create_order").Observe(time.Since(start).Seconds())
	}()

	payload := map[string]interface{}{
		"intent": "CAPTURE",
		"purchase_units": []map[string]interface{}{
			{
				"reference_id": order.TransactionID,
				"amount": map[string]string{
					"currency_code": order.Currency,
					"value":         order.Total.StringFixed(2),
				},
			},
		},
	}

	var out paypalOrderResponse
	if err := g.post(ctx, "/v2/checkout/orders", payload, &out); err != nil {
		util.GatewayRequestsTotal.WithLabelValues("paypal", "create_order", "error").Inc()
		return "", err
	}
	if out.ID == "" {
		util.GatewayRequestsTotal.WithLabelValues("paypal", "create_order", "error").Inc()
		return "", fmt.Errorf("provider returned empty order id")
	}

	util.GatewayRequestsTotal.WithLabelValues("paypal", "create_order", "success").Inc()
	g.logger.Info("PayPal order created",
		zap.String("transaction_id", order.TransactionID),
		zap.String("provider_order_id", out.ID))
	return out.ID, nil
}

// CaptureOrder finalizes funds movement for an approved order and returns
// the capture transaction id.
func (g *PayPalGateway) CaptureOrder(ctx context.Context, providerOrderID string) (string, error) {
	start := time.Now()
	defer func() {
		util.GatewayLatency.WithLabelValues("paypal", "capture_order").Observe(time.Since(start).Seconds())
	}()

	var out paypalCaptureResponse
	path := fmt.Sprintf("/v2/checkout/orders/%s/capture", providerOrderID)
	if err := g.post(ctx, path, map[string]string{}, &out); err != nil {
		util.GatewayRequestsTotal.WithLabelValues("paypal", "capture_order", "error").Inc()
		return "", err
	}

	if out.Status != "COMPLETED" {
		util.GatewayRequestsTotal.WithLabelValues("paypal", "capture_order", "rejected").Inc()
		return "", fmt.Errorf("capture status %s: %w", out.Status, ErrProviderRejected)
	}

	captureID := out.ID
	for _, unit := range out.PurchaseUnits {
		for _, capture := range unit.Payments.Captures {
			if capture.ID != "" {
				captureID = capture.ID
			}
		}
	}

	util.GatewayRequestsTotal.WithLabelValues("paypal", "capture_order", "success").Inc()
	g.logger.Info("PayPal order captured",
		zap.String("provider_order_id", providerOrderID),
		zap.String("capture_id", captureID))
	return captureID, nil
}

// getToken returns a cached bearer token, exchanging credentials when the
// cache is empty or about to expire.
func (g *PayPalGateway) getToken(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.token != "" && time.Now().Before(g.tokenExpiry) {
		return g.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.cfg.APIURL+"/v1/oauth2/token", strings.NewReader("grant_type=client_credentials"))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(g.cfg.ClientID, g.cfg.Secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", ErrProviderAuth
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d: %w", resp.StatusCode, ErrProviderAuth)
	}

	var tr paypalTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", ErrProviderAuth
	}

	g.token = tr.AccessToken
	g.tokenExpiry = time.Now().Add(time.Duration(tr.ExpiresIn-60) * time.Second)
	return g.token, nil
}

func (g *PayPalGateway) post(ctx context.Context, path string, payload, out interface{}) error {
	token, err := g.getToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.APIURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrProviderAuth
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusPaymentRequired:
		return ErrProviderRejected
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("provider returned %d: %w", resp.StatusCode, ErrProviderRejected)
	case resp.StatusCode >= 500:
		return fmt.Errorf("provider returned %d: %w", resp.StatusCode, ErrUnknownOutcome)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
