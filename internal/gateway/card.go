package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"checkout-service/config"
	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EURToRSD is the published fixed conversion rate. The card provider
// settles in RSD; all RSD amounts are derived from this rate at
// session-creation time and never persisted as an independent source
// of truth.
var EURToRSD = decimal.RequireFromString("117.25")

// ConvertEURToRSD converts an EUR amount at the fixed rate, rounded to
// two decimal places. Every line and the total must go through this same
// function so that amount reconciliation is exact.
func ConvertEURToRSD(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(EURToRSD).Round(2)
}

// CardGateway is the hosted-redirect card provider adapter. Session
// creation authenticates server-side with a confidential credential,
// creates a provider order, then a payment session whose form URL the
// user is redirected to.
type CardGateway struct {
	cfg     config.CardConfig
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewCardGateway creates the card adapter. Returns ErrNotConfigured when
// merchant credentials are absent.
func NewCardGateway(cfg config.CardConfig, baseURL string) (*CardGateway, error) {
	if !cfg.Enabled() {
		return nil, ErrNotConfigured
	}
	return &CardGateway{
		cfg:     cfg,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  util.GetLogger(),
	}, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type cardOrderRequest struct {
	MerchantOrderID string         `json:"merchantOrderId"`
	Buyer           cardBuyer      `json:"buyer"`
	Amount          string         `json:"amount"`
	Currency        string         `json:"currency"`
	Items           []cardItem     `json:"items"`
	URLs            cardReturnURLs `json:"urls"`
}

type cardBuyer struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
}

type cardItem struct {
	Name   string `json:"name"`
	Amount string `json:"amount"`
}

type cardReturnURLs struct {
	Success      string `json:"success"`
	Failure      string `json:"failure"`
	Cancel       string `json:"cancel"`
	Notification string `json:"notification"`
}

type cardOrderResponse struct {
	OrderID string `json:"orderId"`
}

type cardSessionResponse struct {
	FormURL string `json:"formUrl"`
}

// CreateSession creates a provider order and payment session for the
// given checkout order. Amounts are charged in RSD, converted from EUR
// at the fixed rate.
func (g *CardGateway) CreateSession(ctx context.Context, order *Order) (*Session, error) {
	start := time.Now()
	defer func() {
		util.GatewayLatency.WithLabelValues("card", "create_session").Observe(time.Since(start).Seconds())
	}()

	token, err := g.authenticate(ctx)
	if err != nil {
		util.GatewayRequestsTotal.WithLabelValues("card", "create_session", "auth_error").Inc()
		return nil, err
	}

	providerOrderID, err := g.createOrder(ctx, token, order)
	if err != nil {
		util.GatewayRequestsTotal.WithLabelValues("card", "create_session", "error").Inc()
		return nil, err
	}

	formURL, err := g.createPaymentSession(ctx, token, providerOrderID)
	if err != nil {
		util.GatewayRequestsTotal.WithLabelValues("card", "create_session", "error").Inc()
		return nil, err
	}

	util.GatewayRequestsTotal.WithLabelValues("card", "create_session", "success").Inc()
	g.logger.Info("Card payment session created",
		zap.String("transaction_id", order.TransactionID),
		zap.String("provider_order_id", providerOrderID))

	return &Session{FormURL: formURL, ProviderOrderID: providerOrderID}, nil
}

// authenticate exchanges the merchant credential for a short-lived bearer
// token. The secret never leaves the server.
func (g *CardGateway) authenticate(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.cfg.IdentityURL+"/connect/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(g.cfg.MerchantID, g.cfg.Secret)
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
		return "", fmt.Errorf("identity service returned %d: %w", resp.StatusCode, ErrProviderAuth)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", ErrProviderAuth
	}
	return tr.AccessToken, nil
}

func (g *CardGateway) createOrder(ctx context.Context, token string, order *Order) (string, error) {
	items := make([]cardItem, len(order.Lines))
	for i, line := range order.Lines {
		items[i] = cardItem{
			Name:   line.Name,
			Amount: ConvertEURToRSD(line.Amount).StringFixed(2),
		}
	}

	payload := cardOrderRequest{
		MerchantOrderID: order.TransactionID,
		Buyer:           cardBuyer{FullName: order.BuyerName, Email: order.BuyerEmail},
		Amount:          ConvertEURToRSD(order.Total).StringFixed(2),
		Currency:        models.CurrencyRSD,
		Items:           items,
		URLs: cardReturnURLs{
			Success:      g.baseURL + "/checkout/success",
			Failure:      g.baseURL + "/checkout/failure",
			Cancel:       g.baseURL + "/checkout/cancel",
			Notification: g.baseURL + "/api/v1/payments/notify",
		},
	}

	var out cardOrderResponse
	if err := g.post(ctx, token, "/orders", payload, &out); err != nil {
		return "", err
	}
	if out.OrderID == "" {
		return "", fmt.Errorf("provider returned empty order id")
	}
	return out.OrderID, nil
}

func (g *CardGateway) createPaymentSession(ctx context.Context, token, providerOrderID string) (string, error) {
	payload := map[string]string{"orderId": providerOrderID}

	var out cardSessionResponse
	if err := g.post(ctx, token, "/sessions", payload, &out); err != nil {
		return "", err
	}
	if out.FormURL == "" {
		return "", fmt.Errorf("provider returned empty form url")
	}
	return out.FormURL, nil
}

func (g *CardGateway) post(ctx context.Context, token, path string, payload, out interface{}) error {
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
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("provider returned %d: %w", resp.StatusCode, ErrProviderRejected)
	case resp.StatusCode >= 500:
		return fmt.Errorf("provider returned %d: %w", resp.StatusCode, ErrUnknownOutcome)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
