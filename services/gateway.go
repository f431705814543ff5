package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const defaultRazorpayAPIURL = "https://api.razorpay.com"

// RazorpayConfig 支付网关配置
type RazorpayConfig struct {
	KeyID     string
	KeySecret string // 共享密钥，用于订单接口鉴权和签名校验
	APIURL    string
	Timeout   time.Duration
}

// GatewayOrder is the gateway's view of a created order. Amount is in minor units.
type GatewayOrder struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

// GatewayRefund is the gateway's view of a refund. Amount is in minor units.
type GatewayRefund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

// RazorpayGateway 封装对托管支付网关的调用
type RazorpayGateway struct {
	config     RazorpayConfig
	httpClient *http.Client
	log        zerolog.Logger
}

func NewRazorpayGateway(config RazorpayConfig, log zerolog.Logger) *RazorpayGateway {
	if config.APIURL == "" {
		config.APIURL = defaultRazorpayAPIURL
	}
	config.APIURL = strings.TrimSuffix(config.APIURL, "/")
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}

	// HTTP客户端连接池
	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			MaxConnsPerHost:       100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		Timeout: config.Timeout,
	}

	return &RazorpayGateway{
		config:     config,
		httpClient: httpClient,
		log:        log.With().Str("component", "razorpay").Logger(),
	}
}

// KeyID is the public key the checkout script needs.
func (g *RazorpayGateway) KeyID() string {
	return g.config.KeyID
}

// CreateOrder 创建支付订单，amount 为最小货币单位（如 paise）
func (g *RazorpayGateway) CreateOrder(ctx context.Context, amount int64, currency, receipt string) (*GatewayOrder, error) {
	payload := map[string]interface{}{
		"amount":          amount,
		"currency":        currency,
		"receipt":         receipt,
		"payment_capture": 1,
	}

	var order GatewayOrder
	if err := g.post(ctx, "/v1/orders", payload, &order); err != nil {
		return nil, fmt.Errorf("razorpay order creation failed: %w", err)
	}
	if order.ID == "" {
		return nil, fmt.Errorf("%w: razorpay order response missing id", ErrGateway)
	}

	g.log.Debug().Str("order_id", order.ID).Str("receipt", receipt).Int64("amount", order.Amount).Msg("order created")
	return &order, nil
}

// Refund 对已捕获的支付发起全额或部分退款
func (g *RazorpayGateway) Refund(ctx context.Context, paymentRef string, amount int64) (*GatewayRefund, error) {
	if paymentRef == "" {
		return nil, fmt.Errorf("%w: missing payment reference", ErrGateway)
	}

	var refund GatewayRefund
	path := fmt.Sprintf("/v1/payments/%s/refund", paymentRef)
	if err := g.post(ctx, path, map[string]interface{}{"amount": amount}, &refund); err != nil {
		return nil, fmt.Errorf("razorpay refund failed: %w", err)
	}

	g.log.Debug().Str("payment_id", paymentRef).Str("refund_id", refund.ID).Msg("refund created")
	return &refund, nil
}

// VerifySignature 校验 checkout 回传的签名：HMAC-SHA256(order_id|payment_id) 的十六进制值
func (g *RazorpayGateway) VerifySignature(orderRef, paymentRef, signature string) bool {
	expected := ComputeSignature(g.config.KeySecret, orderRef, paymentRef)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ComputeSignature returns the hex signature the gateway issues for a paid order.
func ComputeSignature(secret, orderRef, paymentRef string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderRef + "|" + paymentRef))
	return hex.EncodeToString(mac.Sum(nil))
}

type razorpayErrorBody struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

func (g *RazorpayGateway) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal params: %v", ErrGateway, err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.APIURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %v", ErrGateway, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(g.config.KeyID, g.config.KeySecret)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: failed to send request: %v", ErrGateway, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", ErrGateway, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr razorpayErrorBody
		msg := http.StatusText(resp.StatusCode)
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Description != "" {
			msg = apiErr.Error.Description
		}
		g.log.Warn().Str("path", path).Int("status", resp.StatusCode).Str("error", msg).Msg("gateway request rejected")
		return fmt.Errorf("%w: status %d: %s", ErrGateway, resp.StatusCode, msg)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", ErrGateway, err)
	}
	return nil
}
