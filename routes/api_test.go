package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhifu/charity-settlement/models"
	"github.com/zhifu/charity-settlement/services"
	"github.com/zhifu/charity-settlement/utils"
)

const (
	testJWTSecret = "0123456789abcdef0123456789abcdef"
	testKeySecret = "gateway-secret"
)

type stubGateway struct {
	fail bool
	n    int
}

func (g *stubGateway) KeyID() string { return "rzp_test_key" }

func (g *stubGateway) CreateOrder(_ context.Context, amount int64, currency, receipt string) (*services.GatewayOrder, error) {
	if g.fail {
		return nil, services.ErrGateway
	}
	g.n++
	return &services.GatewayOrder{ID: "order_" + strings.Repeat("x", g.n), Amount: amount, Currency: currency, Receipt: receipt}, nil
}

func (g *stubGateway) VerifySignature(orderRef, paymentRef, signature string) bool {
	return services.ComputeSignature(testKeySecret, orderRef, paymentRef) == signature
}

func (g *stubGateway) Refund(_ context.Context, paymentRef string, amount int64) (*services.GatewayRefund, error) {
	return &services.GatewayRefund{ID: "rfnd_1", PaymentID: paymentRef, Amount: amount}, nil
}

type testServer struct {
	router  *gin.Engine
	ledger  *services.MemoryLedger
	gateway *stubGateway
}

func newTestServer(t *testing.T, opts RouteOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ledger := services.NewMemoryLedger()
	for id, status := range map[string]models.CampaignStatus{"camp-1": models.CampaignActive, "camp-closed": models.CampaignCompleted} {
		require.NoError(t, ledger.SaveCampaign(context.Background(), &models.Campaign{
			ID:           id,
			Title:        "Campaign " + id,
			TargetAmount: 100000,
			Currency:     "INR",
			Status:       status,
			EndDate:      time.Now().Add(72 * time.Hour),
		}))
	}

	gw := &stubGateway{}
	settlement := services.NewSettlement(gw, ledger, services.SettlementConfig{Currency: "INR"}, zerolog.Nop())
	hub := NewHub(nil, zerolog.Nop())
	settlement.SetNotifier(hub)

	if opts.JWTSecret == "" {
		opts.JWTSecret = testJWTSecret
	}
	if opts.PublicURL == "" {
		opts.PublicURL = "https://give.example.org"
	}

	router := gin.New()
	require.NoError(t, router.SetTrustedProxies([]string{"127.0.0.1"}))
	NewAPIRoutes(settlement, hub, opts, zerolog.Nop()).SetupRoutes(router)
	return &testServer{router: router, ledger: ledger, gateway: gw}
}

func (s *testServer) do(method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	return s.doFrom("192.0.2.1:1234", method, path, body, headers...)
}

func (s *testServer) doFrom(remoteAddr, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = remoteAddr
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func (s *testServer) createOrder(t *testing.T, body gin.H, headers ...string) map[string]interface{} {
	t.Helper()
	w := s.do(http.MethodPost, "/api/donations/create-order", body, headers...)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode(t, w)
}

func (s *testServer) verify(order map[string]interface{}, paymentID string, valid bool) *httptest.ResponseRecorder {
	orderID := order["orderId"].(string)
	signature := services.ComputeSignature(testKeySecret, orderID, paymentID)
	if !valid {
		signature = services.ComputeSignature("forged", orderID, paymentID)
	}
	return s.do(http.MethodPost, "/api/donations/verify-payment", gin.H{
		"razorpayOrderId":   orderID,
		"razorpayPaymentId": paymentID,
		"razorpaySignature": signature,
		"donationId":        order["donationId"],
	})
}

func TestCreateOrderAndVerify(t *testing.T) {
	s := newTestServer(t, RouteOptions{})

	order := s.createOrder(t, gin.H{
		"campaignId": "camp-1",
		"amount":     500,
		"donorName":  "Asha",
		"donorEmail": "asha@example.com",
	})
	assert.EqualValues(t, 50000, order["amount"])
	assert.Equal(t, "INR", order["currency"])
	assert.Equal(t, "rzp_test_key", order["keyId"])
	assert.NotEmpty(t, order["donationId"])

	w := s.verify(order, "pay_1", true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "Payment verified successfully", body["message"])
	donation := body["donation"].(map[string]interface{})
	assert.Equal(t, "completed", donation["status"])

	// retry is harmless
	w = s.verify(order, "pay_1", true)
	require.Equal(t, http.StatusOK, w.Code)

	campaign, err := s.ledger.FindCampaign(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), campaign.RaisedAmount)
	assert.Equal(t, int64(1), campaign.DonorsCount)
}

func TestVerifyForgedSignature(t *testing.T) {
	s := newTestServer(t, RouteOptions{})
	order := s.createOrder(t, gin.H{"campaignId": "camp-1", "amount": 300, "donorName": "B", "donorEmail": "b@example.com"})

	w := s.verify(order, "pay_2", false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Payment verification failed", decode(t, w)["message"])

	d, err := s.ledger.FindDonation(context.Background(), order["donationId"].(string))
	require.NoError(t, err)
	assert.Equal(t, models.DonationFailed, d.Status)
}

func TestCreateOrderErrors(t *testing.T) {
	s := newTestServer(t, RouteOptions{})

	w := s.do(http.MethodPost, "/api/donations/create-order", gin.H{"campaignId": "camp-closed", "amount": 100, "donorName": "A", "donorEmail": "a@example.com"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "This campaign is not accepting donations", decode(t, w)["message"])

	w = s.do(http.MethodPost, "/api/donations/create-order", gin.H{"campaignId": "missing", "amount": 100, "donorName": "A", "donorEmail": "a@example.com"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodPost, "/api/donations/create-order", gin.H{"campaignId": "camp-1", "amount": 100, "donorName": "A", "donorEmail": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/donations/create-order", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/donations/create-order", gin.H{"campaignId": "camp-1", "amount": int64(1<<62 + 1), "donorName": "A", "donorEmail": "a@example.com"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, s.gateway.n, "no gateway order for an amount it cannot charge")

	w = s.do(http.MethodPost, "/api/donations/create-order", gin.H{"campaignId": "camp-1", "amount": 100, "donorName": "A", "donorEmail": "a@example.com", "message": strings.Repeat("x", 11<<10)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	s.gateway.fail = true
	w = s.do(http.MethodPost, "/api/donations/create-order", gin.H{"campaignId": "camp-1", "amount": 100, "donorName": "A", "donorEmail": "a@example.com"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestCampaignDonationsMasksAnonymousDonors(t *testing.T) {
	s := newTestServer(t, RouteOptions{})

	order := s.createOrder(t, gin.H{"campaignId": "camp-1", "amount": 200, "donorName": "Hidden Person", "donorEmail": "h@example.com", "isAnonymous": true})
	require.Equal(t, http.StatusOK, s.verify(order, "pay_1", true).Code)

	w := s.do(http.MethodGet, "/api/donations/campaign/camp-1?page=1&limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "Hidden Person")
	assert.NotContains(t, w.Body.String(), "h@example.com")

	body := decode(t, w)
	assert.EqualValues(t, 1, body["totalDonations"])
	assert.EqualValues(t, 1, body["currentPage"])
	donations := body["donations"].([]interface{})
	require.Len(t, donations, 1)
	assert.Equal(t, "Anonymous", donations[0].(map[string]interface{})["donorName"])
}

func TestMyDonationsRequiresToken(t *testing.T) {
	s := newTestServer(t, RouteOptions{})

	w := s.do(http.MethodGet, "/api/donations/my-donations", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := IssueToken(testJWTSecret, "user-42", "", time.Hour)
	require.NoError(t, err)
	auth := "Bearer " + token

	order := s.createOrder(t, gin.H{"campaignId": "camp-1", "amount": 150, "donorName": "Me", "donorEmail": "me@example.com"}, "Authorization", auth)
	require.Equal(t, http.StatusOK, s.verify(order, "pay_9", true).Code)

	w = s.do(http.MethodGet, "/api/donations/my-donations", nil, "Authorization", auth)
	require.Equal(t, http.StatusOK, w.Code)
	var mine []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &mine))
	require.Len(t, mine, 1)
	assert.Equal(t, "user-42", mine[0]["donorId"])
}

func TestAdminRefund(t *testing.T) {
	s := newTestServer(t, RouteOptions{})
	order := s.createOrder(t, gin.H{"campaignId": "camp-1", "amount": 800, "donorName": "A", "donorEmail": "a@example.com"})
	require.Equal(t, http.StatusOK, s.verify(order, "pay_1", true).Code)
	path := "/api/admin/donations/" + order["donationId"].(string) + "/refund"

	donorToken, _ := IssueToken(testJWTSecret, "user-1", "", time.Hour)
	w := s.do(http.MethodPost, path, nil, "Authorization", "Bearer "+donorToken)
	assert.Equal(t, http.StatusForbidden, w.Code)

	adminToken, _ := IssueToken(testJWTSecret, "admin-1", RoleAdmin, time.Hour)
	w = s.do(http.MethodPost, path, nil, "Authorization", "Bearer "+adminToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "refunded", decode(t, w)["donation"].(map[string]interface{})["status"])

	w = s.do(http.MethodPost, path, nil, "Authorization", "Bearer "+adminToken)
	assert.Equal(t, http.StatusConflict, w.Code)

	campaign, err := s.ledger.FindCampaign(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Zero(t, campaign.RaisedAmount)
	assert.Zero(t, campaign.DonorsCount)
}

func TestGetCampaignAndQRCode(t *testing.T) {
	s := newTestServer(t, RouteOptions{})

	w := s.do(http.MethodGet, "/api/campaigns/camp-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "camp-1", body["id"])
	assert.EqualValues(t, 0, body["percentageRaised"])
	assert.EqualValues(t, 3, body["daysLeft"])

	w = s.do(http.MethodGet, "/api/campaigns/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodGet, "/api/campaigns/camp-1/qrcode", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))
}

func TestHealth(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := newTestServer(t, RouteOptions{Redis: client})
	w := s.do(http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "connected", body["database"])
	assert.Equal(t, "connected", body["redis"])

	mr.Close()
	body = decode(t, s.do(http.MethodGet, "/api/health", nil))
	assert.Equal(t, "disconnected", body["redis"])
}

func TestDonationRoutesAreRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := newTestServer(t, RouteOptions{Limiter: utils.NewRateLimiter(client, "donations", 2, 15*time.Minute)})
	body := gin.H{"campaignId": "camp-1", "amount": 10, "donorName": "A", "donorEmail": "a@example.com"}
	const proxy = "127.0.0.1:40000"

	for i := 0; i < 2; i++ {
		w := s.doFrom(proxy, http.MethodPost, "/api/donations/create-order", body, "X-Forwarded-For", "203.0.113.7")
		assert.Equal(t, http.StatusOK, w.Code)
	}
	w := s.doFrom(proxy, http.MethodPost, "/api/donations/create-order", body, "X-Forwarded-For", "203.0.113.7")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "900", w.Header().Get("Retry-After"))

	w = s.doFrom(proxy, http.MethodPost, "/api/donations/create-order", body, "X-Forwarded-For", "198.51.100.1")
	assert.Equal(t, http.StatusOK, w.Code)

	// reads are not limited
	w = s.doFrom(proxy, http.MethodGet, "/api/donations/campaign/camp-1", nil, "X-Forwarded-For", "203.0.113.7")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitIgnoresForwardedForFromUntrustedClients(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := newTestServer(t, RouteOptions{Limiter: utils.NewRateLimiter(client, "donations", 2, 15*time.Minute)})
	body := gin.H{"campaignId": "camp-1", "amount": 10, "donorName": "A", "donorEmail": "a@example.com"}
	const remote = "203.0.113.9:5123"

	for _, forwarded := range []string{"1.1.1.1", "2.2.2.2"} {
		w := s.doFrom(remote, http.MethodPost, "/api/donations/create-order", body, "X-Forwarded-For", forwarded)
		assert.Equal(t, http.StatusOK, w.Code)
	}
	w := s.doFrom(remote, http.MethodPost, "/api/donations/create-order", body, "X-Forwarded-For", "3.3.3.3")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	assert.Equal(t, []string{"ratelimit:donations:203.0.113.9"}, mr.Keys())
}

func TestSecurityHeadersAndCORS(t *testing.T) {
	s := newTestServer(t, RouteOptions{})

	w := s.do(http.MethodOptions, "/api/donations/create-order", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://give.example.org", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = s.do(http.MethodGet, "/api/health", nil, "X-Request-ID", "req-123")
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
}
