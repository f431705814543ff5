package routes

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/zhifu/charity-settlement/models"
	"github.com/zhifu/charity-settlement/services"
	"github.com/zhifu/charity-settlement/utils"
)

const (
	requestTimeout = 15 * time.Second
	maxBodyBytes   = 10 << 10
)

// RouteOptions 路由依赖的外部配置
type RouteOptions struct {
	JWTSecret string
	PublicURL string
	Redis     *redis.Client      // optional, reported by /api/health
	Limiter   *utils.RateLimiter // optional, donation routes unlimited when nil
}

type APIRoutes struct {
	settlement *services.Settlement
	hub        *Hub
	opts       RouteOptions
	log        zerolog.Logger
	nowFn      func() time.Time
}

func NewAPIRoutes(settlement *services.Settlement, hub *Hub, opts RouteOptions, log zerolog.Logger) *APIRoutes {
	return &APIRoutes{
		settlement: settlement,
		hub:        hub,
		opts:       opts,
		log:        log,
		nowFn:      time.Now,
	}
}

// SetupRoutes 设置路由
func (ar *APIRoutes) SetupRoutes(router *gin.Engine) {
	router.Use(RequestID(), RequestLogger(ar.log), SecurityHeaders(), CORS(ar.opts.PublicURL), BodyLimit(maxBodyBytes))

	api := router.Group("/api")
	{
		api.GET("/health", ar.Health)

		donations := api.Group("/donations")
		{
			limited := RateLimit(ar.opts.Limiter, ar.log)
			donations.POST("/create-order", limited, OptionalAuth(ar.opts.JWTSecret), ar.CreateOrder)
			donations.POST("/verify-payment", limited, ar.VerifyPayment)
			donations.GET("/campaign/:campaignId", ar.GetCampaignDonations)
			donations.GET("/my-donations", RequireAuth(ar.opts.JWTSecret), ar.GetMyDonations)
		}

		campaigns := api.Group("/campaigns")
		{
			campaigns.GET("/:id", ar.GetCampaign)
			campaigns.GET("/:id/qrcode", ar.CampaignQRCode)
		}

		admin := api.Group("/admin", RequireAuth(ar.opts.JWTSecret), RequireAdmin())
		{
			admin.POST("/donations/:id/refund", ar.RefundDonation)
		}
	}

	// WebSocket路由
	if ar.hub != nil {
		router.GET("/ws", ar.hub.Handler)
	}
}

// 请求统一使用带超时的上下文
func requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), requestTimeout)
}

// writeError 把业务错误映射为 HTTP 状态码
func (ar *APIRoutes) writeError(c *gin.Context, err error) {
	status, message := http.StatusInternalServerError, "Server error"

	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		status, message = http.StatusRequestEntityTooLarge, "Request body too large"
	case errors.Is(err, services.ErrNotFound):
		status, message = http.StatusNotFound, "Not found"
	case errors.Is(err, services.ErrCampaignNotAcceptingDonations):
		status, message = http.StatusBadRequest, "This campaign is not accepting donations"
	case errors.Is(err, services.ErrPaymentVerificationFailed):
		status, message = http.StatusBadRequest, "Payment verification failed"
	case errors.Is(err, services.ErrInvalidInput):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, services.ErrInvalidTransition):
		status, message = http.StatusConflict, "Donation cannot be changed in its current state"
	case errors.Is(err, services.ErrGateway):
		status, message = http.StatusBadGateway, "Payment gateway unavailable, please try again"
	case errors.Is(err, context.DeadlineExceeded):
		status, message = http.StatusGatewayTimeout, "Request timed out"
	}

	if status >= http.StatusInternalServerError {
		ar.log.Error().Err(err).Str("request_id", c.GetString(ctxRequestID)).Str("path", c.Request.URL.Path).Msg("request failed")
	}
	c.JSON(status, gin.H{"message": message})
}

func (ar *APIRoutes) bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			ar.writeError(c, err)
			return false
		}
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid request: " + err.Error()})
		return false
	}
	return true
}

// CreateOrder 创建支付订单并记录待支付捐款
func (ar *APIRoutes) CreateOrder(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	var req struct {
		CampaignID  string `json:"campaignId" binding:"required"`
		Amount      int64  `json:"amount" binding:"required"`
		DonorName   string `json:"donorName"`
		DonorEmail  string `json:"donorEmail"`
		Message     string `json:"message"`
		IsAnonymous bool   `json:"isAnonymous"`
	}
	if !ar.bindJSON(c, &req) {
		return
	}

	result, err := ar.settlement.Begin(ctx, services.BeginInput{
		CampaignID:  req.CampaignID,
		Amount:      req.Amount,
		DonorName:   req.DonorName,
		DonorEmail:  req.DonorEmail,
		Message:     req.Message,
		IsAnonymous: req.IsAnonymous,
		DonorID:     c.GetString(ctxUserID),
	})
	if err != nil {
		ar.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// VerifyPayment 校验支付签名并结算
func (ar *APIRoutes) VerifyPayment(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	var req struct {
		OrderID    string `json:"razorpayOrderId" binding:"required"`
		PaymentID  string `json:"razorpayPaymentId" binding:"required"`
		Signature  string `json:"razorpaySignature" binding:"required"`
		DonationID string `json:"donationId" binding:"required"`
	}
	if !ar.bindJSON(c, &req) {
		return
	}

	donation, err := ar.settlement.Verify(ctx, services.VerifyInput{
		OrderRef:   req.OrderID,
		PaymentRef: req.PaymentID,
		Signature:  req.Signature,
		DonationID: req.DonationID,
	})
	if err != nil {
		ar.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":  "Payment verified successfully",
		"donation": donation,
	})
}

// GetCampaignDonations 活动的已完成捐款，分页
func (ar *APIRoutes) GetCampaignDonations(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))

	result, err := ar.settlement.ListCompletedDonations(ctx, c.Param("campaignId"), page, limit)
	if err != nil {
		ar.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetMyDonations 当前登录用户的捐款记录
func (ar *APIRoutes) GetMyDonations(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	donations, err := ar.settlement.ListDonorDonations(ctx, c.GetString(ctxUserID))
	if err != nil {
		ar.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, donations)
}

// RefundDonation 管理员发起退款
func (ar *APIRoutes) RefundDonation(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	donation, err := ar.settlement.Refund(ctx, c.Param("id"))
	if err != nil {
		ar.writeError(c, err)
		return
	}
	ar.log.Info().Str("donation_id", donation.ID).Str("admin_id", c.GetString(ctxUserID)).Msg("refund issued")
	c.JSON(http.StatusOK, gin.H{
		"message":  "Donation refunded",
		"donation": donation,
	})
}

type campaignView struct {
	models.Campaign
	PercentageRaised int `json:"percentageRaised"`
	DaysLeft         int `json:"daysLeft"`
}

// GetCampaign 活动详情，附带进度和剩余天数
func (ar *APIRoutes) GetCampaign(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	campaign, err := ar.settlement.GetCampaign(ctx, c.Param("id"))
	if err != nil {
		ar.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, campaignView{
		Campaign:         *campaign,
		PercentageRaised: campaign.PercentageRaised(),
		DaysLeft:         campaign.DaysLeft(ar.nowFn()),
	})
}

// CampaignQRCode 生成活动页面二维码
func (ar *APIRoutes) CampaignQRCode(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	campaign, err := ar.settlement.GetCampaign(ctx, c.Param("id"))
	if err != nil {
		ar.writeError(c, err)
		return
	}

	size, _ := strconv.Atoi(c.DefaultQuery("size", "256"))
	if size < 64 || size > 1024 {
		size = 256
	}
	png, err := utils.GenerateQRCode(utils.CampaignURL(ar.opts.PublicURL, campaign.ID), size)
	if err != nil {
		ar.writeError(c, err)
		return
	}
	c.Header("Cache-Control", "public, max-age=86400")
	c.Data(http.StatusOK, "image/png", png)
}

// Health 健康检查
func (ar *APIRoutes) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	database := "connected"
	if err := ar.settlement.Ping(ctx); err != nil {
		database = "disconnected"
		status, code = "degraded", http.StatusServiceUnavailable
	}

	redisStatus := "disabled"
	if ar.opts.Redis != nil {
		redisStatus = "connected"
		if err := ar.opts.Redis.Ping(ctx).Err(); err != nil {
			redisStatus = "disconnected"
		}
	}

	c.JSON(code, gin.H{
		"status":    status,
		"database":  database,
		"redis":     redisStatus,
		"timestamp": utils.Timestamp(ar.nowFn()),
	})
}
