package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zhifu/charity-settlement/models"
)

// Gateway 支付网关适配器
type Gateway interface {
	KeyID() string
	CreateOrder(ctx context.Context, amount int64, currency, receipt string) (*GatewayOrder, error)
	VerifySignature(orderRef, paymentRef, signature string) bool
	Refund(ctx context.Context, paymentRef string, amount int64) (*GatewayRefund, error)
}

// SettlementNotifier is told about every donation that settles or is refunded.
type SettlementNotifier interface {
	DonationSettled(donation models.Donation, campaign models.Campaign)
}

// SettlementConfig 捐款业务参数
type SettlementConfig struct {
	Currency         string // fallback when a campaign has none
	MinAmount        int64
	MaxAmount        int64 // major units
	MaxMessageLength int
}

// Settlement 捐款结算流程：下单、验签、记账、退款
type Settlement struct {
	gateway  Gateway
	ledger   LedgerStore
	config   SettlementConfig
	notifier SettlementNotifier
	log      zerolog.Logger
	nowFn    func() time.Time
}

func NewSettlement(gateway Gateway, ledger LedgerStore, config SettlementConfig, log zerolog.Logger) *Settlement {
	if config.Currency == "" {
		config.Currency = "INR"
	}
	if config.MinAmount <= 0 {
		config.MinAmount = 1
	}
	if config.MaxAmount <= 0 {
		config.MaxAmount = 10000000
	}
	if config.MaxMessageLength <= 0 {
		config.MaxMessageLength = 500
	}
	return &Settlement{
		gateway: gateway,
		ledger:  ledger,
		config:  config,
		log:     log.With().Str("component", "settlement").Logger(),
		nowFn:   time.Now,
	}
}

// SetNotifier registers the listener for settled donations.
func (s *Settlement) SetNotifier(n SettlementNotifier) {
	s.notifier = n
}

// BeginInput 发起捐款的参数，Amount 为主货币单位
type BeginInput struct {
	CampaignID  string
	Amount      int64
	DonorName   string
	DonorEmail  string
	Message     string
	IsAnonymous bool
	DonorID     string // empty for guests
}

// BeginResult is everything the client needs to open checkout and later call Verify.
type BeginResult struct {
	OrderRef   string `json:"orderId"`
	Amount     int64  `json:"amount"` // minor units, as charged by the gateway
	Currency   string `json:"currency"`
	DonationID string `json:"donationId"`
	KeyID      string `json:"keyId"`
}

var emailPattern = regexp.MustCompile(`^\S+@\S+\.\S+$`)

func (s *Settlement) validateBegin(in *BeginInput) error {
	in.CampaignID = strings.TrimSpace(in.CampaignID)
	in.DonorName = strings.TrimSpace(in.DonorName)
	in.DonorEmail = strings.ToLower(strings.TrimSpace(in.DonorEmail))
	in.Message = strings.TrimSpace(in.Message)

	switch {
	case in.CampaignID == "":
		return fmt.Errorf("%w: campaign id is required", ErrInvalidInput)
	case in.Amount < s.config.MinAmount:
		return fmt.Errorf("%w: amount must be at least %d", ErrInvalidInput, s.config.MinAmount)
	case in.Amount > s.config.MaxAmount:
		return fmt.Errorf("%w: amount cannot exceed %d", ErrInvalidInput, s.config.MaxAmount)
	case in.DonorName == "":
		return fmt.Errorf("%w: donor name is required", ErrInvalidInput)
	case in.DonorEmail == "":
		return fmt.Errorf("%w: donor email is required", ErrInvalidInput)
	case !emailPattern.MatchString(in.DonorEmail):
		return fmt.Errorf("%w: please provide a valid email", ErrInvalidInput)
	case len([]rune(in.Message)) > s.config.MaxMessageLength:
		return fmt.Errorf("%w: message cannot exceed %d characters", ErrInvalidInput, s.config.MaxMessageLength)
	}
	return nil
}

// Begin 创建网关订单并写入 pending 捐款记录。网关失败时不落任何记录。
func (s *Settlement) Begin(ctx context.Context, in BeginInput) (*BeginResult, error) {
	if err := s.validateBegin(&in); err != nil {
		return nil, err
	}

	campaign, err := s.ledger.FindCampaign(ctx, in.CampaignID)
	if err != nil {
		return nil, err
	}
	if !campaign.AcceptsDonations() {
		return nil, fmt.Errorf("campaign %s is %s: %w", campaign.ID, campaign.Status, ErrCampaignNotAcceptingDonations)
	}

	currency := campaign.Currency
	if currency == "" {
		currency = s.config.Currency
	}

	minor, err := ToMinorUnits(in.Amount, currency)
	if err != nil {
		return nil, err
	}

	receipt := s.newReceipt()
	order, err := s.gateway.CreateOrder(ctx, minor, currency, receipt)
	if err != nil {
		s.log.Error().Err(err).Str("campaign_id", campaign.ID).Str("receipt", receipt).Msg("gateway order failed")
		if errors.Is(err, ErrGateway) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	if order.Amount != minor {
		s.log.Error().Str("order_id", order.ID).Int64("requested", minor).Int64("charged", order.Amount).Msg("gateway order amount mismatch")
		return nil, fmt.Errorf("%w: order %s amount %d, requested %d", ErrGateway, order.ID, order.Amount, minor)
	}

	donation := &models.Donation{
		ID:               uuid.NewString(),
		CampaignID:       campaign.ID,
		DonorName:        in.DonorName,
		DonorEmail:       in.DonorEmail,
		Amount:           in.Amount,
		Message:          in.Message,
		IsAnonymous:      in.IsAnonymous,
		ExternalOrderRef: order.ID,
		Status:           models.DonationPending,
	}
	if in.DonorID != "" {
		donorID := in.DonorID
		donation.DonorID = &donorID
	}
	if err := s.ledger.CreateDonation(ctx, donation); err != nil {
		return nil, fmt.Errorf("failed to record donation: %w", err)
	}

	s.log.Info().
		Str("donation_id", donation.ID).
		Str("campaign_id", campaign.ID).
		Str("order_id", order.ID).
		Int64("amount", donation.Amount).
		Msg("donation pending")

	orderCurrency := order.Currency
	if orderCurrency == "" {
		orderCurrency = currency
	}
	return &BeginResult{
		OrderRef:   order.ID,
		Amount:     order.Amount,
		Currency:   orderCurrency,
		DonationID: donation.ID,
		KeyID:      s.gateway.KeyID(),
	}, nil
}

// newReceipt 生成唯一收据号，避免网关订单冲突
func (s *Settlement) newReceipt() string {
	return fmt.Sprintf("donation_%d_%s", s.nowFn().UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// VerifyInput carries the checkout callback fields.
type VerifyInput struct {
	OrderRef   string
	PaymentRef string
	Signature  string
	DonationID string
}

// Verify 校验网关签名并结算。重复调用返回已结算状态，不会重复累加。
// A rejected verification returns the failed donation together with ErrPaymentVerificationFailed.
func (s *Settlement) Verify(ctx context.Context, in VerifyInput) (*models.Donation, error) {
	if in.DonationID == "" || in.OrderRef == "" || in.PaymentRef == "" || in.Signature == "" {
		return nil, fmt.Errorf("%w: order id, payment id, signature and donation id are required", ErrInvalidInput)
	}

	donation, err := s.ledger.FindDonation(ctx, in.DonationID)
	if err != nil {
		return nil, err
	}
	logger := s.log.With().Str("donation_id", donation.ID).Str("campaign_id", donation.CampaignID).Logger()

	if in.OrderRef != donation.ExternalOrderRef || !s.gateway.VerifySignature(in.OrderRef, in.PaymentRef, in.Signature) {
		return s.reject(ctx, donation, logger)
	}

	switch donation.Status {
	case models.DonationCompleted:
		logger.Debug().Msg("donation already settled")
		return donation, nil
	case models.DonationFailed, models.DonationRefunded:
		return donation, fmt.Errorf("donation %s is %s: %w", donation.ID, donation.Status, ErrPaymentVerificationFailed)
	}

	var settled bool
	err = s.ledger.Atomically(ctx, func(tx LedgerStore) error {
		refs := &SettlementRefs{PaymentRef: in.PaymentRef, Signature: in.Signature}
		applied, err := tx.TransitionDonation(ctx, donation.ID, models.DonationPending, models.DonationCompleted, refs)
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
		if err := tx.IncrementCampaignAggregates(ctx, donation.CampaignID, donation.Amount, 1); err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: campaign %s missing for donation %s", ErrIntegrity, donation.CampaignID, donation.ID)
			}
			return err
		}
		settled = true
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("settlement failed")
		return nil, err
	}

	current, err := s.ledger.FindDonation(ctx, donation.ID)
	if err != nil {
		return nil, err
	}
	if !settled {
		// lost the race to a concurrent verify; report whatever it settled to
		logger.Debug().Str("status", string(current.Status)).Msg("donation settled concurrently")
		if current.Status != models.DonationCompleted {
			return current, fmt.Errorf("donation %s is %s: %w", current.ID, current.Status, ErrPaymentVerificationFailed)
		}
		return current, nil
	}

	logger.Info().Int64("amount", current.Amount).Str("payment_id", in.PaymentRef).Msg("donation completed")
	s.notify(ctx, *current)
	return current, nil
}

// reject marks a pending donation failed. Settled donations are left as they are.
func (s *Settlement) reject(ctx context.Context, donation *models.Donation, logger zerolog.Logger) (*models.Donation, error) {
	applied, err := s.ledger.TransitionDonation(ctx, donation.ID, models.DonationPending, models.DonationFailed, nil)
	if err != nil {
		return nil, err
	}
	if applied {
		logger.Warn().Msg("payment signature rejected, donation failed")
	}

	current, err := s.ledger.FindDonation(ctx, donation.ID)
	if err != nil {
		return nil, err
	}
	return current, fmt.Errorf("donation %s: %w", donation.ID, ErrPaymentVerificationFailed)
}

// Refund 退款补偿流程：网关退款成功后，completed → refunded 并回退活动汇总
func (s *Settlement) Refund(ctx context.Context, donationID string) (*models.Donation, error) {
	donation, err := s.ledger.FindDonation(ctx, donationID)
	if err != nil {
		return nil, err
	}
	if donation.Status != models.DonationCompleted {
		return nil, fmt.Errorf("donation %s is %s: %w", donation.ID, donation.Status, ErrInvalidTransition)
	}

	currency := s.config.Currency
	if campaign, err := s.ledger.FindCampaign(ctx, donation.CampaignID); err == nil && campaign.Currency != "" {
		currency = campaign.Currency
	}

	minor, err := ToMinorUnits(donation.Amount, currency)
	if err != nil {
		return nil, err
	}
	refund, err := s.gateway.Refund(ctx, donation.ExternalPaymentRef, minor)
	if err != nil {
		if errors.Is(err, ErrGateway) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}

	var refunded bool
	err = s.ledger.Atomically(ctx, func(tx LedgerStore) error {
		applied, err := tx.TransitionDonation(ctx, donation.ID, models.DonationCompleted, models.DonationRefunded, nil)
		if err != nil || !applied {
			return err
		}
		if err := tx.IncrementCampaignAggregates(ctx, donation.CampaignID, -donation.Amount, -1); err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: campaign %s missing for donation %s", ErrIntegrity, donation.CampaignID, donation.ID)
			}
			return err
		}
		refunded = true
		return nil
	})
	if err != nil {
		s.log.Error().Err(err).Str("donation_id", donation.ID).Str("refund_id", refund.ID).Msg("refund recorded at gateway but ledger update failed")
		return nil, err
	}

	current, err := s.ledger.FindDonation(ctx, donation.ID)
	if err != nil {
		return nil, err
	}
	if refunded {
		s.log.Info().Str("donation_id", current.ID).Str("refund_id", refund.ID).Int64("amount", current.Amount).Msg("donation refunded")
		s.notify(ctx, *current)
	}
	return current, nil
}

func (s *Settlement) notify(ctx context.Context, donation models.Donation) {
	if s.notifier == nil {
		return
	}
	campaign, err := s.ledger.FindCampaign(ctx, donation.CampaignID)
	if err != nil {
		s.log.Warn().Err(err).Str("campaign_id", donation.CampaignID).Msg("skip notification")
		return
	}
	s.notifier.DonationSettled(donation, *campaign)
}

// GetCampaign returns a single campaign.
func (s *Settlement) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	return s.ledger.FindCampaign(ctx, id)
}

// DonationPage 分页的公开捐款列表
type DonationPage struct {
	Donations      []models.PublicDonation `json:"donations"`
	CurrentPage    int                     `json:"currentPage"`
	TotalPages     int                     `json:"totalPages"`
	TotalDonations int64                   `json:"totalDonations"`
}

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// ListCompletedDonations 只返回已完成的捐款，匿名捐赠人名称在此处屏蔽
func (s *Settlement) ListCompletedDonations(ctx context.Context, campaignID string, page, limit int) (*DonationPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	rows, total, err := s.ledger.ListCompletedDonations(ctx, campaignID, limit, (page-1)*limit)
	if err != nil {
		return nil, err
	}

	donations := make([]models.PublicDonation, 0, len(rows))
	for _, d := range rows {
		donations = append(donations, d.Public())
	}
	return &DonationPage{
		Donations:      donations,
		CurrentPage:    page,
		TotalPages:     int(math.Ceil(float64(total) / float64(limit))),
		TotalDonations: total,
	}, nil
}

// ListDonorDonations returns the authenticated donor's own completed donations, unmasked.
func (s *Settlement) ListDonorDonations(ctx context.Context, donorID string) ([]models.Donation, error) {
	if donorID == "" {
		return nil, fmt.Errorf("%w: donor id is required", ErrInvalidInput)
	}
	return s.ledger.ListDonorDonations(ctx, donorID)
}

// Ping checks the ledger backend.
func (s *Settlement) Ping(ctx context.Context) error {
	return s.ledger.Ping(ctx)
}

var currencyExponents = map[string]int{
	"JPY": 0, "KRW": 0, "VND": 0, "CLP": 0,
	"BHD": 3, "KWD": 3, "OMR": 3, "JOD": 3,
}

// ToMinorUnits 主货币单位转换为网关要求的最小单位（INR → paise），溢出 int64 时返回 ErrInvalidInput
func ToMinorUnits(amount int64, currency string) (int64, error) {
	exp, ok := currencyExponents[strings.ToUpper(currency)]
	if !ok {
		exp = 2
	}
	for i := 0; i < exp; i++ {
		if amount > math.MaxInt64/10 || amount < math.MinInt64/10 {
			return 0, fmt.Errorf("%w: amount %d %s is too large", ErrInvalidInput, amount, currency)
		}
		amount *= 10
	}
	return amount, nil
}
