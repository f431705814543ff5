package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/zhifu/charity-settlement/models"
	"gorm.io/gorm"
)

// GormLedger 基于 gorm 的账本存储
type GormLedger struct {
	db *gorm.DB
}

func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

func (g *GormLedger) FindCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	var campaign models.Campaign
	if err := g.db.WithContext(ctx).Where("id = ?", id).Take(&campaign).Error; err != nil {
		return nil, notFound("campaign", id, err)
	}
	return &campaign, nil
}

func (g *GormLedger) SaveCampaign(ctx context.Context, campaign *models.Campaign) error {
	return g.db.WithContext(ctx).Save(campaign).Error
}

func (g *GormLedger) FindDonation(ctx context.Context, id string) (*models.Donation, error) {
	var donation models.Donation
	if err := g.db.WithContext(ctx).Where("id = ?", id).Take(&donation).Error; err != nil {
		return nil, notFound("donation", id, err)
	}
	return &donation, nil
}

func (g *GormLedger) CreateDonation(ctx context.Context, donation *models.Donation) error {
	return g.db.WithContext(ctx).Create(donation).Error
}

// TransitionDonation 条件更新：只有当前状态为 from 时才会生效
func (g *GormLedger) TransitionDonation(ctx context.Context, id string, from, to models.DonationStatus, refs *SettlementRefs) (bool, error) {
	updates := map[string]interface{}{"status": to}
	if refs != nil {
		updates["external_payment_ref"] = refs.PaymentRef
		updates["external_signature"] = refs.Signature
	}

	result := g.db.WithContext(ctx).Model(&models.Donation{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// IncrementCampaignAggregates 在数据库层原子累加，避免读改写丢失更新
func (g *GormLedger) IncrementCampaignAggregates(ctx context.Context, campaignID string, amountDelta, donorDelta int64) error {
	result := g.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ?", campaignID).
		Updates(map[string]interface{}{
			"raised_amount": gorm.Expr("raised_amount + ?", amountDelta),
			"donors_count":  gorm.Expr("donors_count + ?", donorDelta),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("campaign %s: %w", campaignID, ErrNotFound)
	}
	return nil
}

func (g *GormLedger) ListCompletedDonations(ctx context.Context, campaignID string, limit, offset int) ([]models.Donation, int64, error) {
	var total int64
	if err := g.db.WithContext(ctx).Model(&models.Donation{}).
		Where("campaign_id = ? AND status = ?", campaignID, models.DonationCompleted).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}

	donations := []models.Donation{}
	if err := g.db.WithContext(ctx).
		Where("campaign_id = ? AND status = ?", campaignID, models.DonationCompleted).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&donations).Error; err != nil {
		return nil, 0, err
	}
	return donations, total, nil
}

func (g *GormLedger) ListDonorDonations(ctx context.Context, donorID string) ([]models.Donation, error) {
	donations := []models.Donation{}
	err := g.db.WithContext(ctx).
		Where("donor_id = ? AND status = ?", donorID, models.DonationCompleted).
		Order("created_at DESC").
		Find(&donations).Error
	return donations, err
}

func (g *GormLedger) Atomically(ctx context.Context, fn func(LedgerStore) error) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormLedger{db: tx})
	})
}

func (g *GormLedger) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return err
}
