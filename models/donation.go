package models

import (
	"time"
)

// DonationStatus 捐款状态
type DonationStatus string

const (
	DonationPending   DonationStatus = "pending"
	DonationCompleted DonationStatus = "completed"
	DonationFailed    DonationStatus = "failed"
	DonationRefunded  DonationStatus = "refunded"
)

// AnonymousDonorName replaces the donor name of anonymous donations on every read path.
const AnonymousDonorName = "Anonymous"

type Donation struct {
	ID                 string         `gorm:"primaryKey;size:36" json:"id"`
	CampaignID         string         `gorm:"size:36;not null;index:idx_donations_campaign_status" json:"campaignId"`
	DonorID            *string        `gorm:"size:36;index" json:"donorId,omitempty"` // nil for guest donations
	DonorName          string         `gorm:"size:100;not null" json:"donorName"`
	DonorEmail         string         `gorm:"size:255;not null" json:"donorEmail"`
	Amount             int64          `gorm:"not null" json:"amount"` // major currency unit
	Message            string         `gorm:"size:500" json:"message,omitempty"`
	IsAnonymous        bool           `gorm:"not null;default:false" json:"isAnonymous"`
	ExternalOrderRef   string         `gorm:"size:64;uniqueIndex" json:"razorpayOrderId"`
	ExternalPaymentRef string         `gorm:"size:64" json:"razorpayPaymentId,omitempty"`
	ExternalSignature  string         `gorm:"size:128" json:"razorpaySignature,omitempty"`
	Status             DonationStatus `gorm:"size:20;not null;default:pending;index:idx_donations_campaign_status" json:"status"`
	CreatedAt          time.Time      `gorm:"index" json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

// DisplayName 返回公开展示的捐赠人名称
func (d Donation) DisplayName() string {
	if d.IsAnonymous {
		return AnonymousDonorName
	}
	return d.DonorName
}

// PublicDonation is the read-side view of a completed donation.
type PublicDonation struct {
	ID          string    `json:"id"`
	DonorName   string    `json:"donorName"`
	Amount      int64     `json:"amount"`
	Message     string    `json:"message,omitempty"`
	IsAnonymous bool      `json:"isAnonymous"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Public masks the donor name and drops contact and gateway fields.
func (d Donation) Public() PublicDonation {
	return PublicDonation{
		ID:          d.ID,
		DonorName:   d.DisplayName(),
		Amount:      d.Amount,
		Message:     d.Message,
		IsAnonymous: d.IsAnonymous,
		CreatedAt:   d.CreatedAt,
	}
}
