package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// CampaignStatus 募捐活动状态
type CampaignStatus string

const (
	CampaignPending   CampaignStatus = "pending"
	CampaignActive    CampaignStatus = "active"
	CampaignCompleted CampaignStatus = "completed"
	CampaignDisabled  CampaignStatus = "disabled"
)

// ParseCampaignStatus accepts only the four known statuses, case-insensitively.
func ParseCampaignStatus(s string) (CampaignStatus, error) {
	status := CampaignStatus(strings.ToLower(strings.TrimSpace(s)))
	switch status {
	case CampaignPending, CampaignActive, CampaignCompleted, CampaignDisabled:
		return status, nil
	}
	return "", fmt.Errorf("unknown campaign status %q (want pending, active, completed or disabled)", s)
}

// Campaign 募捐活动。RaisedAmount 和 DonorsCount 只能通过原子增量更新。
type Campaign struct {
	ID           string         `gorm:"primaryKey;size:36" json:"id"`
	Title        string         `gorm:"size:100;not null" json:"title"`
	TargetAmount int64          `gorm:"not null" json:"targetAmount"`
	RaisedAmount int64          `gorm:"not null;default:0" json:"raisedAmount"`
	DonorsCount  int64          `gorm:"not null;default:0" json:"donorsCount"`
	Currency     string         `gorm:"size:3;not null;default:INR" json:"currency"`
	Status       CampaignStatus `gorm:"size:20;not null;default:pending;index" json:"status"`
	EndDate      time.Time      `json:"endDate"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// AcceptsDonations reports whether new donation attempts may start.
func (c Campaign) AcceptsDonations() bool {
	return c.Status == CampaignActive
}

// PercentageRaised 已筹比例，上限100
func (c Campaign) PercentageRaised() int {
	if c.TargetAmount <= 0 {
		return 0
	}
	pct := int(math.Round(float64(c.RaisedAmount) / float64(c.TargetAmount) * 100))
	if pct > 100 {
		return 100
	}
	return pct
}

// DaysLeft 剩余天数，已结束返回0
func (c Campaign) DaysLeft(now time.Time) int {
	remaining := c.EndDate.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Hours() / 24))
}
