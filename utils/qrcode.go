package utils

import (
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"
)

// GenerateQRCode 生成二维码 PNG
func GenerateQRCode(text string, size int) ([]byte, error) {
	if text == "" {
		return nil, fmt.Errorf("qrcode content is empty")
	}
	if size <= 0 {
		size = 256
	}
	return qrcode.Encode(text, qrcode.Medium, size)
}

// CampaignURL 活动页面地址，二维码扫码后打开该页面捐款
func CampaignURL(publicURL, campaignID string) string {
	return strings.TrimSuffix(publicURL, "/") + "/campaigns/" + campaignID
}
