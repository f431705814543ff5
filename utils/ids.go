package utils

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenerateConnID 生成 websocket 连接ID
func GenerateConnID() string {
	return "ws_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// NewRequestID returns the id attached to each HTTP request and its log lines.
func NewRequestID() string {
	return uuid.NewString()
}

// Timestamp 事件时间戳，UTC RFC3339
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
