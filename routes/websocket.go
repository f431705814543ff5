package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/zhifu/charity-settlement/models"
	"github.com/zhifu/charity-settlement/services"
	"github.com/zhifu/charity-settlement/utils"
)

const (
	writeWait       = 2 * time.Second
	cleanupInterval = 30 * time.Second
	clientQueueSize = 16
)

// RecentDonationsFunc loads the first page shown to a newly connected client.
type RecentDonationsFunc func(ctx context.Context, campaignID string) (*services.DonationPage, error)

type hubClient struct {
	id         string
	conn       *websocket.Conn
	campaignID string      // empty: all campaigns
	send       chan []byte // closed by the hub when the client is removed
}

// writePump is the only writer of data frames on the connection.
func (c *hubClient) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

type hubMessage struct {
	campaignID string
	data       []byte
}

// Hub 管理 websocket 连接并推送结算事件
type Hub struct {
	upgrader   websocket.Upgrader
	clients    map[*hubClient]bool
	broadcast  chan hubMessage
	register   chan *hubClient
	unregister chan *hubClient
	done       chan struct{}
	mutex      sync.Mutex
	recent     RecentDonationsFunc
	log        zerolog.Logger
}

func NewHub(recent RecentDonationsFunc, log zerolog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有来源的WebSocket连接
			},
		},
		clients:    make(map[*hubClient]bool),
		broadcast:  make(chan hubMessage, 64),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		done:       make(chan struct{}),
		recent:     recent,
		log:        log.With().Str("component", "websocket").Logger(),
	}
}

// Run 处理注册、注销、广播和定期清理，直到 ctx 结束
func (h *Hub) Run(ctx context.Context) {
	h.log.Info().Msg("websocket hub started")

	cleanupTicker := time.NewTicker(cleanupInterval)
	defer cleanupTicker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for client := range h.clients {
				h.removeLocked(client)
			}
			h.mutex.Unlock()
			h.log.Info().Msg("websocket hub stopped")
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			h.log.Debug().Str("conn_id", client.id).Str("campaign_id", client.campaignID).Int("clients", count).Msg("client connected")

			go h.sendInitialData(ctx, client)

		case client := <-h.unregister:
			h.mutex.Lock()
			h.removeLocked(client)
			count := len(h.clients)
			h.mutex.Unlock()
			h.log.Debug().Str("conn_id", client.id).Int("clients", count).Msg("client disconnected")

		case message := <-h.broadcast:
			h.deliver(message)

		case <-cleanupTicker.C:
			h.cleanupInvalidConnections()
		}
	}
}

// removeLocked drops a client and stops its write pump. Caller holds h.mutex.
func (h *Hub) removeLocked(client *hubClient) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
}

// enqueueLocked hands a message to the client's write pump without blocking.
// A client whose queue is full is too slow to keep and gets dropped. Caller holds h.mutex.
func (h *Hub) enqueueLocked(client *hubClient, data []byte) bool {
	select {
	case client.send <- data:
		return true
	default:
		h.removeLocked(client)
		return false
	}
}

func (h *Hub) deliver(message hubMessage) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	queued, dropped := 0, 0
	for client := range h.clients {
		if client.campaignID != "" && client.campaignID != message.campaignID {
			continue
		}
		if h.enqueueLocked(client, message.data) {
			queued++
		} else {
			dropped++
		}
	}
	h.log.Debug().Str("campaign_id", message.campaignID).Int("queued", queued).Int("dropped", dropped).Msg("broadcast delivered")
}

// cleanupInvalidConnections 发送 ping，清理无效连接。ping 在锁外发送。
func (h *Hub) cleanupInvalidConnections() {
	h.mutex.Lock()
	clients := make([]*hubClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	var invalid []*hubClient
	for _, client := range clients {
		if err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			invalid = append(invalid, client)
		}
	}
	if len(invalid) == 0 {
		return
	}

	h.mutex.Lock()
	for _, client := range invalid {
		h.removeLocked(client)
	}
	after := len(h.clients)
	h.mutex.Unlock()
	h.log.Info().Int("invalid", len(invalid)).Int("before", len(clients)).Int("after", after).Msg("cleaned up websocket connections")
}

// sendInitialData 新连接推送最近的已完成捐款
func (h *Hub) sendInitialData(ctx context.Context, client *hubClient) {
	if h.recent == nil || client.campaignID == "" {
		return
	}

	page, err := h.recent(ctx, client.campaignID)
	if err != nil {
		h.log.Warn().Err(err).Str("campaign_id", client.campaignID).Msg("failed to load initial donations")
		return
	}
	message, err := json.Marshal(gin.H{
		"type":      "initial_data",
		"donations": page.Donations,
		"timestamp": utils.Timestamp(time.Now()),
	})
	if err != nil {
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.clients[client] {
		h.enqueueLocked(client, message)
	}
}

// Handler 处理 GET /ws?campaign=<id>
func (h *Hub) Handler(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &hubClient{
		id:         utils.GenerateConnID(),
		conn:       conn,
		campaignID: c.Query("campaign"),
		send:       make(chan []byte, clientQueueSize),
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}
	go client.writePump()

	// 只读取以处理 close/pong 帧，业务消息由服务端推送
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("conn_id", client.id).Msg("websocket read error")
			}
			break
		}
	}

	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of live connections.
func (h *Hub) ClientCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.clients)
}

type campaignTotals struct {
	ID           string `json:"id"`
	RaisedAmount int64  `json:"raisedAmount"`
	DonorsCount  int64  `json:"donorsCount"`
}

// DonationSettled 广播结算事件；通道满时丢弃，不阻塞结算流程
func (h *Hub) DonationSettled(donation models.Donation, campaign models.Campaign) {
	eventType := "donation_completed"
	if donation.Status == models.DonationRefunded {
		eventType = "donation_refunded"
	}

	data, err := json.Marshal(gin.H{
		"type":      eventType,
		"donation":  donation.Public(),
		"campaign":  campaignTotals{ID: campaign.ID, RaisedAmount: campaign.RaisedAmount, DonorsCount: campaign.DonorsCount},
		"timestamp": utils.Timestamp(time.Now()),
	})
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal donation event")
		return
	}

	select {
	case h.broadcast <- hubMessage{campaignID: campaign.ID, data: data}:
	default:
		h.log.Warn().Str("donation_id", donation.ID).Msg("broadcast queue full, event dropped")
	}
}
