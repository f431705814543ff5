package routes

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhifu/charity-settlement/models"
	"github.com/zhifu/charity-settlement/services"
)

func startHub(t *testing.T, recent RecentDonationsFunc) (*Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(recent, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	router := gin.New()
	router.GET("/ws", hub.Handler)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var event map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &event))
	return event
}

func TestHubBroadcastsSettledDonations(t *testing.T) {
	hub, url := startHub(t, nil)

	all := dial(t, url)
	scoped := dial(t, url+"?campaign=camp-1")
	other := dial(t, url+"?campaign=camp-2")
	require.Eventually(t, func() bool { return hub.ClientCount() == 3 }, 2*time.Second, 10*time.Millisecond)

	hub.DonationSettled(
		models.Donation{ID: "d1", CampaignID: "camp-1", DonorName: "Secret", IsAnonymous: true, Amount: 500, Status: models.DonationCompleted},
		models.Campaign{ID: "camp-1", RaisedAmount: 500, DonorsCount: 1},
	)

	for _, conn := range []*websocket.Conn{all, scoped} {
		event := readEvent(t, conn)
		assert.Equal(t, "donation_completed", event["type"])
		donation := event["donation"].(map[string]interface{})
		assert.Equal(t, "Anonymous", donation["donorName"])
		campaign := event["campaign"].(map[string]interface{})
		assert.EqualValues(t, 500, campaign["raisedAmount"])
	}

	require.NoError(t, other.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "client subscribed to another campaign must not receive the event")
}

func TestHubSendsInitialData(t *testing.T) {
	recent := func(_ context.Context, campaignID string) (*services.DonationPage, error) {
		return &services.DonationPage{
			Donations:   []models.PublicDonation{{ID: "d9", DonorName: "Ravi", Amount: 100}},
			CurrentPage: 1,
		}, nil
	}
	_, url := startHub(t, recent)

	conn := dial(t, url+"?campaign=camp-1")
	event := readEvent(t, conn)
	assert.Equal(t, "initial_data", event["type"])
	assert.Len(t, event["donations"], 1)
}

func TestHubDropsClosedClients(t *testing.T) {
	hub, url := startHub(t, nil)

	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubDropsClientsThatCannotKeepUp(t *testing.T) {
	hub, url := startHub(t, nil)

	live := dial(t, url)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// no write pump drains this queue
	stuck := &hubClient{id: "ws_stuck", send: make(chan []byte)}
	hub.register <- stuck
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	hub.DonationSettled(
		models.Donation{ID: "d1", CampaignID: "camp-1", DonorName: "Asha", Amount: 500, Status: models.DonationCompleted},
		models.Campaign{ID: "camp-1", RaisedAmount: 500, DonorsCount: 1},
	)

	event := readEvent(t, live)
	assert.Equal(t, "donation_completed", event["type"])
	assert.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, open := <-stuck.send
	assert.False(t, open, "dropped client's queue must be closed")
}

func TestHubStopsOnContextCancel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub(nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	router := gin.New()
	router.GET("/ws", hub.Handler)
	srv := httptest.NewServer(router)
	defer srv.Close()

	conn := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
	assert.Zero(t, hub.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
