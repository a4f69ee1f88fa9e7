// Package ws is the websocket gateway. Each connection is a fanout
// subscription for the connecting user plus a small request/response
// channel for placing bets.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tickgrid/internal/domain"
	"github.com/alanyoungcy/tickgrid/internal/fanout"
	"github.com/alanyoungcy/tickgrid/internal/metrics"
	"github.com/alanyoungcy/tickgrid/internal/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	replyBuffer    = 16
	requestTimeout = 5 * time.Second
)

// EventActiveBets answers the active_bets action.
const EventActiveBets domain.EventType = "game:activeBets"

// Game is the slice of the bet service the gateway drives.
type Game interface {
	PlaceBet(ctx context.Context, userID string, amount decimal.Decimal, row, col int) (service.PlaceResult, error)
	ActiveBets(userID string) []domain.Bet
	Account(ctx context.Context, userID string) (domain.Account, error)
}

// Prices reports the latest tick.
type Prices interface {
	CurrentPrice() (domain.PriceTick, error)
}

// Hub upgrades connections and bridges them to the fanout hub.
type Hub struct {
	events   *fanout.Hub
	game     Game
	prices   Prices
	metrics  *metrics.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	wg sync.WaitGroup
}

// NewHub creates a gateway. allowedOrigins restricts the Origin header on
// upgrade; empty allows every origin.
func NewHub(events *fanout.Hub, game Game, prices Prices, allowedOrigins []string, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if m == nil {
		m = metrics.New(nil)
	}
	h := &Hub{
		events:  events,
		game:    game,
		prices:  prices,
		metrics: m,
		logger:  logger.With(slog.String("component", "ws")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Wait blocks until every connection has finished. The fanout hub must be
// closed first so the write pumps see their subscriptions end.
func (h *Hub) Wait() { h.wg.Wait() }

// request is a client action frame.
type request struct {
	Action  string          `json:"action"`
	Amount  decimal.Decimal `json:"amount"`
	GridRow int             `json:"grid_row"`
	GridCol int             `json:"grid_col"`
}

type errorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	sub    *fanout.Subscription
	reply  chan domain.Event
	done   chan struct{}
	logger *slog.Logger
}

// HandleWS upgrades the request and starts the connection pumps. The
// optional user_id query parameter scopes user events to that player.
// GET /ws?user_id=...
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	userID := r.URL.Query().Get("user_id")

	c := &client{
		hub:    h,
		conn:   conn,
		userID: userID,
		sub:    h.events.Subscribe(fanout.Filter{UserID: userID}),
		reply:  make(chan domain.Event, replyBuffer),
		done:   make(chan struct{}),
		logger: h.logger.With(slog.String("user_id", userID)),
	}
	h.metrics.WSConnections.Inc()
	c.logger.Debug("client connected")

	c.greet(r.Context())

	h.wg.Add(2)
	go c.writePump()
	go c.readPump()
}

// greet queues the snapshot a fresh client needs to render: the current
// price and, for a known user, their active bets and balance.
func (c *client) greet(ctx context.Context) {
	if tick, err := c.hub.prices.CurrentPrice(); err == nil {
		c.push(domain.EventPriceUpdate, tick)
	}
	if c.userID == "" {
		return
	}
	c.push(EventActiveBets, c.activeBets())
	acct, err := c.hub.game.Account(ctx, c.userID)
	switch {
	case err == nil:
		c.push(domain.EventBalance, domain.BalanceEvent{UserID: acct.UserID, Balance: acct.Balance})
	case !errors.Is(err, domain.ErrNotFound):
		c.logger.Warn("load balance failed", slog.String("error", err.Error()))
	}
}

func (c *client) activeBets() []domain.Bet {
	bets := c.hub.game.ActiveBets(c.userID)
	if bets == nil {
		bets = []domain.Bet{}
	}
	return bets
}

// push queues a direct reply. A full reply buffer drops the frame.
func (c *client) push(t domain.EventType, payload any) {
	ev := domain.Event{Type: t, UserID: c.userID, Payload: payload, At: time.Now().UTC()}
	select {
	case c.reply <- ev:
	default:
		c.hub.metrics.EventsDropped.WithLabelValues(string(t)).Inc()
	}
}

func (c *client) readPump() {
	defer func() {
		close(c.done)
		c.hub.wg.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var req request
		if err := json.Unmarshal(msg, &req); err != nil {
			c.push(domain.EventError, errorPayload{Message: "malformed message"})
			continue
		}
		c.handle(req)
	}
}

func (c *client) handle(req request) {
	switch req.Action {
	case "place_bet":
		if c.userID == "" {
			c.push(domain.EventError, errorPayload{Message: "connect with user_id to place bets"})
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		// Confirmation and balance arrive through the subscription.
		if _, err := c.hub.game.PlaceBet(ctx, c.userID, req.Amount, req.GridRow, req.GridCol); err != nil {
			c.push(domain.EventError, placeError(err))
			if !isClientError(err) {
				c.logger.Error("place bet failed", slog.String("error", err.Error()))
			}
		}
	case "active_bets":
		c.push(EventActiveBets, c.activeBets())
	default:
		c.push(domain.EventError, errorPayload{Message: "unknown action " + req.Action})
	}
}

func placeError(err error) errorPayload {
	if rej, ok := domain.AsRejection(err); ok {
		return errorPayload{Message: rej.Error(), Code: string(rej.Code)}
	}
	if isClientError(err) {
		return errorPayload{Message: err.Error()}
	}
	return errorPayload{Message: "bet could not be placed"}
}

func isClientError(err error) bool {
	_, rejected := domain.AsRejection(err)
	return rejected || errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrNotFound)
}

// writePump is the only writer on the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.sub.Close()
		_ = c.conn.Close()
		c.hub.metrics.WSConnections.Dec()
		c.logger.Debug("client disconnected")
		c.hub.wg.Done()
	}()

	for {
		select {
		case ev := <-c.reply:
			if err := c.write(ev); err != nil {
				return
			}
		case ev, ok := <-c.sub.C:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := c.write(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) write(ev domain.Event) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(ev)
}
