package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tickgrid/internal/domain"
)

// DefaultBookTickerURL streams best bid/ask for BTC/USD.
const DefaultBookTickerURL = "wss://stream.binance.us:9443/ws/btcusd@bookTicker"

const (
	handshakeTimeout = 15 * time.Second
	readTimeout      = 60 * time.Second
)

// bookTicker is the subset of the exchange's book ticker payload we use.
type bookTicker struct {
	Symbol string `json:"s"`
	Bid    string `json:"b"`
	Ask    string `json:"a"`
}

// BookTickerSource streams quotes from an exchange book ticker websocket.
type BookTickerSource struct {
	url    string
	dialer websocket.Dialer
	now    func() time.Time
}

// NewBookTickerSource creates a source for url, or DefaultBookTickerURL when
// url is empty.
func NewBookTickerSource(url string) *BookTickerSource {
	if url == "" {
		url = DefaultBookTickerURL
	}
	return &BookTickerSource{
		url:    url,
		dialer: websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		now:    time.Now,
	}
}

// Name implements Source.
func (s *BookTickerSource) Name() string { return "book_ticker" }

// Stream implements Source.
func (s *BookTickerSource) Stream(ctx context.Context, handle QuoteHandler) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", s.url, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(10*time.Second))
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("feed: read: %w", err)
		}
		q, err := ParseBookTicker(msg)
		if err != nil {
			continue
		}
		q.ReceivedAt = s.now()
		handle(ctx, q)
	}
}

// ParseBookTicker decodes a book ticker message into a Quote.
func ParseBookTicker(msg []byte) (domain.Quote, error) {
	var bt bookTicker
	if err := json.Unmarshal(msg, &bt); err != nil {
		return domain.Quote{}, fmt.Errorf("feed: decode book ticker: %w", err)
	}
	if bt.Bid == "" || bt.Ask == "" {
		return domain.Quote{}, fmt.Errorf("feed: book ticker without bid/ask: %w", domain.ErrValidation)
	}
	bid, err := decimal.NewFromString(bt.Bid)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("feed: bid %q: %w", bt.Bid, err)
	}
	ask, err := decimal.NewFromString(bt.Ask)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("feed: ask %q: %w", bt.Ask, err)
	}
	if !bid.IsPositive() || !ask.IsPositive() {
		return domain.Quote{}, fmt.Errorf("feed: non-positive quote: %w", domain.ErrValidation)
	}
	return domain.Quote{Bid: bid, Ask: ask}, nil
}
