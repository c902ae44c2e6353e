package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"orb-go/internal/market"
)

// subscribeMessage is sent once per connection.
type subscribeMessage struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

// tradeMessage is one print. Frames carry either a single object or an array of them.
type tradeMessage struct {
	Symbol string  `json:"sym"`
	Price  float64 `json:"p"`
	Size   float64 `json:"s"`
	Time   int64   `json:"t"` // unix milliseconds
}

func (f *Feed) runWebsocket(ctx context.Context, out chan<- market.Tick) error {
	if f.url == "" {
		return fmt.Errorf("websocket feed requires a url")
	}
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := f.consumeStream(ctx, out); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn().Err(err).Dur("backoff", backoff).Msg("market data feed disconnected, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff = time.Duration(math.Min(float64(maxBackoff), float64(backoff)*1.8))
			continue
		}
		return nil
	}
}

func (f *Feed) consumeStream(ctx context.Context, out chan<- market.Tick) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	symbols := f.Symbols()
	if err := conn.WriteJSON(subscribeMessage{Action: "subscribe", Symbols: symbols}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.log.Info().Str("provider", ProviderWebsocket).Strs("symbols", symbols).Msg("connected market data feed")

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		return nil
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					f.log.Warn().Err(err).Msg("feed ping failed")
					return
				}
			case <-pingCtx.Done():
				// unblock ReadMessage on shutdown
				_ = conn.SetReadDeadline(time.Now())
				return
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))

		trades, err := decodeTrades(message)
		if err != nil {
			f.log.Warn().Err(err).Msg("failed to decode trade message")
			continue
		}
		for _, tr := range trades {
			sym := strings.ToUpper(tr.Symbol)
			if tr.Price <= 0 || !f.tracked(sym) {
				continue
			}
			tick := market.Tick{Symbol: sym, Price: tr.Price, Size: tr.Size, Ts: time.UnixMilli(tr.Time)}
			if err := emit(ctx, out, tick); err != nil {
				return err
			}
		}
	}
}

func decodeTrades(message []byte) ([]tradeMessage, error) {
	message = bytes.TrimSpace(message)
	if len(message) > 0 && message[0] == '[' {
		var trades []tradeMessage
		err := json.Unmarshal(message, &trades)
		return trades, err
	}
	var tr tradeMessage
	if err := json.Unmarshal(message, &tr); err != nil {
		return nil, err
	}
	return []tradeMessage{tr}, nil
}
