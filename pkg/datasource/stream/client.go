package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/peter-kozarec/paperperp/pkg/common"
	"github.com/peter-kozarec/paperperp/pkg/utility/fixed"
)

const clientComponentName = "datasource.stream"

var ErrClosed = errors.New("stream closed")

type subscribeRequest struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

// bookMessage is the wire form of a book update. Levels are [price, size]
// pairs of decimal strings, ts is in unix milliseconds.
type bookMessage struct {
	Type      string           `json:"type"`
	Symbol    string           `json:"symbol"`
	Bids      [][2]fixed.Point `json:"bids"`
	Asks      [][2]fixed.Point `json:"asks"`
	MarkPrice fixed.Point      `json:"mark_price"`
	TimeStamp int64            `json:"ts"`
}

// Client reads order book snapshots from a websocket market data feed.
type Client struct {
	conn   *websocket.Conn
	logger *zap.Logger
	stop   func() bool
}

// Dial connects to url and subscribes to the symbols. The connection is
// closed when ctx is done.
func Dial(ctx context.Context, url string, logger *zap.Logger, symbols ...string) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			logger.Error("websocket handshake failed", zap.String("status", resp.Status), zap.Error(err))
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{conn: conn, logger: logger}
	c.stop = context.AfterFunc(ctx, func() { _ = conn.Close() })

	if len(symbols) > 0 {
		if err := conn.WriteJSON(subscribeRequest{Op: "subscribe", Symbols: symbols}); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("subscribe: %w", err)
		}
	}

	logger.Info("market data stream connected", zap.String("url", url), zap.Strings("symbols", symbols))
	return c, nil
}

// Next blocks until the next book update arrives. Messages that are not
// book updates or fail to decode are skipped.
func (c *Client) Next(ctx context.Context) (common.Book, error) {
	for {
		if err := ctx.Err(); err != nil {
			return common.Book{}, err
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return common.Book{}, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return common.Book{}, ErrClosed
			}
			return common.Book{}, fmt.Errorf("read book: %w", err)
		}

		book, ok, err := decodeBook(data)
		if err != nil {
			c.logger.Warn("dropping malformed market data message", zap.Error(err), zap.ByteString("message", data))
			continue
		}
		if ok {
			return book, nil
		}
	}
}

func (c *Client) Close() error {
	c.stop()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

func decodeBook(data []byte) (common.Book, bool, error) {
	var msg bookMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return common.Book{}, false, err
	}
	if msg.Type != "" && msg.Type != "book" {
		return common.Book{}, false, nil
	}
	if msg.Symbol == "" {
		return common.Book{}, false, errors.New("book without symbol")
	}

	book := common.Book{
		Bids:      toLevels(msg.Bids),
		Asks:      toLevels(msg.Asks),
		MarkPrice: msg.MarkPrice,
		Source:    clientComponentName,
		Symbol:    msg.Symbol,
		TimeStamp: time.UnixMilli(msg.TimeStamp).UTC(),
	}
	return book.Normalize(), true, nil
}

func toLevels(pairs [][2]fixed.Point) []common.Level {
	levels := make([]common.Level, 0, len(pairs))
	for _, p := range pairs {
		levels = append(levels, common.Level{Price: p[0], Size: p[1]})
	}
	return levels
}
