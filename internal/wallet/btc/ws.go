package btc

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// BlockListener subscribes to the explorer's websocket block feed and invokes
// OnBlock for every new block, so the processor can dispatch a bulk payout
// right after a block instead of waiting for the next tick.
type BlockListener struct {
	URL     string
	OnBlock func(height int64)
	Log     *slog.Logger
}

type wsBlockMessage struct {
	Block *struct {
		Height int64 `json:"height"`
	} `json:"block"`
}

func (l *BlockListener) Run(ctx context.Context) {
	if l.URL == "" {
		l.Log.Info("btc ws disabled: ws url is empty")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.URL, nil)
		if err != nil {
			l.Log.Warn("btc ws connect failed", "err", err)
			sleep(ctx, 3*time.Second)
			continue
		}
		l.Log.Info("btc ws connected", "url", l.URL)

		if err := conn.WriteJSON(map[string]any{"action": "want", "data": []string{"blocks"}}); err != nil {
			l.Log.Warn("btc ws subscribe failed", "err", err)
			conn.Close()
			sleep(ctx, 3*time.Second)
			continue
		}

		for {
			var msg wsBlockMessage
			if err := conn.ReadJSON(&msg); err != nil {
				l.Log.Warn("btc ws read failed", "err", err)
				conn.Close()
				break
			}
			if msg.Block != nil && msg.Block.Height > 0 {
				l.OnBlock(msg.Block.Height)
			}
		}

		sleep(ctx, 2*time.Second)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
