package syncclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// Change mirrors the notification the server's /ws endpoint pushes.
type Change struct {
	Entity string `json:"entity"`
	ID     string `json:"id"`
	Status string `json:"status"`
}

type subscribeMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// WatchChanges connects to the server's change stream and requests a sync
// for every announced change. A change that lands inside the debounce
// window schedules one trailing sync so it is never lost. It returns when
// ctx is done or the connection fails; callers reconnect as they see fit.
func (s *Synchronizer) WatchChanges(ctx context.Context, url string, header http.Header) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return fmt.Errorf("dial change stream: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(subscribeMessage{Action: "subscribe", Topics: []string{"*"}}); err != nil {
		return fmt.Errorf("subscribe to changes: %w", err)
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read change stream: %w", err)
		}
		var c Change
		if err := json.Unmarshal(data, &c); err != nil {
			s.log.Debug().Err(err).Msg("ignoring malformed change")
			continue
		}
		s.log.Debug().Str("entity", c.Entity).Str("id", c.ID).Str("status", c.Status).Msg("server change")
		s.nudge(ctx)
	}
}

func (s *Synchronizer) nudge(ctx context.Context) {
	if s.RequestSync(ctx) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trailing != nil {
		return
	}
	var t Timer
	t = s.opts.Clock.AfterFunc(s.opts.Debounce, func() {
		s.mu.Lock()
		if s.trailing == t {
			s.trailing = nil
		}
		s.mu.Unlock()
		s.ForceSync(ctx)
	})
	s.trailing = t
}
