package bridge

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// shardStatusInterval is how often the /api/shards stream pushes a fresh
// snapshot, matching original_source/server/server.py's
// asyncio.sleep(3) loop inside the websocket handler.
const shardStatusInterval = 3 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type shardStatusDTO struct {
	Address          string    `json:"address"`
	Healthy          bool      `json:"healthy"`
	Size             uint32    `json:"size"`
	LastHeartbeat    time.Time `json:"last_heartbeat"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// handleShardsWS streams the registry's shard status snapshot to the
// client every shardStatusInterval until the connection closes, the
// streaming analogue of the original's WEBSOCKET /api/shards.
func (b *Bridge) handleShardsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logf("bridge: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(shardStatusInterval)
	defer ticker.Stop()

	if err := b.writeShardStatus(conn); err != nil {
		return
	}

	for range ticker.C {
		if err := b.writeShardStatus(conn); err != nil {
			return
		}
	}
}

func (b *Bridge) writeShardStatus(conn *websocket.Conn) error {
	statuses := b.Registry.All()
	out := make([]shardStatusDTO, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, shardStatusDTO{
			Address:          s.Address.String(),
			Healthy:          s.Healthy,
			Size:             s.Size,
			LastHeartbeat:    s.LastHeartbeat,
			ConsecutiveFails: s.ConsecutiveFails,
		})
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}
