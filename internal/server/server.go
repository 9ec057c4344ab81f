package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/jamlabs/go-jamroom/internal/registry"
	"github.com/jamlabs/go-jamroom/internal/stats"
)

// LikeNotifier receives fire-and-forget like deltas so uploads can
// track popularity. Nil-safe at the call sites.
type LikeNotifier interface {
	NoteTrackLike(trackId string, delta int)
}

// JamServer fans room events out to websocket clients. Room state
// itself lives in the registry; the server only tracks connections and
// per-room subscriber sets.
type JamServer struct {
	log      *log.Logger
	registry *registry.Registry
	likes    LikeNotifier
	stats    stats.StatsProvider

	clients     map[*Client]struct{}
	clientsLock sync.Mutex

	subsLock sync.RWMutex
	subs     map[string]map[*Client]struct{}

	ordersLock sync.Mutex
	orders     map[string]*sync.Mutex

	RegisterChan   chan *Client
	deRegisterChan chan *Client
	stop           chan struct{}
	done           chan struct{}
}

func NewJamServer(logger *log.Logger, reg *registry.Registry, likes LikeNotifier, sp stats.StatsProvider) (*JamServer, error) {
	return &JamServer{
		log:            logger,
		registry:       reg,
		likes:          likes,
		stats:          sp,
		clients:        make(map[*Client]struct{}),
		subs:           make(map[string]map[*Client]struct{}),
		orders:         make(map[string]*sync.Mutex),
		RegisterChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}, nil
}

func (js *JamServer) Run() {
	for {
		select {
		case client := <-js.RegisterChan:
			js.log.Printf("adding connection %q", client.sessionId)
			js.addClient(client)
			js.stats.Incr(stats.ConnectedClients)
		case client := <-js.deRegisterChan:
			js.log.Printf("removing connection %q", client.sessionId)
			js.removeClient(client)
			js.stats.Decr(stats.ConnectedClients)
		case <-js.stop:
			close(js.done)
			return
		}
	}
}

// RunSweeper periodically removes members whose heartbeats lapsed and
// notifies the rooms they were swept from.
func (js *JamServer) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(registry.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, removal := range js.registry.SweepStale() {
				js.broadcast(removal.RoomId, &ServerMessage{
					BaseMessage: BaseMessage{Timestamp: Now()},
					UserLeft: &UserLeft{
						RoomId:    removal.RoomId,
						UserId:    removal.UserId,
						NewHostId: removal.NewHostId,
					},
				})
			}
		}
	}
}

func (js *JamServer) RegisterClient(c *Client) {
	js.RegisterChan <- c
}

func (js *JamServer) addClient(c *Client) {
	js.clientsLock.Lock()
	defer js.clientsLock.Unlock()
	js.clients[c] = struct{}{}
}

func (js *JamServer) removeClient(c *Client) {
	js.clientsLock.Lock()
	defer js.clientsLock.Unlock()
	delete(js.clients, c)
}

// subscribe adds the client to a room's fan-out set.
func (js *JamServer) subscribe(roomId string, c *Client) {
	js.subsLock.Lock()
	defer js.subsLock.Unlock()

	if js.subs[roomId] == nil {
		js.subs[roomId] = make(map[*Client]struct{})
	}
	js.subs[roomId][c] = struct{}{}
}

func (js *JamServer) unsubscribe(roomId string, c *Client) {
	js.subsLock.Lock()
	defer js.subsLock.Unlock()

	if set, ok := js.subs[roomId]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(js.subs, roomId)
			js.ordersLock.Lock()
			delete(js.orders, roomId)
			js.ordersLock.Unlock()
		}
	}
}

// roomOrder returns the room's fan-out ordering mutex. Handlers hold it
// across the registry mutation and the resulting broadcast, so messages
// reach every subscriber's send queue in the order the mutations were
// accepted.
func (js *JamServer) roomOrder(roomId string) *sync.Mutex {
	js.ordersLock.Lock()
	defer js.ordersLock.Unlock()

	mu, ok := js.orders[roomId]
	if !ok {
		mu = &sync.Mutex{}
		js.orders[roomId] = mu
	}
	return mu
}

// broadcast queues a message on every subscriber of the room, minus
// msg.SkipClient. Slow clients are dropped-on-full by queueMessage.
func (js *JamServer) broadcast(roomId string, msg *ServerMessage) {
	js.subsLock.RLock()
	defer js.subsLock.RUnlock()

	for client := range js.subs[roomId] {
		if client == msg.SkipClient {
			continue
		}
		client.queueMessage(msg)
	}
}

func (js *JamServer) Shutdown() {
	js.log.Println("received shutdown signal")

	js.clientsLock.Lock()
	for c := range js.clients {
		c.stopClient()
	}
	js.clientsLock.Unlock()

	close(js.stop)
	<-js.done

	js.registry.Stop()
}
