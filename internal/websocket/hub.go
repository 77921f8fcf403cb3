package websocket

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/marketlink/messaging-backend/internal/events"
	"github.com/marketlink/messaging-backend/internal/models"
	"github.com/marketlink/messaging-backend/internal/store"
)

// Hub pushes delivery deltas to connected participants. It is a thin layer
// over the poll contract: every frame carries the same conversation/message
// payload shape a poll would return, so clients can mix both transports. A
// participant may hold several connections (multiple devices).
type Hub struct {
	// Registered clients per participant
	clients map[uuid.UUID]map[*Client]bool

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	bus   *events.RedisBus
	store store.Store

	mu sync.RWMutex
}

func NewHub(bus *events.RedisBus, st store.Store) *Hub {
	return &Hub{
		clients:    make(map[uuid.UUID]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		bus:        bus,
		store:      st,
	}
}

// Run starts the hub
func (h *Hub) Run() {
	go h.consumeEvents()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.participantID] == nil {
				h.clients[client.participantID] = make(map[*Client]bool)
			}
			h.clients[client.participantID][client] = true
			h.mu.Unlock()
			log.Printf("Client registered: %s", client.participantID)

		case client := <-h.unregister:
			h.mu.Lock()
			if conns, ok := h.clients[client.participantID]; ok && conns[client] {
				delete(conns, client)
				close(client.send)
				if len(conns) == 0 {
					delete(h.clients, client.participantID)
				}
			}
			h.mu.Unlock()
			log.Printf("Client unregistered: %s", client.participantID)
		}
	}
}

// consumeEvents turns domain events from the bus into per-participant deltas.
func (h *Hub) consumeEvents() {
	sub := h.bus.Subscribe(context.Background())
	defer sub.Close()

	for msg := range sub.Channel() {
		var ev models.MessageSentEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			log.Printf("WebSocket hub: bad event payload: %v", err)
			continue
		}
		h.dispatch(ev)
	}
}

func (h *Hub) dispatch(ev models.MessageSentEvent) {
	ctx := context.Background()
	conv, err := h.store.GetConversation(ctx, ev.ConversationID)
	if err != nil {
		log.Printf("WebSocket hub: conversation %s: %v", ev.ConversationID, err)
		return
	}
	msgs, err := h.store.ListMessages(ctx, ev.ConversationID, ev.Seq-1, 1)
	if err != nil {
		log.Printf("WebSocket hub: message %d of %s: %v", ev.Seq, ev.ConversationID, err)
		return
	}

	delta := models.PollResult{
		Conversations: []models.Conversation{*conv},
		Messages:      msgs,
	}
	// Everyone in the conversation gets the delta, sender included: the
	// sender's other devices need the update too.
	for _, id := range participantIDs(conv) {
		h.SendToParticipant(id, models.WSMessage{Event: models.EventDelta, Payload: delta})
	}
}

func participantIDs(c *models.Conversation) []uuid.UUID {
	ids := []uuid.UUID{c.BuyerID, c.CounterpartID}
	if c.ObserverID != nil {
		ids = append(ids, *c.ObserverID)
	}
	return ids
}

// SendToParticipant sends a message to every connection of one participant.
func (h *Hub) SendToParticipant(participantID uuid.UUID, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[participantID] {
		select {
		case client.send <- data:
		default:
			// Connection's send buffer is full, skip
		}
	}
	return nil
}

// IsOnline reports whether a participant has at least one connection.
func (h *Hub) IsOnline(participantID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients[participantID]) > 0
}
