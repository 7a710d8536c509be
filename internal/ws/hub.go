package ws

import (
	"encoding/json"
	"log"

	"github.com/pliu/chatsync/internal/observability"
)

// EventChatsChanged tells a client its chat list changed on the server.
const EventChatsChanged = "chats_changed"

type Event struct {
	Type string `json:"type"`
}

type notification struct {
	email   string
	payload []byte
}

// Hub tracks presence connections and pushes change notices to every
// connection of the affected account.
type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Change notices keyed by account.
	notify chan notification

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	done chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		notify:     make(chan notification, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			observability.IncWSActive()
		case client := <-h.unregister:
			h.remove(client)
		case n := <-h.notify:
			for client := range h.clients {
				if client.email == "" || client.email != n.email {
					continue
				}
				select {
				case client.send <- n.payload:
				default:
					log.Printf("[WS] dropping slow client user=%s", client.email)
					h.remove(client)
				}
			}
		case <-h.done:
			for client := range h.clients {
				h.remove(client)
			}
			return
		}
	}
}

// Stop ends Run and closes every client.
func (h *Hub) Stop() {
	close(h.done)
}

func (h *Hub) remove(client *Client) {
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		observability.DecWSActive()
	}
}

// Notify queues a chats_changed frame for every connection of email.
func (h *Hub) Notify(email string) {
	payload, _ := json.Marshal(Event{Type: EventChatsChanged})
	select {
	case h.notify <- notification{email: email, payload: payload}:
	default:
		log.Printf("[WS] notify queue full, dropping user=%s", email)
	}
}
