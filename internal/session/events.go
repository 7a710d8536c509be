package session

import (
	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/reconciler"
)

type EventKind string

const (
	EventState        EventKind = "state"
	EventConnectivity EventKind = "connectivity"
	EventNotice       EventKind = "notice"
	EventChats        EventKind = "chats"
	EventUser         EventKind = "user"
)

// Event is one observation for the presentation layer. Which fields are set
// depends on Kind.
type Event struct {
	Kind    EventKind
	State   State
	Online  bool
	Level   reconciler.Severity
	Message string
	Chats   []models.Chat
	User    *models.User
}

// Events returns the observer channel. Events are dropped when nobody keeps
// up with it.
func (c *Controller) Events() <-chan Event {
	return c.events
}

func (c *Controller) emit(e Event) {
	select {
	case c.events <- e:
	default:
	}
}

func (c *Controller) emitChats(chats []models.Chat) {
	c.emit(Event{Kind: EventChats, Chats: chats})
}

func (c *Controller) emitUser() {
	c.emit(Event{Kind: EventUser, User: c.User()})
}
