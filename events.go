package campusrooms

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventKind is the wire name of a server-pushed realtime event.
type EventKind string

const (
	EventNewMessage         EventKind = "new_message"
	EventNewNotification    EventKind = "new_notification"
	EventNewReservation     EventKind = "new_reservation"
	EventReservationUpdated EventKind = "reservation_updated"
)

// EventKinds lists every inbound kind the router knows about.
var EventKinds = []EventKind{
	EventNewMessage,
	EventNewNotification,
	EventNewReservation,
	EventReservationUpdated,
}

var ErrUnknownEvent = errors.New("unknown event kind")

// Event is a decoded inbound realtime event. The concrete type is one of
// MessageEvent, NotificationEvent, ReservationEvent or ReservationStatusEvent.
type Event interface {
	Kind() EventKind
}

// MessageEvent is pushed when a message arrives in one of the user's
// conversations.
type MessageEvent struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	Sender         *Participant `json:"sender,omitempty"`
	Text           string       `json:"text"`
	CreatedAt      time.Time    `json:"createdAt"`
}

func (MessageEvent) Kind() EventKind { return EventNewMessage }

// NotificationEvent is pushed when a notification is addressed to the user or
// broadcast.
type NotificationEvent struct {
	Notification
}

func (NotificationEvent) Kind() EventKind { return EventNewNotification }

// ReservationEvent is pushed to a room owner when a student requests one of
// their rooms.
type ReservationEvent struct {
	ReservationID string       `json:"id"`
	Room          *Room        `json:"room,omitempty"`
	Student       *Participant `json:"student,omitempty"`
}

func (ReservationEvent) Kind() EventKind { return EventNewReservation }

// ReservationStatusEvent is pushed to a student when an owner confirms or
// cancels their reservation.
type ReservationStatusEvent struct {
	ReservationID string            `json:"id"`
	Room          *Room             `json:"room,omitempty"`
	Status        ReservationStatus `json:"status"`
}

func (ReservationStatusEvent) Kind() EventKind { return EventReservationUpdated }

// DecodeEvent validates an envelope at the transport boundary and returns the
// typed event. For a known kind whose payload does not decode, it returns the
// zero event of that kind together with the error, so callers can still act
// on the kind.
func DecodeEvent(env RealtimeEnvelope) (Event, error) {
	switch EventKind(env.Type) {
	case EventNewMessage:
		var e MessageEvent
		err := decodePayload(env, &e)
		return e, err
	case EventNewNotification:
		var e NotificationEvent
		err := decodePayload(env, &e)
		return e, err
	case EventNewReservation:
		var e ReservationEvent
		err := decodePayload(env, &e)
		return e, err
	case EventReservationUpdated:
		var e ReservationStatusEvent
		err := decodePayload(env, &e)
		return e, err
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
}

func decodePayload[T Event](env RealtimeEnvelope, dst *T) error {
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return fmt.Errorf("%s: empty payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		var zero T
		*dst = zero
		return fmt.Errorf("%s: %w", env.Type, err)
	}
	return nil
}
