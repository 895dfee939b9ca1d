package engine

import (
	"context"
	"errors"
	"fmt"

	"capstan/internal/events"
	"capstan/internal/logging"
	"capstan/internal/notifications"
)

// TransportAction names a manual deck transport verb.
type TransportAction string

const (
	TransportRewind TransportAction = "rewind"
	TransportPlay   TransportAction = "play"
	TransportPause  TransportAction = "pause"
	TransportStop   TransportAction = "stop"
)

// ParseTransportAction validates a user-supplied transport verb.
func ParseTransportAction(value string) (TransportAction, bool) {
	switch TransportAction(value) {
	case TransportRewind, TransportPlay, TransportPause, TransportStop:
		return TransportAction(value), true
	default:
		return "", false
	}
}

// Transport resolves the deck node and issues a manual transport command.
// An active capture session owns the deck, so manual commands are refused
// while one runs. The node driven is returned for display.
func (e *Engine) Transport(ctx context.Context, action TransportAction) (string, error) {
	if e.capture.Active() {
		return "", errors.New("capture session active; the session controls the transport")
	}

	node, err := e.deck.Resolve(ctx)
	if err != nil {
		return "", err
	}

	switch action {
	case TransportRewind:
		err = e.deck.Rewind(ctx, node)
	case TransportPlay:
		err = e.deck.Play(ctx, node)
	case TransportPause:
		err = e.deck.Pause(ctx, node)
	case TransportStop:
		err = e.deck.Stop(ctx, node)
	default:
		return "", fmt.Errorf("unknown transport action %q", action)
	}
	if err != nil {
		return "", err
	}

	e.logger.Info("transport command sent",
		logging.String("action", string(action)),
		logging.String("device", node),
		logging.String(logging.FieldEventType, "deck_transport"))
	return node, nil
}

// DetectDeck probes for a connected FireWire deck and returns its node.
func (e *Engine) DetectDeck(ctx context.Context) (string, error) {
	return e.deck.Detect(ctx)
}

// DeckAttached records a deck arrival seen by the hotplug monitor.
func (e *Engine) DeckAttached(device string) {
	e.logger.Info("deck attached",
		logging.String("device", device),
		logging.String(logging.FieldEventType, "deck_attached"))
	e.hub.Publish(events.Event{Kind: events.KindDeviceAttached, Device: device})
	e.notify(notifications.EventDeckAttached,
		notifications.Payload{"device": device},
		fmt.Sprintf("deck connected: %s", device), "")
}

// DeckDetached records a deck removal seen by the hotplug monitor.
func (e *Engine) DeckDetached(device string) {
	e.logger.Info("deck detached",
		logging.String("device", device),
		logging.String(logging.FieldEventType, "deck_detached"))
	e.hub.Publish(events.Event{Kind: events.KindDeviceDetached, Device: device})
	e.notify(notifications.EventDeckDetached,
		notifications.Payload{"device": device},
		fmt.Sprintf("deck disconnected: %s", device), "")
}
