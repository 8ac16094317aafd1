package domain

import (
	"encoding/json"
	"fmt"
)

// ClientAction is one of SubscribeAction, UnsubscribeAction or PingAction.
type ClientAction interface{ isClientAction() }

type SubscribeAction struct{ Channels []string }

type UnsubscribeAction struct{ Channels []string }

type PingAction struct{}

func (SubscribeAction) isClientAction()   {}
func (UnsubscribeAction) isClientAction() {}
func (PingAction) isClientAction()        {}

type clientFrame struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// ParseClientAction decodes one inbound frame. Frames that are not JSON objects
// yield ErrMalformedFrame; unrecognised actions yield ErrUnknownAction.
func ParseClientAction(raw []byte) (ClientAction, error) {
	var f clientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch f.Action {
	case "subscribe":
		if len(f.Channels) == 0 {
			return nil, fmt.Errorf("%w: subscribe requires channels", ErrInvalidChannel)
		}
		return SubscribeAction{Channels: f.Channels}, nil
	case "unsubscribe":
		if len(f.Channels) == 0 {
			return nil, fmt.Errorf("%w: unsubscribe requires channels", ErrInvalidChannel)
		}
		return UnsubscribeAction{Channels: f.Channels}, nil
	case "ping":
		return PingAction{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, f.Action)
	}
}
