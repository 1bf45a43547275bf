package chatrelay

import (
	"errors"
	"fmt"
)

// ErrNoUsableMedia is wrapped by MediaResolutionError when a gateway response
// carries no media that could be delivered.
var ErrNoUsableMedia = errors.New("no usable media")

// GatewayError reports a failed gateway exchange: transport failure, timeout,
// non-2xx status or a malformed body.
type GatewayError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// MediaResolutionError reports a gateway media response that could not be turned
// into a deliverable file.
type MediaResolutionError struct {
	Modality Modality
	Reason   string
	Err      error
}

func (e *MediaResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve %s media: %s: %v", e.Modality, e.Reason, e.Err)
	}
	return fmt.Sprintf("resolve %s media: %s", e.Modality, e.Reason)
}

func (e *MediaResolutionError) Unwrap() error {
	return e.Err
}

func noUsableMedia(modality Modality, reason string) error {
	return &MediaResolutionError{Modality: modality, Reason: reason, Err: ErrNoUsableMedia}
}

// DeliveryError reports a failed platform call. Secondary actions such as typing
// indicators are logged and dropped when they fail.
type DeliveryError struct {
	Action string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s: %v", e.Action, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
