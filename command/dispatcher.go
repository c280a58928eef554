// Package command routes transport-agnostic `{command, payload}` requests to
// registered handlers and shapes their `{status, ...}` responses. Every
// transport (HTTP, both mesh engines) calls into one Dispatcher
// instance; handlers receive already-parsed structured data, never raw bytes.
package command

import "sync"

// Response statuses shared by all transports.
const (
	StatusOK             = "ok"
	StatusFailed         = "failed"
	StatusUnknownCommand = "unknown_command"
	StatusNotSupported   = "not_supported"
	StatusInitiated      = "initiated"
	StatusNoUpdate       = "no_update"
	StatusOTADisabled    = "ota_disabled"
)

type Payload map[string]any

// Response always carries a "status" field.
type Response map[string]any

type HandlerFunc func(Payload) Response

// Dispatcher maps command names to handlers. Handlers are registered
// explicitly at startup; transports hold a reference to the instance they
// were registered against.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

func (d *Dispatcher) Register(name string, fn HandlerFunc) {
	d.mu.Lock()
	d.handlers[name] = fn
	d.mu.Unlock()
}

// Dispatch runs the handler for name. Unrecognized commands return
// `{status: "unknown_command", command: <name>}` rather than an error, so
// callers across all transports share one failure shape.
func (d *Dispatcher) Dispatch(name string, payload Payload) Response {
	d.mu.RLock()
	fn, ok := d.handlers[name]
	d.mu.RUnlock()

	if !ok {
		return Response{"status": StatusUnknownCommand, "command": name}
	}
	if payload == nil {
		payload = Payload{}
	}
	return fn(payload)
}
