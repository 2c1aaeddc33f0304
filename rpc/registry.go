package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/m4xw311/acpconn/errors"
	"github.com/m4xw311/acpconn/jsonrpc"
)

// ErrRegistrySealed is returned when registering after a connection started
// serving with the registry.
var ErrRegistrySealed = errors.Sentinel("rpc: registry is sealed")

// Handler answers one method. params is nil when the frame carried none.
// Returning a *jsonrpc.Error controls the wire error; any other error is
// reported as jsonrpc.CodeServerError.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Registry maps method names to handlers. It is filled before the
// connection starts and is read-only afterwards.
type Registry struct {
	mu       sync.Mutex
	handlers map[string]Handler
	sealed   atomic.Bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds method to h, replacing any previous binding.
func (r *Registry) Register(method string, h Handler) error {
	if method == "" || h == nil {
		return errors.New("register %q: method and handler are required", method)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return ErrRegistrySealed
	}
	r.handlers[method] = h
	return nil
}

// Methods lists the registered method names.
func (r *Registry) Methods() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// seal freezes the registry. After sealing, lookups need no lock.
func (r *Registry) seal() {
	r.mu.Lock()
	r.sealed.Store(true)
	r.mu.Unlock()
}

func (r *Registry) lookup(method string) (Handler, bool) {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	h, ok := r.handlers[method]
	return h, ok
}

// Dispatch runs the handler for method. Unknown methods yield
// MethodNotFound; handler panics are recovered as InternalError.
func (r *Registry) Dispatch(ctx context.Context, method string, params json.RawMessage) (result any, rpcErr *jsonrpc.Error) {
	h, ok := r.lookup(method)
	if !ok {
		return nil, jsonrpc.ErrMethodNotFound(method)
	}

	defer func() {
		if p := recover(); p != nil {
			result = nil
			rpcErr = jsonrpc.Errorf(jsonrpc.CodeInternalError, "handler for %s panicked: %v", method, p)
		}
	}()

	res, err := h(ctx, params)
	if err != nil {
		if e, ok := jsonrpc.AsError(err); ok {
			return nil, e
		}
		return nil, jsonrpc.NewError(jsonrpc.CodeServerError, err.Error())
	}
	return res, nil
}

// Bind adapts a typed function into a Handler: params are decoded into P
// (a decoding failure is InvalidParams) and the result is returned as is.
func Bind[P any, R any](fn func(ctx context.Context, params *P) (R, error)) Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p P
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, jsonrpc.ErrInvalidParams(err)
			}
		}
		return fn(ctx, &p)
	}
}

// BindNotification adapts a typed function with no result.
func BindNotification[P any](fn func(ctx context.Context, params *P) error) Handler {
	return Bind(func(ctx context.Context, p *P) (any, error) {
		return nil, fn(ctx, p)
	})
}

func describe(method string, id *jsonrpc.ID) string {
	if id == nil {
		return method
	}
	return fmt.Sprintf("%s#%s", method, id)
}
