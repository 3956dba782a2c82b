// Package registry holds the live transport handles of locally attached connections.
package registry

import (
	"context"

	"github.com/arloliu/fanout/types"
	"github.com/puzpuzpuz/xsync/v4"
)

// Registry maps connection IDs to transport handles.
//
// Every operation is a single atomic map update, so the registry can be used
// from any goroutine without external locking.
type Registry struct {
	conns   *xsync.Map[string, types.Connection]
	handles *xsync.Map[types.Transport, string]
	metrics types.RegistryMetrics
}

// New creates an empty registry. metrics may be nil.
func New(metrics types.RegistryMetrics) *Registry {
	return &Registry{
		conns:   xsync.NewMap[string, types.Connection](),
		handles: xsync.NewMap[types.Transport, string](),
		metrics: metrics,
	}
}

// Register stores conn under conn.ID.
//
// If another handle was registered under the same ID it is replaced and
// returned so the caller can close it.
//
// Returns:
//   - types.Transport: The replaced handle, or nil
func (r *Registry) Register(conn types.Connection) types.Transport {
	old, loaded := r.conns.LoadAndStore(conn.ID, conn)
	r.handles.Store(conn.Handle, conn.ID)

	var replaced types.Transport
	if loaded && old.Handle != conn.Handle {
		replaced = old.Handle
		r.handles.Compute(old.Handle, func(id string, ok bool) (string, xsync.ComputeOp) {
			if ok && id == conn.ID {
				return id, xsync.DeleteOp
			}

			return id, xsync.CancelOp
		})
	}

	r.report()

	return replaced
}

// Unregister removes the connection owning handle.
//
// Returns:
//   - types.Connection: The removed connection
//   - bool: false if handle was not registered
func (r *Registry) Unregister(handle types.Transport) (types.Connection, bool) {
	id, ok := r.handles.LoadAndDelete(handle)
	if !ok {
		return types.Connection{}, false
	}

	var removed types.Connection
	found := false
	r.conns.Compute(id, func(cur types.Connection, loaded bool) (types.Connection, xsync.ComputeOp) {
		if loaded && cur.Handle == handle {
			removed, found = cur, true
			return cur, xsync.DeleteOp
		}

		return cur, xsync.CancelOp
	})
	r.report()

	return removed, found
}

// UnregisterID removes the connection registered under id.
func (r *Registry) UnregisterID(id string) (types.Connection, bool) {
	conn, ok := r.conns.LoadAndDelete(id)
	if !ok {
		return types.Connection{}, false
	}

	r.handles.Compute(conn.Handle, func(cur string, loaded bool) (string, xsync.ComputeOp) {
		if loaded && cur == id {
			return cur, xsync.DeleteOp
		}

		return cur, xsync.CancelOp
	})
	r.report()

	return conn, true
}

// Get returns the transport registered under id.
func (r *Registry) Get(id string) (types.Transport, bool) {
	conn, ok := r.conns.Load(id)
	if !ok {
		return nil, false
	}

	return conn.Handle, true
}

// Lookup returns the connection owning handle without removing it.
func (r *Registry) Lookup(handle types.Transport) (types.Connection, bool) {
	id, ok := r.handles.Load(handle)
	if !ok {
		return types.Connection{}, false
	}

	return r.conns.Load(id)
}

// SendText writes message to the connection registered under id.
//
// Returns false when id is not registered or the transport rejected the
// write; callers treat both as "recipient not local".
func (r *Registry) SendText(ctx context.Context, id, message string) bool {
	conn, ok := r.conns.Load(id)
	if !ok {
		return false
	}

	return conn.Handle.SendText(ctx, message) == nil
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	return r.conns.Size()
}

func (r *Registry) report() {
	if r.metrics != nil {
		r.metrics.SetLocalConnections(r.conns.Size())
	}
}
