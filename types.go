package fanout

import "github.com/arloliu/fanout/types"

// Re-export types from the types package so users only import fanout.
//
// Internal packages depend on types rather than on the root package, which
// keeps the import graph acyclic.
type (
	ListenerState = types.ListenerState
	Entry         = types.Entry
	EntryID       = types.EntryID
	EntryFields   = types.EntryFields
	Delivery      = types.Delivery
	Connection    = types.Connection
	RosterEntry   = types.RosterEntry
)

// Re-export interfaces from the types package for convenience.
type (
	Broker           = types.Broker
	Roster           = types.Roster
	Transport        = types.Transport
	MetricsCollector = types.MetricsCollector
	Logger           = types.Logger
	Hooks            = types.Hooks
)

// Re-export ListenerState constants from the types package.
const (
	ListenerStarting = types.ListenerStarting
	ListenerPolling  = types.ListenerPolling
	ListenerStopping = types.ListenerStopping
	ListenerStopped  = types.ListenerStopped
)
