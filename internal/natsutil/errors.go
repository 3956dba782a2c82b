// Package natsutil classifies NATS client errors.
//
// Kept internal so the types package stays free of NATS imports.
package natsutil

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/arloliu/fanout/types"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// IsConnectivityError checks if an error is caused by connectivity issues.
//
// This includes NATS timeouts, missing responders during a server restart,
// disconnections and refused connections.
//
// Parameters:
//   - err: Error to check
//
// Returns:
//   - bool: true if error indicates connectivity issue
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrNoServers) ||
		errors.Is(err, nats.ErrNoResponders) ||
		errors.Is(err, nats.ErrDisconnected) ||
		errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrConnectionReconnecting) ||
		errors.Is(err, jetstream.ErrNoStreamResponse) ||
		errors.Is(err, jetstream.ErrNoHeartbeat) ||
		errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "i/o timeout")
}

// HasAPIErrorCode reports whether err carries a JetStream API error with one
// of codes.
func HasAPIErrorCode(err error, codes ...jetstream.ErrorCode) bool {
	var apiErr *jetstream.APIError
	if !errors.As(err, &apiErr) {
		return false
	}

	return slices.Contains(codes, apiErr.ErrorCode)
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, types.ErrBrokerUnavailable) || IsConnectivityError(err)
}

// Classify wraps connectivity errors with types.ErrBrokerUnavailable and
// prefixes every error with op. It returns nil for a nil err.
//
// Parameters:
//   - op: Operation name used as message prefix
//   - err: Error returned by the NATS client
//
// Returns:
//   - error: nil, or the wrapped error
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, types.ErrBrokerUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if IsConnectivityError(err) {
		return fmt.Errorf("%s: %w: %w", op, types.ErrBrokerUnavailable, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}
