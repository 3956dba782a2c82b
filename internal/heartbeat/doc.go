// Package heartbeat keeps TTL-bound worker state alive.
//
// A worker's roster entries live in a KV bucket with a TTL. The Publisher
// rewrites them at a fixed interval; when the worker dies the rewrites stop
// and NATS expires the entries, which is how other workers learn that its
// owners are gone.
//
// # Publisher Lifecycle
//
//  1. Create publisher with New(target, interval, logger)
//  2. Start beating with Start(ctx)
//  3. Stop beating with Stop()
//
// Example:
//
//	publisher := heartbeat.New(roster, roster.RefreshInterval(), logger)
//	if err := publisher.Start(ctx); err != nil {
//	    return err
//	}
//	defer publisher.Stop()
//
// # Interval and TTL
//
// Use an interval of about a third of the TTL. A worker then survives two
// failed beats in a row before its entries expire.
package heartbeat
