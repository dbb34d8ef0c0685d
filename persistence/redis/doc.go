// Package redis journals contribution attempts in Redis.
//
// AttemptStore implements contributor.AttemptJournal. Every attempt is stored
// as a JSON document, including rejected attempts that never got a tx hash, so
// an operator can see afterwards which wallet tried what at which gas price.
//
// # Basic Usage
//
//	store, err := redisstore.NewAttemptStoreFromURL(ctx, "redis://localhost:6379/0")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	fleet, err := contributor.NewFleet(client, contract, value, wallets,
//	    contributor.WithJournal(store),
//	)
//
// # Key Layout
//
// All keys may be namespaced with WithKeyPrefix:
//
//	contributor:attempt:<id>          attempt JSON, id is the tx hash or rejected:<wallet>:<nanos>:<attempt>
//	contributor:attempt:pending       set of ids still awaiting confirmation
//	contributor:attempt:wallet:<addr> sorted set of ids by creation time
//	contributor:attempt:timestamp     sorted set of ids by creation time, used for cleanup
//
// # Concurrency
//
// Writes use WATCH/MULTI/EXEC with bounded retries. A final status
// (confirmed, failed, rejected) is never overwritten by pending, so a
// confirmation that lands before the initial Record is kept.
//
// Records never expire. Call DeleteOlderThan periodically; it keeps attempts
// that are still pending.
package redis
