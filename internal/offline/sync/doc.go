// Package sync replays the offline mutation queue against the backend.
//
// Overview
//
// Changes captured while offline sit in a queue.Queue. The Engine drains
// that queue in enqueue order, applying each record with a remote.Client
// and removing it only after the backend confirmed it:
//
//	queue.List() ──▶ apply(record) ──ok──▶ queue.RemoveByID(record.ID)
//	                      │
//	                      └─fail─▶ keep record, count as failed, continue
//
// A failing record never blocks the ones behind it, and nothing is ever
// dropped because it failed. The next pass retries it.
//
// Triggers
//
// A pass starts on TriggerSync or, once Attach has been called, when the
// connectivity monitor reports offline→online while the queue is non-empty.
// At most one pass runs at a time. A trigger that arrives while a pass is
// running asks for exactly one more pass after it and receives that pass's
// result; any number of such triggers share the same follow-up pass.
//
// Usage
//
//	q, _ := queue.New(database)
//	client, _ := remote.NewPostgREST(&remote.Config{URL: url, APIKey: key})
//
//	engine, err := sync.New(q, client, nil)
//	if err != nil {
//	    return err
//	}
//	detach := engine.Attach(monitor)
//	defer detach()
//
//	res, err := engine.TriggerSync(ctx)
//	fmt.Printf("synced=%d failed=%d\n", res.Synced, res.Failed)
//
// Replay semantics
//
//   - quantity_adjust sets the product quantity to the recorded absolute
//     value, then inserts the history row. The history row carries a client
//     id so a retry after a partial failure is recognised as a duplicate.
//   - product_update applies the recorded field map.
//   - request_create inserts the request with its client id. A duplicate key
//     means an earlier attempt already landed and counts as success.
//   - A record of an unknown kind is counted as failed and kept.
//
// The engine applies no backoff of its own; callers decide when to retry.
package sync
