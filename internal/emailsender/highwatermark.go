package emailsender

import (
	"context"
	"errors"
	"fmt"

	"github.com/nugget/contentdigest/internal/errkind"
	"github.com/nugget/contentdigest/internal/kvstore"
)

const highWaterMarkTable = "bounce_watermarks"

type markRecord struct {
	UID uint32 `json:"uid"`
}

// KVHighWaterMark implements email.HighWaterMark on top of the shared
// kvstore, so the bounce/complaint watcher's progress survives process
// restarts and is never double-reported across overlapping runs.
type KVHighWaterMark struct {
	store *kvstore.Store
}

// NewKVHighWaterMark wraps an open kvstore.Store.
func NewKVHighWaterMark(store *kvstore.Store) *KVHighWaterMark {
	return &KVHighWaterMark{store: store}
}

// Get returns the last-recorded UID for account, or zero if none has
// been recorded yet.
func (k *KVHighWaterMark) Get(ctx context.Context, account string) (uint32, error) {
	var rec markRecord
	_, err := k.store.Get(ctx, highWaterMarkTable, account, &rec)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("highwatermark: get %q: %w", account, err)
	}
	return rec.UID, nil
}

// Set unconditionally records uid as the new high-water mark for
// account. Concurrent watchers on the same account are not expected;
// Set is unconditional rather than version-checked because losing a
// race here only means a notice is reported twice, which Drain's
// consumer (Distribution Controller) already treats idempotently by
// keying on subscriber address.
func (k *KVHighWaterMark) Set(ctx context.Context, account string, uid uint32) error {
	_, err := k.store.Put(ctx, highWaterMarkTable, account, markRecord{UID: uid}, kvstore.PutOptions{})
	if err != nil {
		return fmt.Errorf("highwatermark: set %q: %w: %v", account, errkind.DataIntegrity, err)
	}
	return nil
}
