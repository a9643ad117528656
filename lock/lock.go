package lock

import (
	"context"
	"strconv"
	"time"
)

// Locker grants named leases. ok is false when another holder has a live
// lease, which callers treat as a skip rather than an error. release is only
// set when ok is true.
type Locker interface {
	Acquire(ctx context.Context, name string, lease time.Duration) (release func(), ok bool, err error)
}

// SourceKey names the lease guarding syncs of one source
func SourceKey(sourceID int64) string {
	return "sync:source:" + strconv.FormatInt(sourceID, 10)
}

// PruneKey names the lease guarding the retention pass
const PruneKey = "sync:prune"
