package dray

import (
	"sync/atomic"
	"time"
)

var cid atomic.Int64

func init() {
	cid.Store(time.Now().UnixMilli())
}

// Cid returns a new unique connection/command/operation id to be used for contextual logging.
func Cid() int64 {
	return cid.Add(1)
}
