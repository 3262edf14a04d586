package drayio

import (
	"github.com/draymta/dray/mlog"
)

// SyncDir is a no-op on windows: directories cannot be opened for syncing.
func SyncDir(log mlog.Log, dir string) error {
	return nil
}
