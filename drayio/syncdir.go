//go:build !windows

package drayio

import (
	"fmt"
	"os"

	"github.com/draymta/dray/mlog"
)

// SyncDir opens a directory and syncs its contents to disk, for durability
// of newly created files.
func SyncDir(log mlog.Log, dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory: %v", err)
	}
	err = d.Sync()
	xerr := d.Close()
	log.Check(xerr, "closing directory after sync")
	return err
}
