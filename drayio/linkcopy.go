package drayio

import (
	"fmt"
	"io"
	"os"

	"github.com/draymta/dray/mlog"
)

// LinkOrCopy makes dst a hardlink to src, falling back to a regular file copy
// when linking fails (different file system, or no hardlink support). A non-nil
// srcReaderOpt is used for reading during a copy. With sync set, a copied file
// is synced to disk before returning; for durability, callers also need to
// sync the destination directory, possibly after linking/copying several
// files. A partially written dst is removed on error.
func LinkOrCopy(log mlog.Log, dst, src string, srcReaderOpt io.Reader, sync bool) (rerr error) {
	if err := os.Link(src, dst); err == nil {
		return nil
	} else if os.IsNotExist(err) {
		// Copying would fail the same way, src or the dst directory is missing.
		return err
	}

	r := srcReaderOpt
	if r == nil {
		f, err := os.Open(src)
		if err != nil {
			return fmt.Errorf("opening source file: %w", err)
		}
		defer func() {
			log.Check(f.Close(), "closing source file after copy")
		}()
		r = f
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0660)
	if err != nil {
		return fmt.Errorf("creating destination file: %w", err)
	}
	defer func() {
		if out == nil {
			return
		}
		log.Check(os.Remove(dst), "removing partial destination file")
		log.Check(out.Close(), "closing partial destination file")
	}()

	if _, err := io.Copy(out, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	if sync {
		if err := out.Sync(); err != nil {
			return fmt.Errorf("syncing destination file: %w", err)
		}
	}
	cerr := out.Close()
	out = nil
	if cerr != nil {
		log.Check(os.Remove(dst), "removing destination file after close error")
		return cerr
	}
	return nil
}
