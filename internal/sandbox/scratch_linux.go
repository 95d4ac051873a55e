//go:build linux

package sandbox

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func mountOverlay(lower, upper, work, merged string) error {
	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work)
	return unix.Mount("overlay", merged, "overlay", unix.MS_NOSUID|unix.MS_NODEV, opts)
}

func unmountScratch(merged string) error {
	return unix.Unmount(merged, unix.MNT_DETACH)
}
