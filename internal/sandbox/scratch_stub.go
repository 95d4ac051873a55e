//go:build !linux

package sandbox

import "fmt"

func mountOverlay(lower, upper, work, merged string) error {
	return fmt.Errorf("overlay scratch requires linux")
}

func unmountScratch(merged string) error {
	return nil
}
