package utils

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/wiloon/w-fd-tunnel/utils/logger"
)

func NoFileLimit() (unix.Rlimit, error) {
	var rLimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rLimit); err != nil {
		return rLimit, fmt.Errorf("get rlimit: %w", err)
	}
	return rLimit, nil
}

// SetNoFileLimit raises the soft descriptor limit to want, capped by the
// hard limit. It never lowers it.
func SetNoFileLimit(want uint64) error {
	rLimit, err := NoFileLimit()
	if err != nil {
		return err
	}
	if want > uint64(rLimit.Max) {
		logger.Warnf("nofile limit %d above hard limit %d", want, rLimit.Max)
		want = uint64(rLimit.Max)
	}
	if want <= uint64(rLimit.Cur) {
		return nil
	}
	old := rLimit.Cur
	rLimit.Cur = want
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rLimit); err != nil {
		return fmt.Errorf("set rlimit: %w", err)
	}
	logger.Infof("nofile limit raised from %d to %d", old, want)
	return nil
}
