package utils

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wiloon/w-fd-tunnel/utils/logger"
)

type AppExitHandler func()

// WaitSignals blocks until SIGINT or SIGTERM arrives or ctx is done, then
// runs appExitHandler and flushes the logger.
func WaitSignals(ctx context.Context, appExitHandler AppExitHandler) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	select {
	case s := <-signals:
		fmt.Printf("\n")
		logger.Infof("signal received: %s", s)
	case <-ctx.Done():
	}
	appExitHandler()
	logger.Infof("---\n")
	logger.Sync()
}
