//go:build linux

// Command w-fd-tunnel opens a socket the way an application would, lets the
// interceptor tunnel it to the backend picked by the route table, then talks
// over it through the intercepted calls and an epoll instance.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/wiloon/w-fd-tunnel/connection"
	"github.com/wiloon/w-fd-tunnel/hook"
	"github.com/wiloon/w-fd-tunnel/proxy"
	"github.com/wiloon/w-fd-tunnel/route"
	"github.com/wiloon/w-fd-tunnel/utils"
	"github.com/wiloon/w-fd-tunnel/utils/config"
	"github.com/wiloon/w-fd-tunnel/utils/logger"
)

var (
	configFile    = pflag.String("config", "", "config file, default: config.toml found via $app_config, executable dir or cwd")
	metricsListen = pflag.String("metrics-listen", "127.0.0.1:9100", "address serving /metrics, empty disables")
	destinations  = pflag.StringSlice("dest", []string{"10.0.0.1:7"}, "destinations the demo application connects to")
	message       = pflag.String("message", "ping", "payload written to every destination")
	dialTimeout   = pflag.Duration("dial-timeout", proxy.DefaultDialTimeout, "backend dial timeout")
	waitTimeout   = pflag.Duration("wait-timeout", 5*time.Second, "how long to wait for a reply")
)

func main() {
	pflag.Parse()
	if err := run(); err != nil {
		logger.Errorf("exit: %v", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger.InitTo(cfg.Log.Console, cfg.Log.File, cfg.Log.FileLevel, cfg.Project.Name)

	if cfg.Hook.NoFileLimit > 0 {
		if err := utils.SetNoFileLimit(cfg.Hook.NoFileLimit); err != nil {
			logger.Warnf("failed to raise nofile limit: %v", err)
		}
	}

	table, err := route.FromConfig(cfg)
	if err != nil {
		return err
	}
	i := hook.New(hook.NewUnixLibc(),
		hook.WithRegistry(connection.NewRegistry(cfg.Hook.ConnListCapacity)),
		hook.WithMaxSubstitutions(cfg.Hook.MaxSubstitutions),
		hook.WithTunneler(proxy.NewDialer(table, *dialTimeout)),
	)
	defer func() {
		if err := i.CloseAll(); err != nil {
			logger.Warnf("release tunnels: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if *metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: *metricsListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Infof("metrics listening on: %s", *metricsListen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}

	g.Go(func() error {
		for _, d := range *destinations {
			if err := roundTrip(ctx, i, d); err != nil {
				logger.Errorf("dest: %s, %v", d, err)
			}
		}
		if *metricsListen == "" {
			cancel()
		}
		return nil
	})

	g.Go(func() error {
		utils.WaitSignals(ctx, func() {
			logger.Infof("w-fd-tunnel shutting down")
		})
		cancel()
		return nil
	})
	return g.Wait()
}

func loadConfig() (config.WFdTunnelConfig, error) {
	if *configFile != "" {
		return config.Load(*configFile)
	}
	config.Init()
	return config.Instance, nil
}

// roundTrip plays the application: socket, connect, write, wait, read,
// close, every step through the interceptor.
func roundTrip(ctx context.Context, i *hook.Interceptor, d string) error {
	addr, err := netip.ParseAddrPort(d)
	if err != nil {
		return err
	}
	dest, err := connection.InetDestination(addr)
	if err != nil {
		return err
	}

	family := unix.AF_INET
	if dest.Domain == connection.DomainInet6 {
		family = unix.AF_INET6
	}
	appFd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	defer func() {
		if err := i.Close(appFd); err != nil {
			logger.Warnf("close fd: %d: %v", appFd, err)
		}
	}()

	if err := i.Connect(ctx, appFd, dest); err != nil {
		if !errors.Is(err, hook.ErrDirect) {
			return err
		}
		sa, serr := dest.Sockaddr()
		if serr != nil {
			return serr
		}
		if err := unix.Connect(appFd, sa); err != nil {
			return fmt.Errorf("direct connect: %w", err)
		}
		logger.Infof("fd: %d connected directly to %s", appFd, dest)
	}

	if peer, err := i.Getpeername(appFd); err == nil {
		logger.Debugf("fd: %d peer: %+v", appFd, peer)
	}
	if _, err := i.Write(appFd, []byte(*message)); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	ep, err := utils.MkEpoll(i)
	if err != nil {
		return err
	}
	defer ep.Close()
	if err := ep.AddFd(appFd, nil); err != nil {
		return err
	}
	fds, err := ep.Wait(int(waitTimeout.Milliseconds()))
	if err != nil {
		return fmt.Errorf("wait: %w", err)
	}
	if len(fds) == 0 {
		return fmt.Errorf("no reply within %s", *waitTimeout)
	}

	buf := make([]byte, 4096)
	n, err := i.Read(fds[0], buf)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	logger.Infof("dest: %s, fd: %d, reply: %q", dest, appFd, buf[:n])
	if err := i.Shutdown(appFd, unix.SHUT_WR); err != nil && !errors.Is(err, unix.ENOTCONN) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
