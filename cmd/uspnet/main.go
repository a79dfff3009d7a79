// Command uspnet runs the userspace TCP/IP stack over a tap device (and
// an always-present loopback device), serving Prometheus metrics when
// -metrics-enable is set and exiting cleanly on SIGINT/SIGTERM.
//
// Grounded on the deleted cmd/doublezerod/main.go: flag parsing into
// package-level vars, a slog JSON handler selected by a verbose flag,
// signal.NotifyContext for shutdown, and an optional metrics HTTP
// listener started in its own goroutine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsheridan/uspnet/internal/apiserver"
	"github.com/nsheridan/uspnet/internal/config"
	"github.com/nsheridan/uspnet/internal/device"
	"github.com/nsheridan/uspnet/internal/drivers/tap"
	"github.com/nsheridan/uspnet/internal/eth"
	"github.com/nsheridan/uspnet/internal/ipaddr"
	"github.com/nsheridan/uspnet/internal/stack"
)

var (
	tapName       = flag.String("tap-name", "tap0", "name of the kernel tap interface to attach")
	hwAddr        = flag.String("hw-addr", "aa:bb:cc:dd:ee:01", "hardware address of the tap interface")
	unicast       = flag.String("unicast", "192.0.2.2", "IPv4 address bound to the tap interface")
	netmask       = flag.String("netmask", "255.255.255.0", "IPv4 netmask bound to the tap interface")
	gateway       = flag.String("gateway", "192.0.2.1", "default route nexthop")
	mtu           = flag.Int("mtu", 1500, "tap interface MTU")
	metricsEnable = flag.Bool("metrics-enable", false, "enable Prometheus metrics")
	metricsAddr   = flag.String("metrics-addr", ":9100", "address to listen on for Prometheus metrics")
	verbose       = flag.Bool("v", false, "enable verbose logging")
)

func main() {
	flag.Parse()

	opts := &slog.HandlerOptions{}
	if *verbose {
		opts.Level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, opts))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("uspnet: fatal", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	hw, err := eth.ParseAddr(*hwAddr)
	if err != nil {
		return fmt.Errorf("parse hw-addr: %w", err)
	}
	unicastAddr, err := ipaddr.Parse(*unicast)
	if err != nil {
		return fmt.Errorf("parse unicast: %w", err)
	}
	netmaskAddr, err := ipaddr.Parse(*netmask)
	if err != nil {
		return fmt.Errorf("parse netmask: %w", err)
	}
	gatewayAddr, err := ipaddr.Parse(*gateway)
	if err != nil {
		return fmt.Errorf("parse gateway: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.New(
		config.WithDevice(config.DeviceSpec{
			Type:    device.TypeEthernet,
			MTU:     *mtu,
			Flags:   device.FlagNeedsARP | device.FlagBroadcast,
			HWAddr:  hw,
			Unicast: unicastAddr,
			Netmask: netmaskAddr,
		}),
		config.WithDevice(config.DeviceSpec{
			Type:    device.TypeLoopback,
			MTU:     65535,
			Flags:   device.FlagLoopback,
			Unicast: ipaddr.Addr{127, 0, 0, 1},
			Netmask: ipaddr.Addr{255, 0, 0, 0},
		}),
		config.WithRoute(config.RouteSpec{DeviceIndex: 0, Nexthop: gatewayAddr}),
		config.WithRoute(config.RouteSpec{
			Network:     ipaddr.Addr{127, 0, 0, 0},
			Netmask:     ipaddr.Addr{255, 0, 0, 0},
			DeviceIndex: 1,
		}),
	)

	st := stack.New(logger, cfg)

	tapDrv := tap.New(logger, *tapName, st.Demux())
	cfg.Devices()[0].Ops = tapDrv

	if err := st.Apply(cfg); err != nil {
		return fmt.Errorf("apply config: %w", err)
	}

	if *metricsEnable {
		srv := apiserver.New(apiserver.WithAddr(*metricsAddr), apiserver.WithBaseContext(ctx))
		go func() {
			logger.Info("uspnet: metrics server started", "addr", *metricsAddr)
			if err := srv.ListenAndServe(); err != nil {
				logger.Warn("uspnet: metrics server stopped", "err", err)
			}
		}()
	}

	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("start stack: %w", err)
	}
	logger.Info("uspnet: stack started", "tap", *tapName, "unicast", *unicast)

	<-ctx.Done()
	logger.Info("uspnet: shutting down")
	return st.Close()
}
