// Package main runs the watchdog keep-alive daemon. It finds the xmarkos.eu
// USB watchdog, configures it, pings it every few seconds so it never fires,
// and streams the device's status text to stdout. It is meant to run under a
// process supervisor for the life of the machine; it only exits on SIGINT/
// SIGTERM (after telling the device it is leaving on purpose) or on a bug.
package main

import (
	"context"
	"os"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/xmarkos/watchdogd/watchdog"
)

var logger = golog.NewDevelopmentLogger("watchdogd")

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

// Arguments for the command.
type Arguments struct {
	Brightness       int `flag:"brightness,default=1,usage=LED brightness to store on the device (0-255)"`
	GracePeriod      int `flag:"grace,default=-1,usage=grace period seconds to store on the device (0-255); negative leaves it alone"`
	PulseInterval    int `flag:"pulse-interval,default=10,usage=seconds between keep-alive pings"`
	PulseTimeout     int `flag:"pulse-timeout,default=15,usage=seconds of postponement each ping asks for"`
	IOBackoff        int `flag:"io-backoff,default=5,usage=seconds to wait after a USB error before rediscovery"`
	DiscoveryBackoff int `flag:"discovery-backoff,default=1,usage=seconds between scans while the device is absent"`
	USBTimeoutMillis int `flag:"usb-timeout,default=1000,usage=per-transfer timeout in milliseconds"`
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	if argsParsed.Brightness < 0 || argsParsed.Brightness > 0xff {
		return errors.Errorf("brightness %d out of range", argsParsed.Brightness)
	}

	dev := watchdog.NewDevice(watchdog.DeviceOptions{
		ControlTimeout: time.Duration(argsParsed.USBTimeoutMillis) * time.Millisecond,
	})

	cfg := watchdog.DefaultConfig(os.Stdout)
	cfg.Brightness = uint8(argsParsed.Brightness)
	cfg.GracePeriodSeconds = argsParsed.GracePeriod
	cfg.PulseInterval = time.Duration(argsParsed.PulseInterval) * time.Second
	cfg.PulseTimeoutSeconds = uint16(argsParsed.PulseTimeout)
	cfg.IOBackoff = time.Duration(argsParsed.IOBackoff) * time.Second
	cfg.DiscoveryBackoff = time.Duration(argsParsed.DiscoveryBackoff) * time.Second

	sup, err := watchdog.NewSupervisor(dev, cfg, nil, logger)
	if err != nil {
		return err
	}
	return sup.Run(ctx)
}
