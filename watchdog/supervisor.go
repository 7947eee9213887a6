package watchdog

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// Config holds the knobs of the supervisor loop.
type Config struct {
	// Brightness is the LED brightness written to the device at configure
	// time.
	Brightness uint8

	// GracePeriodSeconds, when in [0,255], is written to the device at
	// configure time. Negative values leave the stored setting alone.
	GracePeriodSeconds int

	// PulseInterval is how often the device is pinged while polling.
	PulseInterval time.Duration

	// PulseTimeoutSeconds is the postponement each ping asks for. It must
	// exceed PulseInterval or the device acts between pings.
	PulseTimeoutSeconds uint16

	// Tick is the polling loop's base period; it bounds drain, marker and
	// ping latency.
	Tick time.Duration

	// IOBackoff is how long to wait after a failed transfer before
	// rediscovering the device.
	IOBackoff time.Duration

	// DiscoveryBackoff is how long to wait between scans while no device
	// is attached.
	DiscoveryBackoff time.Duration

	// ShutdownPause is how long to wait between the final pulse and the
	// final drain, letting the device flush a goodbye message.
	ShutdownPause time.Duration

	// Out receives the device's status text and the periodic [HH:MM]
	// markers, unbuffered.
	Out io.Writer
}

// DefaultConfig returns the settings the device was designed around: ping
// every 10s asking for a 15s postponement, poll at 10Hz, minimum brightness.
func DefaultConfig(out io.Writer) Config {
	return Config{
		Brightness:          1,
		GracePeriodSeconds:  -1,
		PulseInterval:       10 * time.Second,
		PulseTimeoutSeconds: 15,
		Tick:                100 * time.Millisecond,
		IOBackoff:           5 * time.Second,
		DiscoveryBackoff:    time.Second,
		ShutdownPause:       time.Second,
		Out:                 out,
	}
}

// Validate checks the config for holes that would make the loop spin or the
// device starve.
func (c *Config) Validate() error {
	if c.Out == nil {
		return errors.New("output writer required")
	}
	if c.GracePeriodSeconds > 0xff {
		return errors.Errorf("grace period %d out of range", c.GracePeriodSeconds)
	}
	if c.PulseInterval <= 0 || c.Tick <= 0 {
		return errors.New("pulse interval and tick must be positive")
	}
	if c.IOBackoff <= 0 || c.DiscoveryBackoff <= 0 {
		return errors.New("backoffs must be positive")
	}
	if time.Duration(c.PulseTimeoutSeconds)*time.Second <= c.PulseInterval {
		return errors.Errorf("pulse timeout %ds must exceed pulse interval %s",
			c.PulseTimeoutSeconds, c.PulseInterval)
	}
	return nil
}

// A Supervisor drives one watchdog device for the life of the process:
// discover, configure, poll, and start over after USB errors, so that
// unplugging and replugging the device never requires a restart. It runs
// until its context ends or a non-recoverable error escapes.
type Supervisor struct {
	cfg    Config
	dev    *Device
	clock  clock.Clock
	logger golog.Logger
}

// NewSupervisor wires a device session to a config. clk may be nil for the
// wall clock and logger may be nil for the global logger.
func NewSupervisor(dev *Device, cfg Config, clk clock.Clock, logger golog.Logger) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid supervisor config")
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = golog.Global
	}
	return &Supervisor{cfg: cfg, dev: dev, clock: clk, logger: logger}, nil
}

// Run blocks until ctx is canceled or a non-recoverable error occurs.
// Cancellation triggers the shutdown sequence: one best-effort zero-timeout
// pulse telling the device the host is leaving on purpose, a pause, and a
// final drain.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.dev.Drop()

	for ctx.Err() == nil {
		desc, err := s.dev.Locate()
		if err != nil {
			if !Recoverable(err) {
				return err
			}
			s.logger.Debugw("watchdog not found, will rescan", "error", err)
			if !s.waitFor(ctx, s.cfg.DiscoveryBackoff) {
				break
			}
			continue
		}
		s.logger.Infow("watchdog found", "device", desc.String())

		if err := s.serve(ctx); err != nil {
			if !Recoverable(err) {
				return err
			}
			s.logger.Errorw("watchdog I/O failed, will rediscover", "error", err)
			s.dev.Drop()
			if !s.waitFor(ctx, s.cfg.IOBackoff) {
				break
			}
		}
	}

	s.shutdown()
	return nil
}

// serve configures the device and polls it until the context ends or a
// transfer fails. A nil return always means the context ended.
func (s *Supervisor) serve(ctx context.Context) error {
	if err := s.dev.SetLEDBrightness(s.cfg.Brightness); err != nil {
		return err
	}
	if s.cfg.GracePeriodSeconds >= 0 {
		if err := s.dev.SetGracePeriod(uint8(s.cfg.GracePeriodSeconds)); err != nil {
			return err
		}
	}

	state := newPollState()
	for ctx.Err() == nil {
		if err := s.pollOnce(&state); err != nil {
			return err
		}
		if !s.waitFor(ctx, s.cfg.Tick) {
			break
		}
	}
	return nil
}

// pollState is the only state carried across polling iterations.
type pollState struct {
	lastPulse  time.Time
	lastBucket int
}

func newPollState() pollState {
	// The zero lastPulse makes the first iteration pulse immediately; the
	// bucket sentinel makes it emit a marker.
	return pollState{lastBucket: -1}
}

// pollOnce performs one drain, marker and pulse pass, in that order.
func (s *Supervisor) pollOnce(state *pollState) error {
	text, err := s.dev.ReadAvailable()
	if text != "" {
		s.emit(text)
	}
	if err != nil {
		return err
	}

	now := s.clock.Now().Local()
	if bucket := now.Minute() / 5 * 5; bucket != state.lastBucket {
		state.lastBucket = bucket
		s.emit(fmt.Sprintf("\n[%s] ", now.Format("15:04")))
	}

	if now.Sub(state.lastPulse) > s.cfg.PulseInterval {
		state.lastPulse = now
		if err := s.dev.Pulse(s.cfg.PulseTimeoutSeconds); err != nil {
			return err
		}
	}
	return nil
}

// shutdown tells the device the host is going away cleanly and drains
// whatever it managed to say in response. Everything here is best effort;
// the process is exiting regardless.
func (s *Supervisor) shutdown() {
	if err := s.dev.Pulse(0); err != nil {
		s.logger.Debugw("final pulse failed", "error", err)
	}
	s.clock.Sleep(s.cfg.ShutdownPause)
	text, err := s.dev.ReadAvailable()
	if text != "" {
		s.emit(text + "\n")
	}
	if err != nil {
		s.logger.Debugw("final drain failed", "error", err)
	}
}

// waitFor blocks for d on the supervisor's clock, returning false if ctx
// ended first.
func (s *Supervisor) waitFor(ctx context.Context, d time.Duration) bool {
	timer := s.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Supervisor) emit(text string) {
	if _, err := io.WriteString(s.cfg.Out, text); err != nil {
		s.logger.Debugw("dropped device output", "error", err)
	}
}
