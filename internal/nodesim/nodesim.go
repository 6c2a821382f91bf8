// Package nodesim simulates the two mesh nodes so the controller can run
// end to end without radio hardware.
//
//   - Sensor: temperature/LCD node. Syncs on start, reports temperature and
//     humidity, and requests the AC on or off when its thresholds are
//     crossed (only while the AC is allowed).
//   - Actuator: AC relay node. Queries its state on start and confirms
//     every on/off command it receives.
//
// Both nodes speak through a transport.Transport whose peer is the
// controller (transport.ControllerNode).
package nodesim

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/meshctl/internal/packet"
	"github.com/ChuLiYu/meshctl/internal/transport"
)

// Temperature drift per tick.
const (
	coolingRate = 0.2
	warmingRate = 0.1
	jitter      = 0.05
)

// ============================================================================
// Sensor
// ============================================================================

// Sensor is a simulated temperature/LCD node.
type Sensor struct {
	tr     transport.Transport
	logger *zap.Logger
	rng    *rand.Rand

	Temp       float64
	Humidity   float64
	ACOn       bool
	Allowed    bool
	Max        float64
	Min        float64
	Brightness int

	pending bool // AC request sent, waiting for the controller
}

// NewSensor creates a sensor starting at temp.
func NewSensor(tr transport.Transport, temp float64, seed int64, logger *zap.Logger) *Sensor {
	return &Sensor{
		tr:         tr,
		logger:     logger,
		rng:        rand.New(rand.NewSource(seed)),
		Temp:       temp,
		Humidity:   45,
		Max:        78,
		Min:        72,
		Brightness: 100,
	}
}

// Start sends the sync request that asks the controller for settings.
func (s *Sensor) Start() error {
	return s.send(packet.Encode(packet.Int(packet.KeySync, 1)))
}

// Report drifts the temperature one tick and sends a reading.
func (s *Sensor) Report() error {
	if s.ACOn {
		s.Temp -= coolingRate
	} else {
		s.Temp += warmingRate
	}
	s.Temp += (s.rng.Float64()*2 - 1) * jitter
	s.Humidity += (s.rng.Float64()*2 - 1) * jitter * 10

	return s.send(packet.Encode(
		packet.String(packet.KeyTemp, strconv.FormatFloat(s.Temp, 'f', 1, 64)),
		packet.String(packet.KeyHumidity, strconv.FormatFloat(s.Humidity, 'f', 0, 64)),
	))
}

// Control asks the controller to switch the AC when a threshold is crossed.
func (s *Sensor) Control() error {
	if s.pending {
		return nil
	}
	switch {
	case s.Allowed && !s.ACOn && s.Temp > s.Max:
		s.pending = true
		return s.send(packet.Encode(packet.Bool(packet.KeyActuator, true)))
	case s.ACOn && s.Temp < s.Min:
		s.pending = true
		return s.send(packet.Encode(packet.Bool(packet.KeyActuator, false)))
	}
	return nil
}

// TogglePermission sends the keypad's permission toggle.
func (s *Sensor) TogglePermission() error {
	return s.send(packet.Encode(packet.Int(packet.KeyToggle, 1)))
}

// Handle applies every frame received from the controller.
func (s *Sensor) Handle() {
	for _, f := range s.tr.Poll() {
		frame, err := packet.Decode(packet.Sanitize(f.Payload))
		if err != nil {
			continue
		}
		if frame.Has(packet.KeyMax) {
			s.Max = parseOr(frame[packet.KeyMax], s.Max)
		}
		if frame.Has(packet.KeyMin) {
			s.Min = parseOr(frame[packet.KeyMin], s.Min)
		}
		if frame.Has(packet.KeyAllow) {
			s.Allowed = frame.Flag(packet.KeyAllow)
		}
		if frame.Has(packet.KeyActuator) {
			s.ACOn = frame.Flag(packet.KeyActuator)
			s.pending = false
		}
		if frame.Has(packet.KeyBrightness) {
			if v, err := strconv.Atoi(frame[packet.KeyBrightness]); err == nil {
				s.Brightness = v
			}
		}
		s.logger.Debug("Sensor received", zap.String("frame", packet.Describe(frame)))
	}
}

// Line renders the LCD's first line.
func (s *Sensor) Line() string {
	ac := "OFF"
	if s.ACOn {
		ac = "ON"
	}
	return fmt.Sprintf("%.1fF AC:%s %.0f-%.0f", s.Temp, ac, s.Min, s.Max)
}

func (s *Sensor) send(frame string) error {
	if err := s.tr.Send(transport.ControllerNode, []byte(frame)); err != nil {
		return fmt.Errorf("sensor send %q: %w", frame, err)
	}
	return nil
}

// ============================================================================
// Actuator
// ============================================================================

// Actuator is a simulated AC relay node.
type Actuator struct {
	tr     transport.Transport
	logger *zap.Logger

	On     bool
	Resets int
}

// NewActuator creates a relay that starts off.
func NewActuator(tr transport.Transport, logger *zap.Logger) *Actuator {
	return &Actuator{tr: tr, logger: logger}
}

// Start queries the controller for the last known state.
func (a *Actuator) Start() error {
	return a.send(packet.Encode(packet.Int(packet.KeyQuery, 1)))
}

// Handle applies received commands. On/off commands are confirmed back.
func (a *Actuator) Handle() error {
	for _, f := range a.tr.Poll() {
		frame, err := packet.Decode(packet.Sanitize(f.Payload))
		if err != nil {
			continue
		}
		if frame.Has(packet.KeyActuator) {
			a.On = frame.Flag(packet.KeyActuator)
			a.logger.Info("Relay switched", zap.Bool("on", a.On))
			if err := a.send(packet.Encode(packet.Bool(packet.KeyActuator, a.On))); err != nil {
				return err
			}
		}
		if frame.Has(packet.KeyReset) {
			a.Resets++
			a.On = false
			a.logger.Info("Relay reset")
			if err := a.Start(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Actuator) send(frame string) error {
	if err := a.tr.Send(transport.ControllerNode, []byte(frame)); err != nil {
		return fmt.Errorf("actuator send %q: %w", frame, err)
	}
	return nil
}

// ============================================================================
// Run loop
// ============================================================================

// Options controls a simulation run.
type Options struct {
	ReportInterval time.Duration
	PollInterval   time.Duration
	// SilenceAfter stops temperature reports after this long (0 = never),
	// which exercises the controller's safety shutoff.
	SilenceAfter time.Duration
}

// Run drives both nodes until ctx ends.
func Run(ctx context.Context, sensor *Sensor, actuator *Actuator, opts Options, logger *zap.Logger) error {
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = 5 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}

	if err := actuator.Start(); err != nil {
		logger.Warn("Actuator start failed", zap.Error(err))
	}
	if err := sensor.Start(); err != nil {
		logger.Warn("Sensor start failed", zap.Error(err))
	}

	started := time.Now()
	report := time.NewTicker(opts.ReportInterval)
	defer report.Stop()
	poll := time.NewTicker(opts.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
			sensor.Handle()
			if err := actuator.Handle(); err != nil {
				logger.Warn("Actuator reply failed", zap.Error(err))
			}
		case <-report.C:
			if opts.SilenceAfter > 0 && time.Since(started) > opts.SilenceAfter {
				logger.Warn("Sensor silent", zap.String("lcd", sensor.Line()))
				continue
			}
			if err := sensor.Report(); err != nil {
				logger.Warn("Temperature report failed", zap.Error(err))
			}
			if err := sensor.Control(); err != nil {
				logger.Warn("AC request failed", zap.Error(err))
			}
			logger.Info("Sensor", zap.String("lcd", sensor.Line()), zap.Bool("relay_on", actuator.On))
		}
	}
}

func parseOr(s string, fallback float64) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return v
}
