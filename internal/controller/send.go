package controller

import (
	"errors"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/meshctl/internal/packet"
	"github.com/ChuLiYu/meshctl/internal/statusfeed"
	"github.com/ChuLiYu/meshctl/internal/store"
	"github.com/ChuLiYu/meshctl/internal/transport"
	"github.com/ChuLiYu/meshctl/pkg/types"
)

// sendToNode delivers one frame with bounded retries. The transport is
// re-synced before every attempt. Returns false after the last failure;
// the caller decides how to report it.
func (c *Controller) sendToNode(to types.NodeID, payload string) bool {
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= c.config.SendAttempts; attempt++ {
		if err := c.transport.Sync(); err != nil {
			c.logger.Debug("Transport sync failed", zap.Error(err))
		}

		err := c.transport.Send(to, []byte(payload))
		if err == nil {
			c.logger.Debug("tx", zap.Stringer("node", to), zap.String("frame", packet.DescribeMessage(payload)))
			c.metrics.RecordSend(to, true, time.Since(start))
			return true
		}
		lastErr = err
		if errors.Is(err, transport.ErrPayloadTooLarge) {
			break
		}
		if attempt < c.config.SendAttempts {
			c.sleep(c.config.SendRetryDelay)
		}
	}

	c.logger.Error("Failed to send frame",
		zap.Stringer("node", to),
		zap.String("frame", packet.DescribeMessage(payload)),
		zap.Int("attempts", c.config.SendAttempts),
		zap.Error(lastErr))
	c.metrics.RecordSend(to, false, time.Since(start))
	return false
}

// sendSettings sends thresholds, permission and actuator state in one frame.
func (c *Controller) sendSettings(to types.NodeID) bool {
	th := c.thresholds()
	frame := packet.Encode(
		packet.Int(packet.KeyMax, int(th.Max)),
		packet.Int(packet.KeyMin, int(th.Min)),
		packet.Bool(packet.KeyAllow, c.allowed),
		packet.Bool(packet.KeyActuator, c.actuatorOn()),
	)
	return c.sendToNode(to, frame)
}

// setActuator relays an on/off command to the actuator. Only a delivered
// command is echoed to the sensor node and logged.
func (c *Controller) setActuator(on bool, now time.Time) bool {
	frame := packet.Encode(packet.Bool(packet.KeyActuator, on))
	if !c.sendToNode(c.config.ActuatorNode, frame) {
		return false
	}
	c.sendToNode(c.config.SensorNode, frame)
	c.logState(on, now)
	return true
}

// togglePermission flips the permission flag, persists it and tells the
// sensor node. Disabling also forces the AC off on both nodes.
func (c *Controller) togglePermission(now time.Time) bool {
	c.allowed = !c.allowed

	ctx, cancel := c.opCtx()
	if err := c.store.WritePermission(ctx, c.allowed); err != nil {
		c.logger.Error("Failed to save AC permission", zap.Error(err))
	}
	cancel()

	c.logger.Info("AC permission toggled", zap.Bool("allowed", c.allowed))
	c.metrics.SetAllowed(c.allowed)
	c.publish(statusfeed.Permission(c.allowed, now))
	c.sendToNode(c.config.SensorNode, packet.Encode(packet.Bool(packet.KeyAllow, c.allowed)))

	if !c.allowed {
		off := packet.Encode(packet.Bool(packet.KeyActuator, false))
		c.sendToNode(c.config.ActuatorNode, off)
		c.sendToNode(c.config.SensorNode, off)
		c.logState(false, now)
	}
	return c.allowed
}

// ============================================================================
// State reads and writes (safe defaults when storage fails)
// ============================================================================

// actuatorOn returns the last logged state, false when unknown.
func (c *Controller) actuatorOn() bool {
	ctx, cancel := c.opCtx()
	defer cancel()

	ev, ok, err := c.store.ReadLastState(ctx)
	if err != nil {
		c.logger.Error("Failed to read AC state", zap.Error(err))
		return false
	}
	return ok && ev.On
}

// freshState returns the last logged state if it is recent enough to trust.
func (c *Controller) freshState(now time.Time) (on, fresh bool) {
	ctx, cancel := c.opCtx()
	defer cancel()

	ev, ok, err := c.store.ReadLastState(ctx)
	if err != nil {
		c.logger.Error("Failed to read AC state", zap.Error(err))
		return false, false
	}
	if !ok || now.Sub(ev.At) > c.config.StaleThreshold {
		return false, false
	}
	return ev.On, true
}

// thresholds returns stored limits or the defaults.
func (c *Controller) thresholds() types.Thresholds {
	ctx, cancel := c.opCtx()
	defer cancel()

	th, err := c.store.ReadThresholds(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.logger.Warn("Temps not in store, using defaults")
		return types.DefaultThresholds()
	case err != nil:
		c.logger.Error("Failed to read temps, using defaults", zap.Error(err))
		return types.DefaultThresholds()
	}
	return th
}

// logState appends a de-duplicated actuator event.
func (c *Controller) logState(on bool, now time.Time) {
	ctx, cancel := c.opCtx()
	defer cancel()

	written, err := c.store.AppendStateEvent(ctx, on, now)
	if err != nil {
		c.logger.Error("Failed to log AC state", zap.Bool("on", on), zap.Error(err))
		return
	}
	if written {
		c.stateLogged(on, now)
	}
}

// forceOff appends an off event even if the last event was already off.
func (c *Controller) forceOff(now time.Time) {
	ctx, cancel := c.opCtx()
	defer cancel()

	if err := c.store.ForceStateEvent(ctx, false, now); err != nil {
		c.logger.Error("Failed to log AC state", zap.Bool("on", false), zap.Error(err))
		return
	}
	c.stateLogged(false, now)
}

func (c *Controller) stateLogged(on bool, now time.Time) {
	c.logger.Info("AC state logged", zap.Bool("on", on))
	c.metrics.SetACOn(on)
	c.publish(statusfeed.ACState(on, now))
}

// formatTemp renders a threshold the way clients expect ("78.0", "71.5").
func formatTemp(v float64) string {
	if v == math.Trunc(v) {
		return strconv.FormatFloat(v, 'f', 1, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func boolWord(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
