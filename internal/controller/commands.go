package controller

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/meshctl/internal/packet"
	"github.com/ChuLiYu/meshctl/internal/relay"
	"github.com/ChuLiYu/meshctl/pkg/types"
)

// Relay reply texts.
const (
	replyACOn          = "AC is ON"
	replyACOff         = "AC is OFF"
	replyRelayDown     = "Failed - AC_Interface not responding"
	replyDisplayDown   = "Failed - Temp_LCD not responding"
	replyResetOK       = "ResetNode Success"
	replyResetFailed   = "ResetNode Failed"
	replyTempsSaveFail = "Failed - temps not saved"
	replyNoValue       = "---"
	replyBadTemps      = "Invalid format: use setTemps:max,min"
	replyBadBrightness = "Invalid format: use setBrightness:0-100"
)

// drainRelay processes every pending client command, in enqueue order.
func (c *Controller) drainRelay(now time.Time) {
	for _, req := range c.queue.Drain() {
		c.metrics.RecordRelayCommand(req.Command.Kind.String())
		c.logger.Info("rx", zap.String("source", "relay"), zap.String("command", req.Command.Raw))
		c.handleCommand(req, now)
	}
}

func (c *Controller) handleCommand(req relay.Request, now time.Time) {
	cmd := req.Command
	reply := func(text string) {
		if err := c.replier.SendToClient(req.Client, text); err != nil {
			c.logger.Warn("Failed to reply to client", zap.String("client", string(req.Client)), zap.Error(err))
		}
	}

	switch cmd.Kind {
	case relay.KindStatus:
		reply(c.statusLine())

	case relay.KindACStatus:
		on, fresh := c.freshState(now)
		if !fresh {
			c.forceOff(now)
		}
		reply(acWord(on && fresh))

	case relay.KindPermStatus:
		reply(boolWord(c.allowed))

	case relay.KindTogglePerm:
		reply(boolWord(c.togglePermission(now)))

	case relay.KindTurnOn, relay.KindTurnOff:
		on := cmd.Kind == relay.KindTurnOn
		if c.setActuator(on, now) {
			reply(acWord(on))
		} else {
			reply(replyRelayDown)
		}

	case relay.KindGetTemps:
		th := c.thresholds()
		reply(fmt.Sprintf("Temps:%s,%s", formatTemp(th.Max), formatTemp(th.Min)))

	case relay.KindSetTemps:
		if cmd.Invalid {
			reply(replyBadTemps)
			return
		}
		th := types.Thresholds{Max: cmd.Max, Min: cmd.Min}
		if !c.writeThresholds(th, now) {
			reply(replyTempsSaveFail)
			return
		}
		c.sendSettings(c.config.SensorNode)
		reply(fmt.Sprintf("Temps:%s,%s", formatTemp(th.Max), formatTemp(th.Min)))

	case relay.KindResetNode:
		if c.sendToNode(c.config.ActuatorNode, packet.Encode(packet.Int(packet.KeyReset, 1))) {
			reply(replyResetOK)
		} else {
			reply(replyResetFailed)
		}

	case relay.KindCurrentTemp:
		reply(orNoValue(c.lastTemp))

	case relay.KindSetBrightness:
		if cmd.Invalid {
			reply(replyBadBrightness)
			return
		}
		if !c.sendToNode(c.config.SensorNode, packet.Encode(packet.Int(packet.KeyBrightness, cmd.Brightness))) {
			reply(replyDisplayDown)
			return
		}
		c.logger.Info("LED brightness set", zap.Int("percent", cmd.Brightness))
		reply(fmt.Sprintf("Brightness:%d", cmd.Brightness))

	case relay.KindShutDown:
		c.logger.Info("Relay client disconnected", zap.String("client", string(req.Client)))
		c.replier.CloseClient(req.Client)

	default:
		reply("Unknown command: " + cmd.Raw)
	}
}

// statusLine renders every status value in one reply:
// status:temp=..,ac=..,max=..,min=..,allow=..,nodes=name=status;...
func (c *Controller) statusLine() string {
	th := c.thresholds()

	nodes := replyNoValue
	ctx, cancel := c.opCtx()
	known, err := c.store.ListKnownNodes(ctx)
	cancel()
	if err != nil {
		c.logger.Error("Failed to list known nodes", zap.Error(err))
	}
	if len(known) > 0 {
		parts := make([]string, 0, len(known))
		for _, n := range known {
			parts = append(parts, n.Name+"="+string(n.Status))
		}
		nodes = strings.Join(parts, ";")
	}

	ac := "OFF"
	if c.actuatorOn() {
		ac = "ON"
	}
	return fmt.Sprintf("status:temp=%s,ac=%s,max=%s,min=%s,allow=%s,nodes=%s",
		orNoValue(c.lastTemp), ac, formatTemp(th.Max), formatTemp(th.Min), boolWord(c.allowed), nodes)
}

func acWord(on bool) string {
	if on {
		return replyACOn
	}
	return replyACOff
}

func orNoValue(s string) string {
	if s == "" {
		return replyNoValue
	}
	return s
}
