package controller

import (
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/meshctl/internal/packet"
	"github.com/ChuLiYu/meshctl/internal/statusfeed"
	"github.com/ChuLiYu/meshctl/pkg/types"
)

// drainTransport 依到達順序處理目前所有可讀的封包
func (c *Controller) drainTransport(now time.Time) {
	for _, f := range c.transport.Poll() {
		text := packet.Sanitize(f.Payload)
		c.metrics.RecordReceived(f.From)
		c.logger.Debug("rx", zap.Stringer("node", f.From), zap.String("frame", packet.DescribeMessage(text)))

		if c.monitor.Heard(f.From, now) {
			c.nodeCameOnline(f.From, now)
		}
		c.recordNodeStatus(f.From, text, now)

		frame, err := packet.Decode(text)
		if err != nil {
			c.metrics.RecordDecodeFailure()
			c.logger.Warn("Dropping unframed message", zap.Stringer("node", f.From), zap.String("text", text))
			continue
		}
		c.dispatchFrame(f.From, frame, now)
	}
}

// dispatchFrame 套用所有鍵存在的規則；一個封包可觸發多條規則
func (c *Controller) dispatchFrame(from types.NodeID, f packet.Frame, now time.Time) {
	sync := f.Has(packet.KeySync)
	temp := f.Has(packet.KeyTemp)

	// s: 同步請求（鍵盤開機握手）
	if sync {
		c.logger.Info("Sync request, sending settings", zap.Stringer("node", from))
		c.sendSettings(from)
	}

	// t: 溫度回報，清除 watchdog latch
	if temp {
		c.recordReading(f, now)
		if !sync {
			// 回覆讓感測節點知道控制器仍在線
			c.sendToNode(from, packet.Encode(packet.Bool(packet.KeyActuator, c.actuatorOn())))
		}
	}

	// a: 意義取決於來源節點
	if f.Has(packet.KeyActuator) && !sync && !temp {
		on := f.Flag(packet.KeyActuator)
		switch from {
		case c.config.ActuatorNode:
			c.logState(on, now)
		case c.config.SensorNode:
			if !c.setActuator(on, now) {
				c.logger.Error("Failed to switch AC, AC_Interface not responding", zap.Bool("on", on))
			}
		default:
			c.logger.Warn("Ignoring AC state from unexpected node", zap.Stringer("node", from))
		}
	}

	// g: 切換權限
	if f.Has(packet.KeyToggle) {
		c.togglePermission(now)
	}

	// x/n: 鍵盤設定的溫度上下限，只儲存不回傳
	if f.Has(packet.KeyMax) && f.Has(packet.KeyMin) && !sync {
		c.saveThresholds(f[packet.KeyMax], f[packet.KeyMin], now)
	}

	// q: 繼電器重啟後查詢狀態；過期的紀錄視同關閉
	if f.Has(packet.KeyQuery) {
		c.logger.Info("State query, sending AC state", zap.Stringer("node", from))
		on, fresh := c.freshState(now)
		if !fresh {
			c.forceOff(now)
		}
		c.sendToNode(from, packet.Encode(packet.Bool(packet.KeyActuator, on && fresh)))
	}

	// k: 心跳，drain 已記錄存活
}

func (c *Controller) recordReading(f packet.Frame, now time.Time) {
	c.lastTemp = f[packet.KeyTemp]
	c.lastTempAt = now
	c.warned = false
	c.shutoff = false
	if v, err := strconv.ParseFloat(c.lastTemp, 64); err == nil {
		c.metrics.SetTemperature(v)
	}

	humidity := ""
	if f.Has(packet.KeyHumidity) {
		humidity = f[packet.KeyHumidity]
		c.lastHumidity = humidity
		if v, err := strconv.ParseFloat(humidity, 64); err == nil {
			c.metrics.SetHumidity(v)
		}
	}
	c.publish(statusfeed.Reading(c.lastTemp, humidity, now))
}

// saveThresholds 儲存封包中的原始溫度上下限
func (c *Controller) saveThresholds(rawMax, rawMin string, now time.Time) bool {
	hi, err1 := strconv.ParseFloat(rawMax, 64)
	lo, err2 := strconv.ParseFloat(rawMin, 64)
	if err1 != nil || err2 != nil {
		c.logger.Warn("Ignoring invalid thresholds", zap.String("max", rawMax), zap.String("min", rawMin))
		return false
	}
	return c.writeThresholds(types.Thresholds{Max: hi, Min: lo}, now)
}

func (c *Controller) writeThresholds(th types.Thresholds, now time.Time) bool {
	ctx, cancel := c.opCtx()
	defer cancel()

	if err := c.store.WriteThresholds(ctx, th); err != nil {
		c.logger.Error("Failed to save temps", zap.Error(err))
		return false
	}
	c.logger.Info("Temps saved", zap.Float64("max", th.Max), zap.Float64("min", th.Min))
	c.publish(statusfeed.Thresholds(th, now))
	return true
}
