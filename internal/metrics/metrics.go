// ============================================================================
// meshctl Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露 mesh controller 運行指標
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - meshctl_frames_received_total{node}: 收到的 mesh 封包
//      - meshctl_frames_sent_total{node}: 成功送出的封包
//      - meshctl_send_failures_total{node}: 重試 3 次仍失敗的送出
//      - meshctl_decode_failures_total: 無法解析的封包
//      - meshctl_forced_shutoffs_total: 感測器沉默導致的強制關機
//      - meshctl_relay_commands_total{command}: 本機客戶端指令
//      - meshctl_ack_waits_total{outcome}: ACK 等待結果（recovered / timed_out）
//
//   2. 延遲 (Histogram)：
//      - meshctl_send_duration_seconds: 單次送出（含重試）耗時
//
//   3. 狀態 (Gauge)：
//      - meshctl_temperature_fahrenheit / meshctl_humidity_percent
//      - meshctl_ac_on / meshctl_ac_allowed
//      - meshctl_nodes_connected / meshctl_nodes_failed
//
// Prometheus 查詢示例:
//
//   # 送出失敗率
//   rate(meshctl_send_failures_total[5m]) / rate(meshctl_frames_sent_total[5m])
//
//   # 感測器是否還活著
//   time() - timestamp(meshctl_temperature_fahrenheit) > 180
//
// HTTP 端點:
//   /metrics，預設端口 9090
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/meshctl/pkg/types"
)

const namespace = "meshctl"

// Collector Prometheus 指標收集器
type Collector struct {
	framesReceived *prometheus.CounterVec
	framesSent     *prometheus.CounterVec
	sendFailures   *prometheus.CounterVec
	decodeFailures prometheus.Counter
	forcedShutoffs prometheus.Counter
	relayCommands  *prometheus.CounterVec
	ackWaits       *prometheus.CounterVec

	sendDuration prometheus.Histogram

	temperature    prometheus.Gauge
	humidity       prometheus.Gauge
	acOn           prometheus.Gauge
	acAllowed      prometheus.Gauge
	nodesConnected prometheus.Gauge
	nodesFailed    prometheus.Gauge
}

// NewCollector 建立指標收集器並註冊到 reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total number of mesh frames received",
		}, []string{"node"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total number of mesh frames delivered",
		}, []string{"node"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Total number of sends that failed after all retries",
		}, []string{"node"}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Total number of inbound payloads that were not frames",
		}),
		forcedShutoffs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forced_shutoffs_total",
			Help:      "Total number of safety shutoffs after sensor silence",
		}),
		relayCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_commands_total",
			Help:      "Total number of local client commands by kind",
		}, []string{"command"}),
		ackWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ack_waits_total",
			Help:      "Resolved ACK waits by outcome",
		}, []string{"outcome"}),
		sendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Time spent delivering one frame, retries included",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		temperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "temperature_fahrenheit",
			Help:      "Last reported temperature",
		}),
		humidity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "humidity_percent",
			Help:      "Last reported relative humidity",
		}),
		acOn: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ac_on",
			Help:      "1 when the last logged AC state is on",
		}),
		acAllowed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ac_allowed",
			Help:      "1 when AC operation is permitted",
		}),
		nodesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes_connected",
			Help:      "Nodes currently in the connected set",
		}),
		nodesFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes_failed",
			Help:      "Nodes currently in the failed set",
		}),
	}

	reg.MustRegister(
		c.framesReceived, c.framesSent, c.sendFailures,
		c.decodeFailures, c.forcedShutoffs, c.relayCommands, c.ackWaits,
		c.sendDuration,
		c.temperature, c.humidity, c.acOn, c.acAllowed,
		c.nodesConnected, c.nodesFailed,
	)
	return c
}

// RecordReceived 記錄收到的封包
func (c *Collector) RecordReceived(from types.NodeID) {
	c.framesReceived.WithLabelValues(from.String()).Inc()
}

// RecordSend 記錄一次送出結果與耗時
func (c *Collector) RecordSend(to types.NodeID, ok bool, d time.Duration) {
	if ok {
		c.framesSent.WithLabelValues(to.String()).Inc()
	} else {
		c.sendFailures.WithLabelValues(to.String()).Inc()
	}
	c.sendDuration.Observe(d.Seconds())
}

func (c *Collector) RecordDecodeFailure() {
	c.decodeFailures.Inc()
}

func (c *Collector) RecordForcedShutoff() {
	c.forcedShutoffs.Inc()
}

func (c *Collector) RecordRelayCommand(kind string) {
	c.relayCommands.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordAckWait(outcome string) {
	c.ackWaits.WithLabelValues(outcome).Inc()
}

func (c *Collector) SetTemperature(v float64) { c.temperature.Set(v) }
func (c *Collector) SetHumidity(v float64)    { c.humidity.Set(v) }
func (c *Collector) SetACOn(on bool)          { c.acOn.Set(boolValue(on)) }
func (c *Collector) SetAllowed(allowed bool)  { c.acAllowed.Set(boolValue(allowed)) }

// SetNodeCounts 更新連線 / 失敗節點數
func (c *Collector) SetNodeCounts(connected, failed int) {
	c.nodesConnected.Set(float64(connected))
	c.nodesFailed.Set(float64(failed))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Server 暴露 /metrics 的 HTTP 伺服器
type Server struct {
	srv *http.Server
}

// NewServer 建立 metrics HTTP 伺服器
func NewServer(addr string, g prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &Server{srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}}
}

// ListenAndServe 阻塞直到伺服器關閉；正常關閉回傳 nil
func (s *Server) ListenAndServe() error {
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 優雅關閉
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
