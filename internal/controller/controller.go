// ============================================================================
// meshctl 控制器 - Mesh Controller Loop
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 系統核心協調器，單一 goroutine 的協作式排程迴圈
//
// 架構設計:
//   控制器是整個系統的"大腦"，負責協調以下組件：
//   - Transport: mesh 封包收發（MQTT 橋接或記憶體）
//   - Store: AC 事件紀錄、溫度設定、權限旗標、節點狀態
//   - Monitor: 節點連線狀態機與 ACK 等待
//   - Relay Queue: 本機客戶端指令
//
// 每次迭代 (Step) 的固定順序:
//   1. Safety watchdog - 溫度沉默過久：警告，再久則強制關閉 AC
//   2. Health cadence  - 每個探測週期探測已連線節點，並對失聯節點啟動 ACK 等待
//   3. ACK poll        - 非阻塞檢查 ACK 等待結果
//   4. Transport drain - 處理目前所有已到達的 mesh 封包（依到達順序）
//   5. Relay drain     - 處理目前所有待處理的客戶端指令（依入隊順序）
//
// 並發安全:
//   - 所有狀態（連線集合、last-heard、ACK 等待、權限旗標、最後溫度）
//     只由迴圈 goroutine 存取，不加鎖
//   - relay.Queue 是唯一與其他 goroutine 共享的結構
//   - stopCh + sync.WaitGroup 用於優雅關閉
//
// 失敗處理:
//   - 送出失敗：重試 3 次（每次前 Sync），之後回報給發起者，不中斷迴圈
//   - 儲存失敗：記錄錯誤並使用安全預設值（78/72、權限 false、AC off）
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ChuLiYu/meshctl/internal/health"
	"github.com/ChuLiYu/meshctl/internal/metrics"
	"github.com/ChuLiYu/meshctl/internal/packet"
	"github.com/ChuLiYu/meshctl/internal/relay"
	"github.com/ChuLiYu/meshctl/internal/statusfeed"
	"github.com/ChuLiYu/meshctl/internal/store"
	"github.com/ChuLiYu/meshctl/internal/transport"
	"github.com/ChuLiYu/meshctl/pkg/types"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	ActuatorNode types.NodeID // AC 繼電器節點
	SensorNode   types.NodeID // 溫度感測 / LCD 節點

	PollInterval        time.Duration // 迴圈週期
	TempWarningTimeout  time.Duration // 無溫度警告
	TempSafetyTimeout   time.Duration // 無溫度強制關機
	ProbeInterval       time.Duration // 節點探測週期
	AckTimeout          time.Duration // ACK 等待逾時
	StaleThreshold      time.Duration // AC 狀態紀錄可信任的最長時間
	StatusWriteInterval time.Duration // 同一節點狀態寫入的最小間隔
	SendAttempts        int           // 送出嘗試次數
	SendRetryDelay      time.Duration // 重試間隔
	StoreTimeout        time.Duration // 單次儲存操作逾時
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		ActuatorNode:        1,
		SensorNode:          2,
		PollInterval:        10 * time.Millisecond,
		TempWarningTimeout:  90 * time.Second,
		TempSafetyTimeout:   180 * time.Second,
		ProbeInterval:       60 * time.Second,
		AckTimeout:          15 * time.Second,
		StaleThreshold:      40 * time.Minute,
		StatusWriteInterval: 30 * time.Second,
		SendAttempts:        3,
		SendRetryDelay:      250 * time.Millisecond,
		StoreTimeout:        2 * time.Second,
	}
}

// Replier 將回覆送回 relay 客戶端
type Replier interface {
	SendToClient(id relay.ClientID, text string) error
	CloseClient(id relay.ClientID)
}

// NodeHealth 接收節點上線 / 離線的轉換
type NodeHealth interface {
	SetNodeStatus(id types.NodeID, online bool)
}

// Deps 控制器的外部協作者；Feed、Health、Metrics、Clock、Sleep 可省略
type Deps struct {
	Transport transport.Transport
	Store     store.Gateway
	Queue     *relay.Queue
	Replier   Replier
	Feed      statusfeed.Publisher
	Health    NodeHealth
	Metrics   *metrics.Collector
	Logger    *zap.Logger
	Clock     func() time.Time
	Sleep     func(time.Duration)
}

// Controller 核心控制器
type Controller struct {
	config    Config
	transport transport.Transport
	store     store.Gateway
	queue     *relay.Queue
	replier   Replier
	feed      statusfeed.Publisher
	health    NodeHealth
	metrics   *metrics.Collector
	logger    *zap.Logger
	clock     func() time.Time
	sleep     func(time.Duration)

	monitor *health.Monitor

	// 以下狀態只由迴圈 goroutine 存取
	allowed      bool                       // AC 權限旗標
	lastTemp     string                     // 最後一次溫度（原始字串）
	lastHumidity string                     // 最後一次濕度
	lastTempAt   time.Time                  // 最後一次收到溫度的時間
	warned       bool                       // 警告 latch
	shutoff      bool                       // 強制關機 latch
	statusWrites map[types.NodeID]time.Time // 節點狀態最後寫入時間（節流）

	ctx     context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	started bool
	stopped bool
	mu      sync.Mutex
	loopWg  sync.WaitGroup
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
func NewController(config Config, deps Deps) (*Controller, error) {
	if deps.Transport == nil || deps.Store == nil || deps.Queue == nil || deps.Replier == nil {
		return nil, errors.New("controller: transport, store, queue and replier are required")
	}
	if config.SendAttempts < 1 {
		config.SendAttempts = 1
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = 2 * time.Second
	}
	if deps.Feed == nil {
		deps.Feed = statusfeed.Nop{}
	}
	if deps.Health == nil {
		deps.Health = nopHealth{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector(prometheus.NewRegistry())
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = time.Sleep
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := deps.Clock()
	return &Controller{
		config:    config,
		transport: deps.Transport,
		store:     deps.Store,
		queue:     deps.Queue,
		replier:   deps.Replier,
		feed:      deps.Feed,
		health:    deps.Health,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		clock:     deps.Clock,
		sleep:     deps.Sleep,
		monitor: health.NewMonitor(health.Config{
			ProbeInterval: config.ProbeInterval,
			AckTimeout:    config.AckTimeout,
		}, now),
		lastTempAt:   now,
		statusWrites: make(map[types.NodeID]time.Time),
		ctx:          ctx,
		cancel:       cancel,
		stopCh:       make(chan struct{}),
	}, nil
}

type nopHealth struct{}

func (nopHealth) SetNodeStatus(types.NodeID, bool) {}

// Load 從儲存層載入啟動狀態：權限旗標與已知節點
func (c *Controller) Load() {
	ctx, cancel := c.opCtx()
	defer cancel()

	allowed, err := c.store.ReadPermission(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.logger.Info("ac_allowed not in store, defaulting to disabled")
	case err != nil:
		c.logger.Error("Failed to read AC permission, defaulting to disabled", zap.Error(err))
	}
	c.allowed = allowed && err == nil
	c.metrics.SetAllowed(c.allowed)
	c.logger.Info("AC permission loaded", zap.Bool("allowed", c.allowed))

	nodes, err := c.store.ListKnownNodes(ctx)
	if err != nil {
		c.logger.Error("Failed to list known nodes", zap.Error(err))
		return
	}
	if len(nodes) > 0 {
		names := make([]string, 0, len(nodes))
		for _, n := range nodes {
			names = append(names, n.Name)
		}
		c.logger.Info("Known nodes, waiting for check-in", zap.Strings("nodes", names))
	}
}

// Start 載入狀態並啟動迴圈 goroutine；只能呼叫一次
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return errors.New("controller: already stopped")
	}
	if c.started {
		c.mu.Unlock()
		return errors.New("controller: already started")
	}
	c.started = true
	c.loopWg.Add(1)
	c.mu.Unlock()

	c.Load()
	c.lastTempAt = c.clock()
	go c.loop()

	c.logger.Info("Controller started",
		zap.Stringer("actuator", c.config.ActuatorNode),
		zap.Stringer("sensor", c.config.SensorNode),
		zap.Duration("poll_interval", c.config.PollInterval))
	return nil
}

func (c *Controller) loop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.logger.Info("Controller loop stopped")
			return
		case <-ticker.C:
			c.Step(c.clock())
		}
	}
}

// Stop 停止迴圈並等待其退出；可重複呼叫
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.stopCh)
	c.cancel()
	c.loopWg.Wait()
	c.logger.Info("Controller stopped")
}

// Step 執行一次完整迭代。除了測試外只由迴圈 goroutine 呼叫。
func (c *Controller) Step(now time.Time) {
	c.watchdog(now)
	if c.monitor.SweepDue(now) {
		c.healthSweep(now)
	}
	c.pollAck(now)
	c.drainTransport(now)
	c.drainRelay(now)

	c.metrics.SetNodeCounts(len(c.monitor.Connected()), len(c.monitor.Failed()))
}

func (c *Controller) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.ctx, c.config.StoreTimeout)
}

// ============================================================================
// 1. Safety watchdog（溫度沉默監控）
// ============================================================================

func (c *Controller) watchdog(now time.Time) {
	silent := now.Sub(c.lastTempAt)

	if !c.warned && silent > c.config.TempWarningTimeout {
		c.logger.Warn("No temperature received", zap.Duration("silent_for", silent))
		c.warned = true
	}

	if !c.shutoff && silent > c.config.TempSafetyTimeout {
		c.logger.Error("No temperature within safety timeout", zap.Duration("silent_for", silent))
		if c.actuatorOn() {
			c.logger.Error("Turning off AC due to temperature timeout")
			c.metrics.RecordForcedShutoff()
			if !c.sendToNode(c.config.ActuatorNode, packet.Encode(packet.Bool(packet.KeyActuator, false))) {
				c.logger.Error("Safety shutoff could not reach AC relay")
			}
			c.logState(false, now)
		}
		c.shutoff = true
	}
}

// ============================================================================
// 2-3. Health cadence 與 ACK 等待
// ============================================================================

func (c *Controller) healthSweep(now time.Time) {
	ping := packet.Encode(packet.Int(packet.KeyHeartbeat, 1))
	lost := c.monitor.Sweep(now, func(id types.NodeID) bool {
		return c.sendToNode(id, ping)
	})

	for _, id := range lost {
		c.logger.Warn("Node failed health probe", zap.Stringer("node", id))
		c.nodeWentOffline(id, now)
	}

	for _, id := range c.monitor.Failed() {
		c.logger.Warn("Waiting for ACK", zap.Stringer("node", id))
		c.monitor.StartWait(id, now)
	}
}

func (c *Controller) pollAck(now time.Time) {
	outcome, id := c.monitor.PollWait(now)
	switch outcome {
	case health.WaitRecovered:
		c.logger.Info("ACK received, node recovered", zap.Stringer("node", id))
		c.metrics.RecordAckWait(outcome.String())
	case health.WaitTimedOut:
		c.logger.Warn("ACK timeout, node may be offline", zap.Stringer("node", id))
		c.metrics.RecordAckWait(outcome.String())
	}
}

func (c *Controller) nodeWentOffline(id types.NodeID, now time.Time) {
	ctx, cancel := c.opCtx()
	defer cancel()
	if err := c.store.MarkNodeOffline(ctx, id); err != nil {
		c.logger.Error("Failed to mark node offline", zap.Stringer("node", id), zap.Error(err))
	}
	c.health.SetNodeStatus(id, false)
	c.publish(statusfeed.Node(id, false, now))
}

func (c *Controller) nodeCameOnline(id types.NodeID, now time.Time) {
	c.logger.Info("Node joined", zap.Stringer("node", id), zap.Int("connected", len(c.monitor.Connected())))
	c.health.SetNodeStatus(id, true)
	c.publish(statusfeed.Node(id, true, now))
}

// recordNodeStatus 節流寫入節點狀態；寫入失敗不更新節流時間
func (c *Controller) recordNodeStatus(id types.NodeID, message string, now time.Time) {
	if last, ok := c.statusWrites[id]; ok && now.Sub(last) < c.config.StatusWriteInterval {
		return
	}

	ctx, cancel := c.opCtx()
	defer cancel()
	err := c.store.UpsertNodeStatus(ctx, types.NodeStatusUpdate{ID: id, Message: &message, At: now})
	if err != nil {
		c.logger.Error("Failed to update node status", zap.Stringer("node", id), zap.Error(err))
		return
	}
	c.statusWrites[id] = now
}

func (c *Controller) publish(ev statusfeed.Event) {
	if err := c.feed.Publish(c.ctx, ev); err != nil {
		c.logger.Debug("Status feed publish failed", zap.String("kind", ev.Kind), zap.Error(err))
	}
}

// ============================================================================
// 查詢（測試與 CLI 使用）
// ============================================================================

// Snapshot 控制器狀態的唯讀檢視
type Snapshot struct {
	Allowed      bool
	LastTemp     string
	LastHumidity string
	Connected    []types.NodeID
	Failed       []types.NodeID
	Waiting      *health.AckWait
}

// State 返回迴圈狀態的副本；迴圈執行中呼叫不安全
func (c *Controller) State() Snapshot {
	return Snapshot{
		Allowed:      c.allowed,
		LastTemp:     c.lastTemp,
		LastHumidity: c.lastHumidity,
		Connected:    c.monitor.Connected(),
		Failed:       c.monitor.Failed(),
		Waiting:      c.monitor.Waiting(),
	}
}
