// ============================================================================
// meshctl 節點健康監控 - 節點連線狀態機
// ============================================================================
//
// Package: internal/health
// 文件: monitor.go
// 功能: 追蹤各節點的連線狀態、探測排程與 ACK 等待
//
// 狀態轉換 (State Machine):
//   Connected (已連線)
//      ↓ 探測失敗 Probe(ok=false)
//   Failed (失聯)
//      ↓ 探測成功 Probe(ok=true) 或收到訊息 Heard()
//   Connected
//
// 狀態集合:
//   connected []NodeID - 已連線節點（保持加入順序）
//   failed    []NodeID - 失聯節點
//   兩者互斥：同一節點不會同時出現在兩個集合中
//
// ACK 等待:
//   單一槽位，同時只追蹤一個節點；新的等待直接覆蓋舊的（最新失敗優先）。
//   節點在逾時前離開 failed 集合 → Recovered，否則 → TimedOut。
//
// 並發:
//   只由控制器迴圈單一 goroutine 存取，不加鎖。
//
// ============================================================================

package health

import (
	"slices"
	"time"

	"github.com/ChuLiYu/meshctl/pkg/types"
)

// WaitOutcome ACK 等待的輪詢結果
type WaitOutcome int

const (
	WaitIdle      WaitOutcome = iota // 沒有進行中的等待
	WaitPending                      // 仍在等待
	WaitRecovered                    // 節點已恢復
	WaitTimedOut                     // 等待逾時
)

func (o WaitOutcome) String() string {
	switch o {
	case WaitPending:
		return "pending"
	case WaitRecovered:
		return "recovered"
	case WaitTimedOut:
		return "timed_out"
	default:
		return "idle"
	}
}

// AckWait 單一槽位的 ACK 等待狀態
type AckWait struct {
	Node    types.NodeID
	Started time.Time
	Timeout time.Duration
}

// Config 監控設定
type Config struct {
	ProbeInterval time.Duration // 探測週期，同時也是「近期收到訊息」的判斷窗口
	AckTimeout    time.Duration // ACK 等待逾時
}

// Monitor 節點健康監控器
type Monitor struct {
	config    Config
	connected []types.NodeID
	failed    []types.NodeID
	lastHeard map[types.NodeID]time.Time
	lastSweep time.Time
	wait      *AckWait
}

// NewMonitor 建立監控器，now 作為第一次探測週期的起點
func NewMonitor(config Config, now time.Time) *Monitor {
	return &Monitor{
		config:    config,
		lastHeard: make(map[types.NodeID]time.Time),
		lastSweep: now,
	}
}

// ============================================================================
// 狀態轉換
// ============================================================================

// Heard 記錄收到節點訊息：更新 last-heard 並移入 connected 集合
//
// 返回值：
//   - bool: 節點是否為新加入 connected 集合
func (m *Monitor) Heard(id types.NodeID, now time.Time) bool {
	m.lastHeard[id] = now
	m.failed = remove(m.failed, id)
	if contains(m.connected, id) {
		return false
	}
	m.connected = append(m.connected, id)
	return true
}

// Probe 套用一次探測結果
//
// 返回值：
//   - bool: 節點狀態是否改變
func (m *Monitor) Probe(id types.NodeID, ok bool) bool {
	if ok {
		changed := contains(m.failed, id) || !contains(m.connected, id)
		m.failed = remove(m.failed, id)
		if !contains(m.connected, id) {
			m.connected = append(m.connected, id)
		}
		return changed
	}

	changed := contains(m.connected, id)
	m.connected = remove(m.connected, id)
	if !contains(m.failed, id) {
		m.failed = append(m.failed, id)
	}
	return changed
}

// Forget 將節點移出 connected 集合（不視為失聯）
func (m *Monitor) Forget(id types.NodeID) {
	m.connected = remove(m.connected, id)
}

// ============================================================================
// 探測排程
// ============================================================================

// SweepDue 判斷是否已到達探測週期
func (m *Monitor) SweepDue(now time.Time) bool {
	return now.Sub(m.lastSweep) >= m.config.ProbeInterval
}

// Sweep 對所有已連線節點執行探測
//
// 近期（一個探測週期內）收到過訊息的節點直接跳過：收到心跳即證明存活。
//
// 參數：
//   - now: 目前時間
//   - probe: 實際送出探測並回報是否成功
//
// 返回值：
//   - []types.NodeID: 本輪探測失敗的節點
func (m *Monitor) Sweep(now time.Time, probe func(types.NodeID) bool) []types.NodeID {
	m.lastSweep = now

	targets := append([]types.NodeID(nil), m.connected...)
	var lost []types.NodeID
	for _, id := range targets {
		if heard, ok := m.lastHeard[id]; ok && now.Sub(heard) < m.config.ProbeInterval {
			continue
		}
		ok := probe(id)
		m.Probe(id, ok)
		if !ok {
			lost = append(lost, id)
		}
	}
	return lost
}

// ============================================================================
// ACK 等待
// ============================================================================

// StartWait 開始等待節點 ACK，覆蓋既有的等待
func (m *Monitor) StartWait(id types.NodeID, now time.Time) {
	m.wait = &AckWait{
		Node:    id,
		Started: now,
		Timeout: m.config.AckTimeout,
	}
}

// PollWait 非阻塞檢查 ACK 等待狀態；Recovered 與 TimedOut 會清空槽位
func (m *Monitor) PollWait(now time.Time) (WaitOutcome, types.NodeID) {
	if m.wait == nil {
		return WaitIdle, 0
	}

	w := m.wait
	if !contains(m.failed, w.Node) {
		m.wait = nil
		return WaitRecovered, w.Node
	}
	if now.Sub(w.Started) >= w.Timeout {
		m.wait = nil
		return WaitTimedOut, w.Node
	}
	return WaitPending, w.Node
}

// Waiting 返回目前的 ACK 等待（沒有則為 nil）
func (m *Monitor) Waiting() *AckWait {
	if m.wait == nil {
		return nil
	}
	w := *m.wait
	return &w
}

// ============================================================================
// 查詢
// ============================================================================

// Connected 返回已連線節點的副本
func (m *Monitor) Connected() []types.NodeID {
	return append([]types.NodeID(nil), m.connected...)
}

// Failed 返回失聯節點的副本
func (m *Monitor) Failed() []types.NodeID {
	return append([]types.NodeID(nil), m.failed...)
}

// IsConnected 節點是否在 connected 集合中
func (m *Monitor) IsConnected(id types.NodeID) bool {
	return contains(m.connected, id)
}

// LastHeard 返回節點最後一次收到訊息的時間
func (m *Monitor) LastHeard(id types.NodeID) (time.Time, bool) {
	t, ok := m.lastHeard[id]
	return t, ok
}

func contains(ids []types.NodeID, id types.NodeID) bool {
	return slices.Contains(ids, id)
}

func remove(ids []types.NodeID, id types.NodeID) []types.NodeID {
	return slices.DeleteFunc(ids, func(v types.NodeID) bool { return v == id })
}
