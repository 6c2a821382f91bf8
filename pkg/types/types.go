// Package types 定義了 meshctl 系統中使用的核心領域模型
package types

import (
	"fmt"
	"time"
)

// NodeID 網狀網路節點編號（控制器本身固定為 0）
type NodeID uint8

func (id NodeID) String() string {
	return fmt.Sprintf("node-%d", id)
}

// NodeStatus 節點連線狀態
type NodeStatus string

// 定義節點狀態常數
const (
	StatusOnline  NodeStatus = "online"  // 近期收到訊息或探測成功
	StatusOffline NodeStatus = "offline" // 探測失敗
)

// NodeRecord 節點的持久化紀錄
type NodeRecord struct {
	ID          NodeID     `json:"node_id"`
	Name        string     `json:"name"`
	Status      NodeStatus `json:"status"`
	LastSeen    time.Time  `json:"last_seen"`
	LastMessage string     `json:"last_message,omitempty"`
}

// NodeStatusUpdate 是一次節點狀態寫入（Message 為 nil 時保留舊訊息）
type NodeStatusUpdate struct {
	ID      NodeID
	Name    string
	Message *string
	At      time.Time
}

// StateEvent 致動器（AC）開關事件，只追加不修改
type StateEvent struct {
	At time.Time `json:"at"`
	On bool      `json:"on"`
}

// Thresholds 溫度上下限設定
type Thresholds struct {
	Max float64 `json:"max_temp"`
	Min float64 `json:"min_temp"`
}

// DefaultThresholds 資料庫無設定或讀取失敗時使用的預設值
func DefaultThresholds() Thresholds {
	return Thresholds{Max: 78, Min: 72}
}
