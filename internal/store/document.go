package store

// ============================================================================
// 職責說明：
// 1. 不需要 PostgreSQL 時的 Gateway 實作（開發、模擬器、測試）
// 2. 整份狀態序列化為 JSON，使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// ============================================================================

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/ChuLiYu/meshctl/pkg/types"
)

const documentSchemaVersion = 1

// document 持久化的完整狀態
type document struct {
	SchemaVer int                `json:"schema_version"`
	Events    []types.StateEvent `json:"events"`
	Settings  map[string]string  `json:"settings"`
	Nodes     []types.NodeRecord `json:"nodes"`
}

// Document 將全部狀態存在單一 JSON 文件的 Gateway 實作
// path 為空時只保存在記憶體中
type Document struct {
	path string
	mu   sync.Mutex
	doc  document
}

// NewMemory 建立純記憶體的文件儲存
func NewMemory() *Document {
	return &Document{doc: emptyDocument()}
}

// NewFile 載入 path 的文件儲存（首次寫入時建立）
func NewFile(path string) (*Document, error) {
	d := &Document{path: path}
	doc, err := d.load()
	if err != nil {
		return nil, err
	}
	d.doc = doc
	return d, nil
}

func emptyDocument() document {
	return document{
		SchemaVer: documentSchemaVersion,
		Settings:  make(map[string]string),
		Nodes: []types.NodeRecord{
			{ID: 1, Name: DefaultNodeName(1), Status: types.StatusOffline},
			{ID: 2, Name: DefaultNodeName(2), Status: types.StatusOffline},
		},
	}
}

// load 讀取檔案；檔案不存在時回傳空狀態（首次啟動）
func (d *Document) load() (document, error) {
	raw, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyDocument(), nil
		}
		return document{}, fmt.Errorf("failed to read document: %w", err)
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return document{}, fmt.Errorf("%w: %v", ErrCorruptedDocument, err)
	}
	if doc.SchemaVer != documentSchemaVersion {
		return document{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, doc.SchemaVer, documentSchemaVersion)
	}
	if doc.Settings == nil {
		doc.Settings = make(map[string]string)
	}
	return doc, nil
}

// save 原子性寫入：先寫 .tmp 再 rename。呼叫者須持有 d.mu。
func (d *Document) save() error {
	if d.path == "" {
		return nil
	}

	raw, err := json.MarshalIndent(d.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	tmpPath := d.path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0644); err != nil {
		return fmt.Errorf("failed to write temp document: %w", err)
	}
	if err := os.Rename(tmpPath, d.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename document: %w", err)
	}
	return nil
}

func (d *Document) ReadLastState(_ context.Context) (types.StateEvent, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastLocked()
}

func (d *Document) lastLocked() (types.StateEvent, bool, error) {
	if len(d.doc.Events) == 0 {
		return types.StateEvent{}, false, nil
	}
	return d.doc.Events[len(d.doc.Events)-1], true, nil
}

func (d *Document) AppendStateEvent(_ context.Context, on bool, at time.Time) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok, _ := d.lastLocked(); ok && last.On == on {
		return false, nil
	}
	if err := d.appendLocked(on, at); err != nil {
		return false, err
	}
	return true, nil
}

func (d *Document) ForceStateEvent(_ context.Context, on bool, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.appendLocked(on, at)
}

func (d *Document) appendLocked(on bool, at time.Time) error {
	d.doc.Events = append(d.doc.Events, types.StateEvent{At: at, On: on})
	if err := d.save(); err != nil {
		d.doc.Events = d.doc.Events[:len(d.doc.Events)-1]
		return err
	}
	return nil
}

// Events 返回事件紀錄的副本
func (d *Document) Events() []types.StateEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.doc.Events)
}

func (d *Document) ReadThresholds(_ context.Context) (types.Thresholds, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	hiRaw, okMax := d.doc.Settings[keyMaxTemp]
	loRaw, okMin := d.doc.Settings[keyMinTemp]
	if !okMax || !okMin {
		return types.Thresholds{}, ErrNotFound
	}
	var t types.Thresholds
	if _, err := fmt.Sscan(hiRaw, &t.Max); err != nil {
		return types.Thresholds{}, fmt.Errorf("invalid %s value %q: %w", keyMaxTemp, hiRaw, err)
	}
	if _, err := fmt.Sscan(loRaw, &t.Min); err != nil {
		return types.Thresholds{}, fmt.Errorf("invalid %s value %q: %w", keyMinTemp, loRaw, err)
	}
	return t, nil
}

func (d *Document) WriteThresholds(_ context.Context, t types.Thresholds) error {
	return d.setSettings(map[string]string{
		keyMaxTemp: fmt.Sprint(t.Max),
		keyMinTemp: fmt.Sprint(t.Min),
	})
}

func (d *Document) ReadPermission(_ context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	raw, ok := d.doc.Settings[keyACAllowed]
	if !ok {
		return false, ErrNotFound
	}
	return raw == formatBool(true), nil
}

func (d *Document) WritePermission(_ context.Context, allowed bool) error {
	return d.setSettings(map[string]string{keyACAllowed: formatBool(allowed)})
}

func (d *Document) setSettings(kv map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := make(map[string]string, len(d.doc.Settings))
	for k, v := range d.doc.Settings {
		prev[k] = v
	}
	for k, v := range kv {
		d.doc.Settings[k] = v
	}
	if err := d.save(); err != nil {
		d.doc.Settings = prev
		return err
	}
	return nil
}

func (d *Document) UpsertNodeStatus(_ context.Context, u types.NodeStatusUpdate) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := slices.Clone(d.doc.Nodes)
	i := slices.IndexFunc(d.doc.Nodes, func(n types.NodeRecord) bool { return n.ID == u.ID })
	if i < 0 {
		name := u.Name
		if name == "" {
			name = DefaultNodeName(u.ID)
		}
		d.doc.Nodes = append(d.doc.Nodes, types.NodeRecord{ID: u.ID, Name: name})
		slices.SortFunc(d.doc.Nodes, func(a, b types.NodeRecord) int { return int(a.ID) - int(b.ID) })
		i = slices.IndexFunc(d.doc.Nodes, func(n types.NodeRecord) bool { return n.ID == u.ID })
	}

	n := &d.doc.Nodes[i]
	n.Status = types.StatusOnline
	n.LastSeen = u.At
	if u.Message != nil {
		n.LastMessage = *u.Message
	}
	if err := d.save(); err != nil {
		d.doc.Nodes = prev
		return err
	}
	return nil
}

func (d *Document) MarkNodeOffline(_ context.Context, id types.NodeID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := slices.IndexFunc(d.doc.Nodes, func(n types.NodeRecord) bool { return n.ID == id })
	if i < 0 {
		return nil
	}
	prev := d.doc.Nodes[i].Status
	d.doc.Nodes[i].Status = types.StatusOffline
	if err := d.save(); err != nil {
		d.doc.Nodes[i].Status = prev
		return err
	}
	return nil
}

func (d *Document) ListKnownNodes(_ context.Context) ([]types.NodeRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.doc.Nodes), nil
}

// Close 實作 Gateway
func (d *Document) Close() error { return nil }
