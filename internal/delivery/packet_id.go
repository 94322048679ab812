package delivery

import (
	"sync"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

// PacketIDManager 出站报文标识符分配器
// 单调递增并在 65535 之后回绕到 1，跳过仍在使用中的标识符
type PacketIDManager struct {
	mu        sync.Mutex
	currentID uint16
	inUse     map[uint16]struct{}
}

func NewPacketIDManager() *PacketIDManager {
	return &PacketIDManager{
		currentID: 1, // 起始值为1
		inUse:     make(map[uint16]struct{}),
	}
}

// NextID 获取下一个可用ID，全部占用时返回 mqtt.ErrIDSpaceExhausted
func (m *PacketIDManager) NextID() (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.inUse) >= mqtt.MaxPacketID {
		return 0, mqtt.ErrIDSpaceExhausted
	}
	for {
		id := m.currentID
		m.currentID++
		if m.currentID == 0 { // 溢出处理
			m.currentID = 1
		}
		if _, used := m.inUse[id]; !used {
			m.inUse[id] = struct{}{}
			return id, nil
		}
	}
}

// Reserve 标记指定ID为使用中，用于恢复会话，ID已被占用时返回 false
func (m *PacketIDManager) Reserve(id uint16) bool {
	if id == 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, used := m.inUse[id]; used {
		return false
	}
	m.inUse[id] = struct{}{}
	return true
}

// ReleaseID 释放ID（收到确认后调用）
func (m *PacketIDManager) ReleaseID(id uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inUse, id)
}

// InUse 返回使用中的ID数量
func (m *PacketIDManager) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inUse)
}

// Reset 释放全部ID，计数器不回退
func (m *PacketIDManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inUse = make(map[uint16]struct{})
}
