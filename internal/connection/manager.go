package connection

import (
	"errors"
	"sync"
)

var ErrConnectionClosed = errors.New("connection closed")

// Manager 管理所有连接和房间成员关系
// 房间以会话ID为键，一个连接可以同时在多个房间里。
// Remove 负责把连接从它加入过的所有房间摘除
type Manager struct {
	connections map[int64]*Connection
	userConns   map[int64]map[int64]*Connection // userID -> connID -> Connection
	rooms       map[int64]map[int64]*Connection // conversationID -> connID -> Connection
	connRooms   map[int64]map[int64]struct{}    // connID -> conversationIDs
	mu          sync.RWMutex
}

// NewManager 创建连接管理器
func NewManager() *Manager {
	return &Manager{
		connections: make(map[int64]*Connection),
		userConns:   make(map[int64]map[int64]*Connection),
		rooms:       make(map[int64]map[int64]*Connection),
		connRooms:   make(map[int64]map[int64]struct{}),
	}
}

// Add 注册连接并建立用户索引
func (m *Manager) Add(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connections[conn.ID()] = conn

	if _, ok := m.userConns[conn.UserID()]; !ok {
		m.userConns[conn.UserID()] = make(map[int64]*Connection)
	}
	m.userConns[conn.UserID()][conn.ID()] = conn
}

// Remove 注销连接，并清理用户索引与全部房间成员关系
func (m *Manager) Remove(connID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.connections[connID]
	if !ok {
		return
	}

	delete(m.connections, connID)

	if userConns, ok := m.userConns[conn.UserID()]; ok {
		delete(userConns, connID)
		if len(userConns) == 0 {
			delete(m.userConns, conn.UserID())
		}
	}

	for roomID := range m.connRooms[connID] {
		if room, ok := m.rooms[roomID]; ok {
			delete(room, connID)
			if len(room) == 0 {
				delete(m.rooms, roomID)
			}
		}
	}
	delete(m.connRooms, connID)
}

// Get 按连接ID取连接
func (m *Manager) Get(connID int64) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connections[connID]
}

// JoinRoom 把连接加入房间，重复加入是 no-op
func (m *Manager) JoinRoom(connID, roomID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.connections[connID]
	if !ok {
		return
	}

	if _, ok := m.rooms[roomID]; !ok {
		m.rooms[roomID] = make(map[int64]*Connection)
	}
	m.rooms[roomID][connID] = conn

	if _, ok := m.connRooms[connID]; !ok {
		m.connRooms[connID] = make(map[int64]struct{})
	}
	m.connRooms[connID][roomID] = struct{}{}
}

// InRoom 判断连接是否在房间中
func (m *Manager) InRoom(connID, roomID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.connRooms[connID][roomID]
	return ok
}

// BroadcastRoom 把帧发给房间内全部连接
// excludeUserID 大于 0 时跳过该用户的所有连接
func (m *Manager) BroadcastRoom(roomID, excludeUserID int64, frame []byte) {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.rooms[roomID]))
	for _, conn := range m.rooms[roomID] {
		if excludeUserID > 0 && conn.UserID() == excludeUserID {
			continue
		}
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		// 慢连接的失败不影响其他成员
		_ = conn.Send(frame)
	}
}

// GetByUserID 取用户的全部连接
func (m *Manager) GetByUserID(userID int64) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	userConns, ok := m.userConns[userID]
	if !ok {
		return nil
	}

	conns := make([]*Connection, 0, len(userConns))
	for _, conn := range userConns {
		conns = append(conns, conn)
	}
	return conns
}

// RoomSize 房间内连接数
func (m *Manager) RoomSize(roomID int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms[roomID])
}

// Count 当前连接总数
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}
