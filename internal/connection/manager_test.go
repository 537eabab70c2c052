package connection

import (
	"testing"
)

// 测试用连接：不挂真实会话，不启动 writeLoop，写入停留在缓冲区里
func newTestConn(id, userID int64) *Connection {
	return &Connection{
		id:        id,
		userID:    userID,
		writeChan: make(chan []byte, 256),
		closeChan: make(chan struct{}),
	}
}

func drain(c *Connection) [][]byte {
	var out [][]byte
	for {
		select {
		case frame := <-c.writeChan:
			out = append(out, frame)
		default:
			return out
		}
	}
}

func TestManagerAddRemove(t *testing.T) {
	m := NewManager()
	conn := newTestConn(1, 100)

	m.Add(conn)
	if m.Count() != 1 {
		t.Fatalf("Count = %d, want 1", m.Count())
	}
	if got := m.Get(1); got != conn {
		t.Error("Get returned wrong connection")
	}
	if conns := m.GetByUserID(100); len(conns) != 1 {
		t.Errorf("GetByUserID = %d conns, want 1", len(conns))
	}

	m.Remove(1)
	if m.Count() != 0 {
		t.Errorf("Count after Remove = %d, want 0", m.Count())
	}
	if conns := m.GetByUserID(100); conns != nil {
		t.Error("user index not cleaned up")
	}

	// 重复 Remove 是 no-op
	m.Remove(1)
}

func TestBroadcastRoom(t *testing.T) {
	m := NewManager()
	a := newTestConn(1, 100)
	b := newTestConn(2, 200)
	outsider := newTestConn(3, 300)
	m.Add(a)
	m.Add(b)
	m.Add(outsider)

	m.JoinRoom(1, 555)
	m.JoinRoom(2, 555)
	if m.RoomSize(555) != 2 {
		t.Fatalf("RoomSize = %d, want 2", m.RoomSize(555))
	}

	frame := []byte("hello")
	m.BroadcastRoom(555, 0, frame)

	if got := drain(a); len(got) != 1 {
		t.Errorf("member a frames = %d, want 1", len(got))
	}
	if got := drain(b); len(got) != 1 {
		t.Errorf("member b frames = %d, want 1", len(got))
	}
	if got := drain(outsider); len(got) != 0 {
		t.Errorf("outsider frames = %d, want 0", len(got))
	}
}

func TestBroadcastRoomExcludesSender(t *testing.T) {
	m := NewManager()
	sender := newTestConn(1, 100)
	peer := newTestConn(2, 200)
	m.Add(sender)
	m.Add(peer)
	m.JoinRoom(1, 555)
	m.JoinRoom(2, 555)

	m.BroadcastRoom(555, 100, []byte("typing"))

	if got := drain(sender); len(got) != 0 {
		t.Errorf("excluded sender got %d frames", len(got))
	}
	if got := drain(peer); len(got) != 1 {
		t.Errorf("peer frames = %d, want 1", len(got))
	}
}

func TestRemoveCleansRoomMembership(t *testing.T) {
	m := NewManager()
	conn := newTestConn(1, 100)
	m.Add(conn)
	m.JoinRoom(1, 555)
	m.JoinRoom(1, 556)

	if !m.InRoom(1, 555) || !m.InRoom(1, 556) {
		t.Fatal("connection not in rooms after JoinRoom")
	}

	m.Remove(1)
	if m.InRoom(1, 555) || m.InRoom(1, 556) {
		t.Error("room membership not cleaned up on Remove")
	}
	if m.RoomSize(555) != 0 || m.RoomSize(556) != 0 {
		t.Error("empty rooms should be dropped")
	}

	// 摘除后的广播不应触达该连接
	m.BroadcastRoom(555, 0, []byte("late"))
	if got := drain(conn); len(got) != 0 {
		t.Errorf("removed connection got %d frames", len(got))
	}
}

func TestJoinRoomIdempotent(t *testing.T) {
	m := NewManager()
	conn := newTestConn(1, 100)
	m.Add(conn)

	m.JoinRoom(1, 555)
	m.JoinRoom(1, 555)
	if m.RoomSize(555) != 1 {
		t.Errorf("RoomSize = %d, want 1", m.RoomSize(555))
	}

	m.BroadcastRoom(555, 0, []byte("once"))
	if got := drain(conn); len(got) != 1 {
		t.Errorf("frames = %d, want exactly 1", len(got))
	}
}

func TestJoinRoomUnknownConnection(t *testing.T) {
	m := NewManager()
	m.JoinRoom(42, 555)
	if m.RoomSize(555) != 0 {
		t.Error("unknown connection must not join a room")
	}
}
