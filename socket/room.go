package socket

import (
	"sync"
)

// Room is a relay topic: the peers that joined it and the sequence counter
// stamped on every frame published to it.
type Room struct {
	name  string
	peers map[string]*peer
	seq   uint64
	mu    sync.RWMutex
}

func NewRoom(name string) *Room {
	return &Room{
		name:  name,
		peers: make(map[string]*peer),
	}
}

func (r *Room) addPeer(p *peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.peers[p.id]; exists {
		return false
	}
	r.peers[p.id] = p
	return true
}

func (r *Room) removePeer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

func (r *Room) HasPeer(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.peers[id]
	return exists
}

func (r *Room) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Seq is the sequence number of the last published frame.
func (r *Room) Seq() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seq
}

// publish stamps the next sequence number on f and writes it to every peer.
// Stamping and fan-out share the room lock so peers see frames in seq order.
func (r *Room) publish(f Frame) (uint64, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	seq := r.seq
	f.Seq = &seq

	delivered := 0
	for _, p := range r.peers {
		if err := p.send(f); err == nil {
			delivered++
		}
	}
	return seq, delivered
}

func (r *Room) Name() string {
	return r.name
}

// RoomManager keeps rooms by topic. Rooms survive their last peer so sequence
// numbers keep increasing for clients that rejoin.
type RoomManager struct {
	rooms map[string]*Room
	mu    sync.RWMutex
}

func NewRoomManager() *RoomManager {
	return &RoomManager{
		rooms: make(map[string]*Room),
	}
}

func (rm *RoomManager) GetRoom(name string) *Room {
	rm.mu.RLock()
	room, exists := rm.rooms[name]
	rm.mu.RUnlock()

	if !exists {
		rm.mu.Lock()
		if room, exists = rm.rooms[name]; !exists {
			room = NewRoom(name)
			rm.rooms[name] = room
		}
		rm.mu.Unlock()
	}

	return room
}

func (rm *RoomManager) HasRoom(name string) bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	_, exists := rm.rooms[name]
	return exists
}

func (rm *RoomManager) GetRooms() []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	rooms := make([]string, 0, len(rm.rooms))
	for name := range rm.rooms {
		rooms = append(rooms, name)
	}
	return rooms
}

func (rm *RoomManager) JoinRoom(roomName string, p *peer) bool {
	return rm.GetRoom(roomName).addPeer(p)
}

func (rm *RoomManager) LeaveRoom(roomName string, peerID string) {
	rm.mu.RLock()
	room, exists := rm.rooms[roomName]
	rm.mu.RUnlock()

	if exists {
		room.removePeer(peerID)
	}
}

func (rm *RoomManager) LeaveAllRooms(peerID string) {
	rm.mu.RLock()
	roomsCopy := make([]*Room, 0, len(rm.rooms))
	for _, room := range rm.rooms {
		roomsCopy = append(roomsCopy, room)
	}
	rm.mu.RUnlock()

	for _, room := range roomsCopy {
		room.removePeer(peerID)
	}
}

func (rm *RoomManager) GetPeerRooms(peerID string) []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var peerRooms []string
	for name, room := range rm.rooms {
		if room.HasPeer(peerID) {
			peerRooms = append(peerRooms, name)
		}
	}
	return peerRooms
}

func (rm *RoomManager) Publish(roomName string, f Frame) (uint64, int) {
	return rm.GetRoom(roomName).publish(f)
}
