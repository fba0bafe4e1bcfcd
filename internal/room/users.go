package room

import "sync"

type userKey struct {
	room string
	name string
}

// Users resolves inbound traffic to session state without carrying room
// context on every message: one mapping by transport connection id, one by
// (room, name). Both mappings are updated under a single lock so they always
// agree on membership.
//
// Names are room-scoped; the same name in two rooms never collides here.
type Users struct {
	mu     sync.Mutex
	byConn map[string]*ParticipantSession
	byName map[userKey]*ParticipantSession
}

func NewUsers() *Users {
	return &Users{
		byConn: make(map[string]*ParticipantSession),
		byName: make(map[userKey]*ParticipantSession),
	}
}

func (u *Users) register(sess *ParticipantSession) {
	u.mu.Lock()
	u.byConn[sess.transport.ConnectionID()] = sess
	u.byName[userKey{room: sess.roomName, name: sess.name}] = sess
	u.mu.Unlock()
}

// unregister removes sess from both mappings. It is a no-op if the entries
// now belong to a different session (e.g. a replace-policy rejoin won the
// name while this session was closing).
func (u *Users) unregister(sess *ParticipantSession) {
	u.mu.Lock()
	connID := sess.transport.ConnectionID()
	if cur, ok := u.byConn[connID]; ok && cur == sess {
		delete(u.byConn, connID)
	}
	k := userKey{room: sess.roomName, name: sess.name}
	if cur, ok := u.byName[k]; ok && cur == sess {
		delete(u.byName, k)
	}
	u.mu.Unlock()
}

// ByConnection returns the session bound to a transport connection id.
func (u *Users) ByConnection(connID string) (*ParticipantSession, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	sess, ok := u.byConn[connID]
	return sess, ok
}

// ByName returns the session for name within roomName.
func (u *Users) ByName(roomName, name string) (*ParticipantSession, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	sess, ok := u.byName[userKey{room: roomName, name: name}]
	return sess, ok
}

// Count returns the number of registered sessions.
func (u *Users) Count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.byConn)
}
