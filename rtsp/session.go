package rtsp

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/liveedge/rtscore/mediasession"
	"github.com/liveedge/rtscore/scheduler"
	"github.com/rs/zerolog"
)

// ClientSession is one RTSP SETUP-created client session: the 32-bit
// session id the server hands back, the subsessions it has been SETUP for,
// and the reclamation timer that expires it after reclamation_seconds of
// inactivity, per §4.10.
type ClientSession struct {
	ID uint32

	mu          sync.Mutex
	MediaName   string
	subsessions map[string]*mediasession.MediaSubsession
	playing     bool

	reclamationSeconds int
	sched              *scheduler.Handle
	reclaimToken       scheduler.TaskToken
	onExpire           func(id uint32)

	log zerolog.Logger
}

func newClientSession(id uint32, reclamationSeconds int, sched *scheduler.Handle, onExpire func(id uint32), log zerolog.Logger) *ClientSession {
	cs := &ClientSession{
		ID:                 id,
		subsessions:        make(map[string]*mediasession.MediaSubsession),
		reclamationSeconds: reclamationSeconds,
		sched:              sched,
		onExpire:           onExpire,
		log:                log,
	}
	cs.touch()
	return cs
}

// touch resets the reclamation timer, per §4.10's "a successful request or
// PLAY reset the liveness timer".
func (cs *ClientSession) touch() {
	if cs.reclamationSeconds <= 0 || cs.sched == nil {
		return
	}
	us := int64(cs.reclamationSeconds) * int64(time.Second/time.Microsecond)
	cs.reclaimToken = cs.sched.RescheduleDelayed(cs.reclaimToken, us, func(any) {
		cs.log.Info().Uint32("session", cs.ID).Msg("reclaiming idle rtsp session")
		if cs.onExpire != nil {
			cs.onExpire(cs.ID)
		}
	}, nil)
}

func (cs *ClientSession) cancelReclamation() {
	if cs.sched != nil {
		cs.sched.Unschedule(cs.reclaimToken)
	}
}

func (cs *ClientSession) addSubsession(track string, sub *mediasession.MediaSubsession) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.subsessions[track] = sub
}

func (cs *ClientSession) allSubsessions() []*mediasession.MediaSubsession {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]*mediasession.MediaSubsession, 0, len(cs.subsessions))
	for _, s := range cs.subsessions {
		out = append(out, s)
	}
	return out
}

// Close tears down every subsession this session owns.
func (cs *ClientSession) Close() {
	cs.cancelReclamation()
	for _, sub := range cs.allSubsessions() {
		sub.Close()
	}
}

// sessionTable is the process-wide (per-Server) id -> ClientSession map,
// per §4.10's "a 32-bit id... neither equal to the previous id nor
// currently present in the session table".
type sessionTable struct {
	mu       sync.Mutex
	sessions map[uint32]*ClientSession
	lastID   uint32
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[uint32]*ClientSession)}
}

func (t *sessionTable) generateID() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		id := randomNonzeroUint32()
		if id != t.lastID {
			if _, exists := t.sessions[id]; !exists {
				t.lastID = id
				return id
			}
		}
	}
}

func (t *sessionTable) add(cs *ClientSession) {
	t.mu.Lock()
	t.sessions[cs.ID] = cs
	t.mu.Unlock()
}

func (t *sessionTable) get(id uint32) (*ClientSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs, ok := t.sessions[id]
	return cs, ok
}

func (t *sessionTable) remove(id uint32) (*ClientSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs, ok := t.sessions[id]
	if ok {
		delete(t.sessions, id)
	}
	return cs, ok
}

func randomNonzeroUint32() uint32 {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			continue
		}
		v := binary.BigEndian.Uint32(b[:])
		if v != 0 {
			return v
		}
	}
}
