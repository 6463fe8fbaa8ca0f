package rtsp

import (
	"fmt"
	"sync"

	"github.com/liveedge/rtscore/mediasession"
)

// ServerMediaSessionEntry is one named, streamable media session plus the
// refcount of client sessions currently referencing it, per §4.10's
// teardown-policy pair.
type ServerMediaSessionEntry struct {
	Name     string
	Session  *mediasession.MediaSession
	refCount int
	unlisted bool
}

// LookupCompletion receives the result of an asynchronous
// lookup_server_media_session call.
type LookupCompletion func(entry *ServerMediaSessionEntry, err error)

// MediaRegistry is the server's name -> ServerMediaSession table. Lookup
// takes a completion callback but always completes synchronously. Server
// holds a concrete *MediaRegistry in its Media field, so a type embedding
// MediaRegistry with its own Lookup is not consulted by Server.
type MediaRegistry struct {
	mu      sync.Mutex
	byName  map[string]*ServerMediaSessionEntry
}

func newMediaRegistry() *MediaRegistry {
	return &MediaRegistry{byName: make(map[string]*ServerMediaSessionEntry)}
}

// AddServerMediaSession registers ms under name, replacing the current
// listing if one with the same name already exists.
func (r *MediaRegistry) AddServerMediaSession(name string, ms *mediasession.MediaSession) *ServerMediaSessionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &ServerMediaSessionEntry{Name: name, Session: ms}
	r.byName[name] = e
	return e
}

// Lookup implements lookup_server_media_session(name, completion,
// isFirstLookup). The default synchronous behavior invokes completion
// before returning; isFirstLookup is passed through unused here but is
// part of the contract subclasses may act on (e.g. lazily creating the
// entry only the first time a name is requested).
func (r *MediaRegistry) Lookup(name string, completion LookupCompletion, isFirstLookup bool) {
	r.mu.Lock()
	e, ok := r.byName[name]
	r.mu.Unlock()
	if !ok {
		completion(nil, fmt.Errorf("rtsp: no media session named %q", name))
		return
	}
	completion(e, nil)
}

func (r *MediaRegistry) retain(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byName[name]; ok {
		e.refCount++
	}
}

// release drops one reference to name's entry; if the entry has been
// unlisted (via Remove) and the refcount reaches zero, it is fully deleted.
func (r *MediaRegistry) release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok {
		return
	}
	e.refCount--
	if e.refCount <= 0 && e.unlisted {
		delete(r.byName, name)
	}
}

// Remove implements remove_server_media_session(name): unlisted but active
// sessions keep streaming until their client sessions end; the entry is
// destroyed only once refCount reaches 0.
func (r *MediaRegistry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok {
		return
	}
	e.unlisted = true
	if e.refCount <= 0 {
		delete(r.byName, name)
	}
}

// Delete implements delete_server_media_session(name): the caller must
// close every ClientSession referencing name first (see Server.DeleteMedia,
// which does so), then this unconditionally removes the listing.
func (r *MediaRegistry) Delete(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byName, name)
}
