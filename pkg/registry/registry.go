/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package registry tracks live node sessions. At most one session holds a
// node identity at a time; binding a node to a new session closes the
// previous holder.
package registry

import (
	"sync"

	"github.com/google/uuid"

	"github.com/flotilla-sh/flotilla/pkg/auth"
	"github.com/flotilla-sh/flotilla/pkg/errors"
	"github.com/flotilla-sh/flotilla/pkg/session/protocol"
)

// Session is a live connection. Outbound frames go through a bounded queue
// drained by the connection's write pump; a full queue fails the send
// instead of blocking the caller.
type Session struct {
	ID        string
	Principal auth.Principal

	mu     sync.Mutex
	nodeID string
	out    chan protocol.Frame
	closed bool
	done   chan struct{}
}

// NodeID returns the node currently bound to this session, or empty.
func (s *Session) NodeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeID
}

// Outbound is the queue the write pump drains. It is closed when the
// session closes.
func (s *Session) Outbound() <-chan protocol.Frame {
	return s.out
}

// Done is closed when the session is closed, from either side.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Send enqueues a frame without blocking. A closed session or a full queue
// returns SEND_FAILED.
func (s *Session) Send(frame protocol.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New(errors.CodeSendFailed, "session closed")
	}
	select {
	case s.out <- frame:
		return nil
	default:
		return errors.New(errors.CodeSendFailed, "outbound queue full").
			WithDetails(map[string]string{"sessionId": s.ID})
	}
}

// Close releases the session. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.out)
	close(s.done)
}

// Registry is the in-memory map of live sessions and their node bindings.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	nodes     map[string]string // nodeID -> sessionID
	queueSize int
}

func New(queueSize int) *Registry {
	return &Registry{
		sessions:  map[string]*Session{},
		nodes:     map[string]string{},
		queueSize: queueSize,
	}
}

// Register creates a session for an authenticated connection.
func (r *Registry) Register(principal auth.Principal) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		Principal: principal,
		out:       make(chan protocol.Frame, r.queueSize),
		done:      make(chan struct{}),
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

// Unregister removes the session and returns the node it held, if any, so
// the caller can mark it suspect.
func (r *Registry) Unregister(sessionID string) (nodeID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return ""
	}
	delete(r.sessions, sessionID)
	s.mu.Lock()
	nodeID = s.nodeID
	s.mu.Unlock()
	if nodeID != "" && r.nodes[nodeID] == sessionID {
		delete(r.nodes, nodeID)
	}
	r.mu.Unlock()
	s.Close()
	return nodeID
}

// BindNode gives the session exclusive hold of the node identity. If
// another live session holds the node, that session is closed first.
func (r *Registry) BindNode(sessionID, nodeID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return errors.New(errors.CodeNotFound, "session not found").
			WithDetails(map[string]string{"sessionId": sessionID})
	}
	var evicted *Session
	if prevID, held := r.nodes[nodeID]; held && prevID != sessionID {
		if prev, live := r.sessions[prevID]; live {
			evicted = prev
			delete(r.sessions, prevID)
		}
	}
	r.nodes[nodeID] = sessionID
	s.mu.Lock()
	s.nodeID = nodeID
	s.mu.Unlock()
	r.mu.Unlock()
	if evicted != nil {
		evicted.Close()
	}
	return nil
}

// SessionForNode returns the live session holding the node, if any.
func (r *Registry) SessionForNode(nodeID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessionID, ok := r.nodes[nodeID]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[sessionID]
	return s, ok
}

// SendToNode routes a frame to the session holding the node. A node with no
// live session returns SEND_FAILED so callers can leave work for the next
// reconcile pass.
func (r *Registry) SendToNode(nodeID string, frame protocol.Frame) error {
	s, ok := r.SessionForNode(nodeID)
	if !ok {
		return errors.New(errors.CodeSendFailed, "no live session for node").
			WithDetails(map[string]string{"nodeId": nodeID})
	}
	return s.Send(frame)
}

// SendToSession routes a frame to a session by id.
func (r *Registry) SendToSession(sessionID string, frame protocol.Frame) error {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return errors.New(errors.CodeSendFailed, "no such session").
			WithDetails(map[string]string{"sessionId": sessionID})
	}
	return s.Send(frame)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// BoundNodes returns the node ids with a live session.
func (r *Registry) BoundNodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.nodes))
	for nodeID := range r.nodes {
		out = append(out, nodeID)
	}
	return out
}
