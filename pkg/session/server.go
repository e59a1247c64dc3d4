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

// Package session terminates the persistent node channel. Each connection
// upgrades to a websocket carrying JSON frames; a read loop dispatches
// inbound frames and a write pump drains the session's outbound queue.
package session

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/flotilla-sh/flotilla/pkg/auth"
	"github.com/flotilla-sh/flotilla/pkg/config"
	"github.com/flotilla-sh/flotilla/pkg/errors"
	"github.com/flotilla-sh/flotilla/pkg/events"
	"github.com/flotilla-sh/flotilla/pkg/metrics"
	"github.com/flotilla-sh/flotilla/pkg/registry"
	"github.com/flotilla-sh/flotilla/pkg/session/protocol"
	"github.com/flotilla-sh/flotilla/pkg/store"
)

// Server upgrades authenticated requests into node sessions.
type Server struct {
	store         store.Store
	registry      *registry.Registry
	handlers      *Handlers
	authenticator auth.Authenticator
	recorder      events.Recorder
	config        config.Config
	clock         clock.Clock
	upgrader      websocket.Upgrader
}

func NewServer(s store.Store, reg *registry.Registry, handlers *Handlers,
	authenticator auth.Authenticator, recorder events.Recorder, cfg config.Config, clk clock.Clock) *Server {
	return &Server{
		store:         s,
		registry:      reg,
		handlers:      handlers,
		authenticator: authenticator,
		recorder:      recorder,
		config:        cfg,
		clock:         clk,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// ServeHTTP is mounted at GET /v1alpha1/session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, err := s.authenticator.Authenticate(r.Header.Get("Authorization"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		logging.FromContext(r.Context()).Debugf("websocket upgrade failed, %s", err)
		return
	}
	sess := s.registry.Register(principal)
	metrics.SessionsActive.Inc()
	// The request context dies when this handler returns; the session
	// outlives it.
	ctx := context.WithoutCancel(r.Context())
	go s.writePump(ctx, sess, conn)
	go s.readLoop(ctx, sess, conn)
}

func (s *Server) readLoop(ctx context.Context, sess *registry.Session, conn *websocket.Conn) {
	log := logging.FromContext(ctx).With("session", sess.ID)
	defer s.teardown(ctx, sess, conn)

	// A node that stops heartbeating and stops answering pings is dead to
	// this connection; the health controller decides when it is dead to the
	// cluster.
	readDeadline := 3 * s.config.HeartbeatInterval()
	_ = conn.SetReadDeadline(s.clock.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(s.clock.Now().Add(readDeadline))
	})

	for {
		frame := protocol.Frame{}
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("session read failed, %s", err)
			}
			return
		}
		_ = conn.SetReadDeadline(s.clock.Now().Add(readDeadline))
		s.process(ctx, sess, frame, log)
	}
}

func (s *Server) process(ctx context.Context, sess *registry.Session, frame protocol.Frame, log *zap.SugaredLogger) {
	ctx, cancel := context.WithTimeout(ctx, s.config.FrameDeadline())
	defer cancel()

	resp := s.handlers.Dispatch(ctx, sess, frame)
	if resp == nil {
		metrics.FramesProcessed.WithLabelValues(string(frame.Type), "unknown").Inc()
		log.Infow("ignoring unknown frame type", "type", frame.Type)
		return
	}
	if ctx.Err() != nil {
		metrics.FramesProcessed.WithLabelValues(string(frame.Type), "timeout").Inc()
		resp = errorFrame(resp.Type, frame.CorrelationID,
			errors.New(errors.CodeTimeout, "processing %s exceeded the frame deadline", frame.Type))
	} else {
		metrics.FramesProcessed.WithLabelValues(string(frame.Type), "ok").Inc()
	}
	if err := sess.Send(*resp); err != nil {
		metrics.SendsFailed.Inc()
	}
}

func (s *Server) writePump(ctx context.Context, sess *registry.Session, conn *websocket.Conn) {
	pingPeriod := s.config.HeartbeatInterval()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case frame, ok := <-sess.Outbound():
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
			_ = conn.SetWriteDeadline(s.clock.Now().Add(s.config.FrameDeadline()))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(s.clock.Now().Add(s.config.FrameDeadline()))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sess.Done():
			return
		}
	}
}

// teardown runs when the read loop exits for any reason.
func (s *Server) teardown(ctx context.Context, sess *registry.Session, conn *websocket.Conn) {
	conn.Close()
	metrics.SessionsActive.Dec()
	s.handlers.Disconnect(ctx, sess)
}
