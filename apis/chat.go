// Copyright 2024-2026 The relay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/habitloop/relay/common"
	"github.com/habitloop/relay/core"
	"github.com/habitloop/relay/messaging"
	"github.com/nats-io/nats.go"
)

// APIRestChatHandler REST handler for the group chat transport
type APIRestChatHandler struct {
	goutils.RestAPIHandler
	service       messaging.ChatService
	natsClient    *core.NatsClient
	upgrader      websocket.Upgrader
	sendBufferLen int
	baseContext   context.Context
	wg            *sync.WaitGroup
}

// GetAPIRestChatHandler define APIRestChatHandler
func GetAPIRestChatHandler(
	baseContext context.Context,
	service messaging.ChatService,
	client *core.NatsClient,
	httpConfig *common.HTTPConfig,
	sendBufferLen int,
	wg *sync.WaitGroup,
) (APIRestChatHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "chat-transport",
	}
	return APIRestChatHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		service:    service,
		natsClient: client,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced upstream at the API gateway
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sendBufferLen: sendBufferLen,
		baseContext:   baseContext,
		wg:            wg,
	}, nil
}

// Write logging support
func (h APIRestChatHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// =======================================================================
// Websocket session

// -----------------------------------------------------------------------

// ServeChatGroup godoc
// @Summary Open a group chat session
// @Description Upgrade to a websocket session subscribed to one group's chat
// @tags Chat
// @Produce json
// @Param Habitloop-Request-ID header string false "User provided request ID to match against logs"
// @Param groupID path string true "Group to subscribe to"
// @Param token query string true "Bearer credential of the connecting user"
// @Success 101 {string} string "switching protocols"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/chat/group/{groupID} [get]
func (h APIRestChatHandler) ServeChatGroup(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	vars := mux.Vars(r)
	groupID, ok := vars["groupID"]
	if !ok {
		msg := "No group ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		if err := h.WriteRESTResponse(
			w,
			http.StatusBadRequest,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg),
			nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}

	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Websocket upgrade failed for group %s", groupID,
		)
		return
	}

	connectionID := uuid.New().String()
	transport := newWSTransport(socket, h.sendBufferLen, localLogTags)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		transport.writePump(h.baseContext)
	}()

	// Session context survives the HTTP handler's request context; teardown
	// is driven by the read loop or service shutdown
	sessionCtxt := h.baseContext

	if _, err := h.service.Connect(
		sessionCtxt, connectionID, groupID, transport, token,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Infof(
			"Session for group %s rejected", groupID,
		)
		return
	}

	log.WithFields(localLogTags).Infof(
		"Opened chat session %s on group %s", connectionID, groupID,
	)
	h.readPump(sessionCtxt, connectionID, socket)
}

// readPump feed inbound frames into the chat service until the socket dies
func (h APIRestChatHandler) readPump(
	ctxt context.Context, connectionID string, socket *websocket.Conn,
) {
	localLogTags := h.GetLogTagsForContext(ctxt)
	for {
		msgType, raw, err := socket.ReadMessage()
		if err != nil {
			reason := messaging.ReasonTransportError
			if websocket.IsCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				reason = messaging.ReasonClientClose
			}
			if discErr := h.service.Disconnect(ctxt, connectionID, reason); discErr != nil {
				log.WithError(discErr).WithFields(localLogTags).Errorf(
					"Teardown of session %s failed", connectionID,
				)
			}
			log.WithFields(localLogTags).Infof(
				"Closed chat session %s: %s", connectionID, reason,
			)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		h.service.HandleFrame(ctxt, connectionID, raw)
	}
}

// ServeChatGroupHandler Wrapper around ServeChatGroup
func (h APIRestChatHandler) ServeChatGroupHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ServeChatGroup(w, r)
	}
}

// =======================================================================
// Service stats

// -----------------------------------------------------------------------

// ChatStatsResponse response of the service stats endpoint
type ChatStatsResponse struct {
	goutils.RestAPIBaseResponse
	// Stats the combined operational summary
	Stats messaging.ChatServiceStats `json:"stats"`
}

// GetStats godoc
// @Summary Query chat transport stats
// @Description Query the operational summary of this chat transport instance
// @tags Chat
// @Produce json
// @Param Habitloop-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} ChatStatsResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Habitloop-Request-ID "Request ID to match against logs"
// @Router /v1/chat/stats [get]
func (h APIRestChatHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := ChatStatsResponse{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Stats: h.service.Stats(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, &resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetStatsHandler Wrapper around GetStats
func (h APIRestChatHandler) GetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetStats(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For chat REST API liveness check
// @Description Will return success to indicate chat REST API module is live
// @tags Chat
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/chat/alive [get]
func (h APIRestChatHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestChatHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For chat REST API readiness check
// @Description Will return success if chat REST API module is ready for use
// @tags Chat
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/chat/ready [get]
func (h APIRestChatHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.natsClient.NATs().Status() == nats.CONNECTED {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestChatHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// =======================================================================
// Websocket transport

// wsTransport messaging.MessageTransport over one websocket. Outbound frames
// go through a buffered channel serviced by a single writer goroutine; a full
// buffer fails the send instead of blocking the caller.
type wsTransport struct {
	socket   *websocket.Conn
	outbound chan messaging.Frame
	stop     chan struct{}
	closed   sync.Once
	// writeLock serializes socket writes between the pump and Close
	writeLock sync.Mutex
	logTags   log.Fields
}

// newWSTransport define a websocket transport
func newWSTransport(socket *websocket.Conn, bufferLen int, logTags log.Fields) *wsTransport {
	return &wsTransport{
		socket:   socket,
		outbound: make(chan messaging.Frame, bufferLen),
		stop:     make(chan struct{}),
		logTags:  logTags,
	}
}

// SendFrame queue one frame for transmission without blocking
func (t *wsTransport) SendFrame(frame messaging.Frame) error {
	select {
	case <-t.stop:
		return fmt.Errorf("transport already closed")
	default:
	}
	select {
	case t.outbound <- frame:
		return nil
	default:
		return fmt.Errorf("outbound buffer full")
	}
}

// Close close the underlying socket with a reason. Idempotent. Frames still
// queued at close time are flushed first so a rejection's error frame reaches
// the client before the close handshake.
func (t *wsTransport) Close(code int, reason string) error {
	var result error
	t.closed.Do(func() {
		close(t.stop)
		t.writeLock.Lock()
		defer t.writeLock.Unlock()
	drain:
		for {
			select {
			case frame := <-t.outbound:
				if err := t.socket.WriteJSON(&frame); err != nil {
					break drain
				}
			default:
				break drain
			}
		}
		if code == 0 {
			code = websocket.CloseNormalClosure
		}
		deadline := time.Now().Add(time.Second)
		_ = t.socket.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			deadline,
		)
		result = t.socket.Close()
	})
	return result
}

// writePump drain the outbound buffer onto the socket
func (t *wsTransport) writePump(ctxt context.Context) {
	for {
		select {
		case frame := <-t.outbound:
			t.writeLock.Lock()
			err := t.socket.WriteJSON(&frame)
			t.writeLock.Unlock()
			if err != nil {
				log.WithError(err).WithFields(t.logTags).Debugf(
					"Socket write of %s failed", frame.String(),
				)
				return
			}
		case <-t.stop:
			return
		case <-ctxt.Done():
			return
		}
	}
}
