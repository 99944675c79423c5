package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// FrameType tag for one wire frame variant. The set is closed; the router
// rejects anything outside of it.
type FrameType string

// Client originated frame types
const (
	FrameTypeSendMessage   = FrameType("send_message")
	FrameTypeEditMessage   = FrameType("edit_message")
	FrameTypeDeleteMessage = FrameType("delete_message")
	FrameTypeAddReaction   = FrameType("add_reaction")
	FrameTypeMarkRead      = FrameType("mark_read")
	FrameTypeTypingStart   = FrameType("typing_start")
	FrameTypeTypingStop    = FrameType("typing_stop")
	FrameTypeJoinThread    = FrameType("join_thread")
	FrameTypeLeaveThread   = FrameType("leave_thread")
	FrameTypePing          = FrameType("ping")
)

// Server originated frame types
const (
	FrameTypeMessage               = FrameType("message")
	FrameTypeMessageUpdated        = FrameType("message_updated")
	FrameTypeMessageDeleted        = FrameType("message_deleted")
	FrameTypeMessageReaction       = FrameType("message_reaction")
	FrameTypeMessageRead           = FrameType("message_read")
	FrameTypeUserJoined            = FrameType("user_joined")
	FrameTypeUserLeft              = FrameType("user_left")
	FrameTypeError                 = FrameType("error")
	FrameTypePong                  = FrameType("pong")
	FrameTypeConnectionEstablished = FrameType("connection_established")
)

// clientFrameTypes the closed set of frame types a client may send
var clientFrameTypes = map[FrameType]bool{
	FrameTypeSendMessage:   true,
	FrameTypeEditMessage:   true,
	FrameTypeDeleteMessage: true,
	FrameTypeAddReaction:   true,
	FrameTypeMarkRead:      true,
	FrameTypeTypingStart:   true,
	FrameTypeTypingStop:    true,
	FrameTypeJoinThread:    true,
	FrameTypeLeaveThread:   true,
	FrameTypePing:          true,
}

// Frame the wire envelope. One frame per client initiated action.
type Frame struct {
	// Type is the frame variant tag
	Type FrameType `json:"type" validate:"required"`
	// GroupID is the target group
	GroupID string `json:"group_id,omitempty"`
	// Data is the variant specific payload
	Data json.RawMessage `json:"data,omitempty"`
	// Timestamp is when the frame was generated
	Timestamp time.Time `json:"timestamp"`
	// MessageID is the optional client supplied correlation ID
	MessageID string `json:"message_id,omitempty"`
}

// String toString function
func (f Frame) String() string {
	return fmt.Sprintf("FRAME[%s@%s]", f.Type, f.GroupID)
}

// ========================================================================================
// Client frame payloads

// SendMessageRequest payload of a send_message frame
type SendMessageRequest struct {
	Content  string `json:"content" validate:"required"`
	ThreadID string `json:"thread_id,omitempty"`
}

// EditMessageRequest payload of an edit_message frame
type EditMessageRequest struct {
	MessageID string `json:"message_id" validate:"required"`
	Content   string `json:"content" validate:"required"`
}

// DeleteMessageRequest payload of a delete_message frame
type DeleteMessageRequest struct {
	MessageID string `json:"message_id" validate:"required"`
}

// AddReactionRequest payload of an add_reaction frame
type AddReactionRequest struct {
	MessageID string `json:"message_id" validate:"required"`
	Reaction  string `json:"reaction" validate:"required"`
}

// MarkReadRequest payload of a mark_read frame
type MarkReadRequest struct {
	MessageID string `json:"message_id" validate:"required"`
}

// ThreadRequest payload of join_thread and leave_thread frames
type ThreadRequest struct {
	ThreadID string `json:"thread_id" validate:"required"`
}

// TypingIndication payload of typing_start and typing_stop frames
type TypingIndication struct {
	ThreadID string `json:"thread_id,omitempty"`
}

// ========================================================================================
// Error reporting

// ErrorCode structured error reason carried in error frames and close reasons
type ErrorCode string

// The error taxonomy
const (
	ErrCodeAuthenticationFailed    = ErrorCode("authentication_failed")
	ErrCodeAccessDenied            = ErrorCode("access_denied")
	ErrCodeValidationError         = ErrorCode("validation_error")
	ErrCodeUnknownMessageType      = ErrorCode("unknown_message_type")
	ErrCodeRateLimitExceeded       = ErrorCode("rate_limit_exceeded")
	ErrCodeConnectionLimitExceeded = ErrorCode("connection_limit_exceeded")
	ErrCodeRoutingFailure          = ErrorCode("routing_failure")
)

// Disconnect reasons used when tearing down a connection
const (
	ReasonClientClose      = "client_close"
	ReasonTransportError   = "transport_error"
	ReasonSendFailure      = "send_failure"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonServerShutdown   = "server_shutdown"
)

// ErrorDetail payload of an error frame
type ErrorDetail struct {
	Code    ErrorCode `json:"code" validate:"required"`
	Message string    `json:"message,omitempty"`
}

// NewErrorFrame define an error frame for one connection. correlID ties the
// error back to the offending client frame when the client supplied one.
func NewErrorFrame(groupID string, code ErrorCode, message string, correlID string) Frame {
	detail, _ := json.Marshal(&ErrorDetail{Code: code, Message: message})
	return Frame{
		Type:      FrameTypeError,
		GroupID:   groupID,
		Data:      detail,
		Timestamp: time.Now().UTC(),
		MessageID: correlID,
	}
}

// NewServerFrame define a server originated frame carrying a JSON payload
func NewServerFrame(
	frameType FrameType, groupID string, payload interface{}, correlID string,
) (Frame, error) {
	var data json.RawMessage
	if payload != nil {
		serialized, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, err
		}
		data = serialized
	}
	return Frame{
		Type:      frameType,
		GroupID:   groupID,
		Data:      data,
		Timestamp: time.Now().UTC(),
		MessageID: correlID,
	}, nil
}

// ========================================================================================
// Frame parsing

// ParseClientFrame decode raw bytes into a client frame. A decode failure is a
// validation error; a frame type outside the closed client set is reported
// separately so the router can reply with unknown_message_type.
func ParseClientFrame(raw []byte, validate *validator.Validate) (Frame, ErrorCode, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, ErrCodeValidationError, err
	}
	if err := validate.Struct(&frame); err != nil {
		return Frame{}, ErrCodeValidationError, err
	}
	if !clientFrameTypes[frame.Type] {
		return frame, ErrCodeUnknownMessageType, fmt.Errorf(
			"frame type '%s' is not accepted from clients", frame.Type,
		)
	}
	return frame, "", nil
}

// parseFramePayload decode and validate the variant specific payload
func parseFramePayload(
	frame Frame, target interface{}, validate *validator.Validate,
) error {
	if len(frame.Data) == 0 {
		return fmt.Errorf("frame %s carries no payload", frame.String())
	}
	if err := json.Unmarshal(frame.Data, target); err != nil {
		return err
	}
	return validate.Struct(target)
}
