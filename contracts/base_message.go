package contracts

import (
	"reflect"
	"time"

	"github.com/google/uuid"
)

// BaseMessage provides common fields for all message types
type BaseMessage struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
}

// NewBaseMessage creates a new base message with generated ID and current timestamp
func NewBaseMessage(messageType string) BaseMessage {
	return BaseMessage{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      messageType,
	}
}

// GetID returns the message ID
func (m BaseMessage) GetID() string {
	return m.ID
}

// GetTimestamp returns the message timestamp
func (m BaseMessage) GetTimestamp() time.Time {
	return m.Timestamp
}

// GetType returns the message type
func (m BaseMessage) GetType() string {
	return m.Type
}

// BaseRequest provides the correlation and reply-routing fields of a request
type BaseRequest struct {
	BaseMessage
	RequestMessageID string `json:"requestMessageId"`
	ReplyTo          string `json:"replyTo"`
}

// NewBaseRequest creates a request base. An empty requestID is filled in at send time.
func NewBaseRequest(messageType, requestID, replyTo string) BaseRequest {
	return BaseRequest{
		BaseMessage:      NewBaseMessage(messageType),
		RequestMessageID: requestID,
		ReplyTo:          replyTo,
	}
}

// GetRequestMessageID returns the correlation identifier
func (r BaseRequest) GetRequestMessageID() string {
	return r.RequestMessageID
}

// SetRequestMessageID sets the correlation identifier
func (r *BaseRequest) SetRequestMessageID(id string) {
	r.RequestMessageID = id
}

// GetReplyTo returns the reply-to address
func (r BaseRequest) GetReplyTo() string {
	return r.ReplyTo
}

// SetReplyTo sets the reply-to address
func (r *BaseRequest) SetReplyTo(address string) {
	r.ReplyTo = address
}

// BaseResponse provides the correlation field of a response
type BaseResponse struct {
	BaseMessage
	RequestMessageID string `json:"requestMessageId"`
}

// NewBaseResponse creates a response base answering requestID
func NewBaseResponse(messageType, requestID string) BaseResponse {
	return BaseResponse{
		BaseMessage:      NewBaseMessage(messageType),
		RequestMessageID: requestID,
	}
}

// GetRequestMessageID returns the correlation identifier
func (r BaseResponse) GetRequestMessageID() string {
	return r.RequestMessageID
}

// SetRequestMessageID sets the correlation identifier
func (r *BaseResponse) SetRequestMessageID(id string) {
	r.RequestMessageID = id
}

func structName(v interface{}) string {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}
