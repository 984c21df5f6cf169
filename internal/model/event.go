package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Channel 事件总线上的逻辑主题，仅作为订阅键存在，不持久化
type Channel string

const (
	ChannelNewQuestion     Channel = "new_question"
	ChannelNewAnswer       Channel = "new_answer"
	ChannelQuestionUpdated Channel = "question_updated"
	ChannelUserOnline      Channel = "user_online"
	ChannelUserOffline     Channel = "user_offline"
)

// Channels lists every known channel.
var Channels = []Channel{
	ChannelNewQuestion,
	ChannelNewAnswer,
	ChannelQuestionUpdated,
	ChannelUserOnline,
	ChannelUserOffline,
}

func (c Channel) Valid() bool {
	for _, known := range Channels {
		if c == known {
			return true
		}
	}
	return false
}

var ErrUnknownChannel = errors.New("unknown channel")

// Payload is implemented by the typed event bodies below. Subscribers switch on
// the concrete type instead of inspecting untyped maps.
type Payload interface {
	channels() []Channel
}

// QuestionPayload is the body of new_question and question_updated.
type QuestionPayload struct {
	Question
}

func (QuestionPayload) channels() []Channel {
	return []Channel{ChannelNewQuestion, ChannelQuestionUpdated}
}

// AnswerPayload is the body of new_answer.
type AnswerPayload struct {
	Answer   Answer      `json:"answer"`
	Question QuestionRef `json:"question"`
}

func (AnswerPayload) channels() []Channel { return []Channel{ChannelNewAnswer} }

// QuestionRef 回答事件中携带的问题摘要
type QuestionRef struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	AuthorID string `json:"authorId"`
}

// PresencePayload is the body of user_online and user_offline.
type PresencePayload struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId,omitempty"`
}

func (PresencePayload) channels() []Channel {
	return []Channel{ChannelUserOnline, ChannelUserOffline}
}

// Event 不可变事件信封。TargetUserID 非空时只投递给该用户的连接，
// 过滤由消费方（网关连接）执行，总线本身不做按用户寻址。
type Event struct {
	Type         Channel         `json:"type"`
	Data         json.RawMessage `json:"data,omitempty"`
	Timestamp    int64           `json:"timestamp"`
	TargetUserID string          `json:"targetUserId,omitempty"`

	Payload Payload `json:"-"`
}

// NewEvent builds an envelope for payload on channel, stamped with now.
func NewEvent(channel Channel, payload Payload, targetUserID string) (Event, error) {
	if !accepts(payload, channel) {
		return Event{}, fmt.Errorf("%w: %T cannot be published on %q", ErrUnknownChannel, payload, channel)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", channel, err)
	}
	return Event{
		Type:         channel,
		Data:         data,
		Timestamp:    time.Now().UnixMilli(),
		TargetUserID: targetUserID,
		Payload:      payload,
	}, nil
}

func accepts(payload Payload, channel Channel) bool {
	if payload == nil {
		return false
	}
	for _, c := range payload.channels() {
		if c == channel {
			return true
		}
	}
	return false
}

// DeliverableTo reports whether the event may be forwarded to a connection of userID.
func (e Event) DeliverableTo(userID string) bool {
	return e.TargetUserID == "" || e.TargetUserID == userID
}

// Encode returns the wire form of the envelope.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses a wire envelope and its typed payload. Unknown channels and
// data that does not match the channel's payload shape are rejected.
func DecodeEvent(raw []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return Event{}, fmt.Errorf("decode envelope: %w", err)
	}

	var payload Payload
	switch evt.Type {
	case ChannelNewQuestion, ChannelQuestionUpdated:
		var p QuestionPayload
		if err := decodeData(evt.Data, &p); err != nil {
			return Event{}, err
		}
		if p.ID == "" {
			return Event{}, fmt.Errorf("decode %s: question id missing", evt.Type)
		}
		payload = p
	case ChannelNewAnswer:
		var p AnswerPayload
		if err := decodeData(evt.Data, &p); err != nil {
			return Event{}, err
		}
		if p.Answer.ID == "" || p.Question.ID == "" {
			return Event{}, fmt.Errorf("decode %s: answer or question id missing", evt.Type)
		}
		payload = p
	case ChannelUserOnline, ChannelUserOffline:
		var p PresencePayload
		if err := decodeData(evt.Data, &p); err != nil {
			return Event{}, err
		}
		if p.UserID == "" {
			return Event{}, fmt.Errorf("decode %s: user id missing", evt.Type)
		}
		payload = p
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownChannel, evt.Type)
	}
	evt.Payload = payload
	return evt, nil
}

func decodeData(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return errors.New("decode payload: empty data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
