package plugin

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType 插件输出消息类型
type MessageType string

const (
	MessageRecord MessageType = "RECORD"
	MessageSchema MessageType = "SCHEMA"
	MessageState  MessageType = "STATE"
)

// ErrMalformedMessage 行看起来是控制消息但无法解析
var ErrMalformedMessage = errors.New("malformed control message")

// Message 一条已识别的插件输出消息
type Message struct {
	Type   MessageType
	Stream string
	// Value STATE 消息携带的检查点
	Value json.RawMessage
}

// IsState 是否为状态检查点
func (m *Message) IsState() bool {
	return m != nil && m.Type == MessageState
}

type wireMessage struct {
	Type   string          `json:"type"`
	Stream string          `json:"stream"`
	Value  json.RawMessage `json:"value"`
	State  json.RawMessage `json:"state"`
}

// ParseMessage 解析一行插件输出
//
// 支持两种检查点写法：{"type":"STATE","value":X} 与 {"state":X}。
// 非 JSON 行或未知消息返回 (nil, nil)；形似控制消息却无法解析时返回 ErrMalformedMessage。
func ParseMessage(line []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, nil
	}

	var w wireMessage
	if err := json.Unmarshal(trimmed, &w); err != nil {
		if bytes.Contains(trimmed, []byte(`"type"`)) || bytes.Contains(trimmed, []byte(`"state"`)) {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return nil, nil
	}

	switch MessageType(strings.ToUpper(w.Type)) {
	case MessageState:
		if isAbsent(w.Value) {
			return nil, fmt.Errorf("%w: STATE message without value", ErrMalformedMessage)
		}
		return &Message{Type: MessageState, Value: w.Value}, nil
	case MessageRecord:
		return &Message{Type: MessageRecord, Stream: w.Stream}, nil
	case MessageSchema:
		return &Message{Type: MessageSchema, Stream: w.Stream}, nil
	case "":
		if !isAbsent(w.State) {
			return &Message{Type: MessageState, Value: w.State}, nil
		}
	}
	return nil, nil
}

// LooksLikeState 判断一行（可能被截断的）输出是否为状态消息
//
// 只看顶层键：首先出现 "state" 键，或 "type" 为 STATE。
// 在判断之前遇到无法完整读出的值时返回 false。
func LooksLikeState(prefix []byte) bool {
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimSpace(prefix)))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return false
	}
	for dec.More() {
		key, err := dec.Token()
		if err != nil {
			return false
		}
		switch key {
		case "state":
			return true
		case "type":
			var t string
			if err := dec.Decode(&t); err != nil {
				return false
			}
			if strings.EqualFold(t, string(MessageState)) {
				return true
			}
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return false
			}
		}
	}
	return false
}

func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
