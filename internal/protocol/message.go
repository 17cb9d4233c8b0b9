// Package protocol implements the esm-hmr wire messages.
package protocol

import (
	"encoding/json"
	"fmt"
)

// SubProtocol is the websocket sub-protocol negotiated with the dev server.
const SubProtocol = "esm-hmr"

// MessageType identifies the type of protocol message.
type MessageType string

const (
	// Server -> client
	MsgReload MessageType = "reload"
	MsgError  MessageType = "error"
	MsgUpdate MessageType = "update"

	// Client -> server
	MsgHotAccept MessageType = "hotAccept"
)

// Message is a protocol message. Fields are flat on the wire; which ones are
// populated depends on Type.
type Message struct {
	Type MessageType `json:"type"`

	// update
	URL     string `json:"url,omitempty"`
	Bubbled bool   `json:"bubbled,omitempty"`

	// error
	Title           string `json:"title,omitempty"`
	FileLoc         string `json:"fileLoc,omitempty"`
	ErrorMessage    string `json:"errorMessage,omitempty"`
	ErrorStackTrace string `json:"errorStackTrace,omitempty"`

	// hotAccept
	ID string `json:"id,omitempty"`
}

// UpdateMessage is the payload of an update message.
type UpdateMessage struct {
	URL     string
	Bubbled bool
}

// ErrorMessage is the payload of an error message, also the data object handed
// to the error overlay.
type ErrorMessage struct {
	Title           string `json:"title"`
	FileLoc         string `json:"fileLoc,omitempty"`
	ErrorMessage    string `json:"errorMessage"`
	ErrorStackTrace string `json:"errorStackTrace,omitempty"`
}

// ParseMessage parses a raw JSON frame into a message.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message has no type")
	}
	return &msg, nil
}

// Encode serializes a message to JSON.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// AsUpdate returns the update payload.
func (m *Message) AsUpdate() UpdateMessage {
	return UpdateMessage{URL: m.URL, Bubbled: m.Bubbled}
}

// AsError returns the error payload.
func (m *Message) AsError() ErrorMessage {
	return ErrorMessage{
		Title:           m.Title,
		FileLoc:         m.FileLoc,
		ErrorMessage:    m.ErrorMessage,
		ErrorStackTrace: m.ErrorStackTrace,
	}
}

// NewReload creates a reload message.
func NewReload() *Message {
	return &Message{Type: MsgReload}
}

// NewUpdate creates an update message.
func NewUpdate(url string, bubbled bool) *Message {
	return &Message{Type: MsgUpdate, URL: url, Bubbled: bubbled}
}

// NewError creates an error message.
func NewError(e ErrorMessage) *Message {
	return &Message{
		Type:            MsgError,
		Title:           e.Title,
		FileLoc:         e.FileLoc,
		ErrorMessage:    e.ErrorMessage,
		ErrorStackTrace: e.ErrorStackTrace,
	}
}

// NewHotAccept creates the registration message a module sends the first time
// it accepts updates.
func NewHotAccept(id string) *Message {
	return &Message{Type: MsgHotAccept, ID: id}
}
