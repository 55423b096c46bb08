package chat

import (
	"encoding/json"
	"fmt"
)

// Message represents a JSON chat component.
type Message struct {
	Text          string    `json:"text"`
	Bold          bool      `json:"bold,omitempty"`
	Italic        bool      `json:"italic,omitempty"`
	Underlined    bool      `json:"underlined,omitempty"`
	Strikethrough bool      `json:"strikethrough,omitempty"`
	Obfuscated    bool      `json:"obfuscated,omitempty"`
	Color         string    `json:"color,omitempty"`
	Extra         []Message `json:"extra,omitempty"`
}

// String serializes the message to JSON.
func (m Message) String() string {
	b, _ := json.Marshal(m)
	return string(b)
}

// Text creates a simple text message.
func Text(text string) Message {
	return Message{Text: text}
}

// Textf creates a simple formatted text message.
func Textf(format string, args ...any) Message {
	return Message{Text: fmt.Sprintf(format, args...)}
}

// Colored creates a colored text message.
func Colored(text, color string) Message {
	return Message{Text: text, Color: color}
}

// Sender formats a player chat line: "<name> content".
func Sender(name, content string) Message {
	return Message{
		Extra: []Message{
			Colored("<"+name+"> ", "white"),
			Text(content),
		},
	}
}
