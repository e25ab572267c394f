// Package channels maps domain entities to broker channel names.
//
// Publishers and subscribers compute names independently, so every function
// here is a pure function of the identifier it is given.
package channels

import "strings"

// Class is the entity class encoded in a channel name's prefix.
type Class string

const (
	ClassUser         Class = "user"
	ClassConversation Class = "conversation"
	ClassTyping       Class = "typing"
	ClassPresence     Class = "presence"
)

const separator = ":"

var classes = []Class{ClassUser, ClassConversation, ClassTyping, ClassPresence}

// User is the personal channel of a user.
func User(userID string) string { return name(ClassUser, userID) }

// Conversation carries message events of a conversation.
func Conversation(conversationID string) string { return name(ClassConversation, conversationID) }

// Typing carries typing indicators of a conversation.
func Typing(conversationID string) string { return name(ClassTyping, conversationID) }

// Presence carries online/offline events of a conversation.
func Presence(conversationID string) string { return name(ClassPresence, conversationID) }

func name(class Class, id string) string {
	return string(class) + separator + id
}

// Parse splits a channel name into its class and entity id. ok is false for
// names without a known prefix.
func Parse(channel string) (class Class, id string, ok bool) {
	prefix, rest, found := strings.Cut(channel, separator)
	if !found {
		return "", "", false
	}
	for _, c := range classes {
		if string(c) == prefix {
			return c, rest, true
		}
	}
	return "", "", false
}

// Patterns returns glob patterns covering every channel class, for backends
// that subscribe by pattern.
func Patterns() []string {
	patterns := make([]string, 0, len(classes))
	for _, c := range classes {
		patterns = append(patterns, string(c)+separator+"*")
	}
	return patterns
}

// ConversationScoped reports whether the class belongs to a conversation.
func (c Class) ConversationScoped() bool {
	return c == ClassConversation || c == ClassTyping || c == ClassPresence
}
