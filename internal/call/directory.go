package call

import (
	"context"
	"sync"
)

// StaticDirectory is an in-memory chat membership table.
type StaticDirectory struct {
	mu    sync.RWMutex
	chats map[string][]string
}

// NewStaticDirectory creates a directory from chat id to member ids.
func NewStaticDirectory(chats map[string][]string) *StaticDirectory {
	d := &StaticDirectory{chats: make(map[string][]string, len(chats))}
	for id, members := range chats {
		d.chats[id] = append([]string(nil), members...)
	}
	return d
}

// Set replaces the members of chatID.
func (d *StaticDirectory) Set(chatID string, members ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chats[chatID] = append([]string(nil), members...)
}

// ResolveOtherParticipant returns the one member of chatID other than self.
// It fails when the chat is unknown, self is not a member, or there is not
// exactly one other member.
func (d *StaticDirectory) ResolveOtherParticipant(_ context.Context, chatID, self string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var other string
	member := false
	for _, m := range d.chats[chatID] {
		switch {
		case m == self:
			member = true
		case other == "" || other == m:
			other = m
		default:
			return "", false
		}
	}
	if !member || other == "" {
		return "", false
	}
	return other, true
}
