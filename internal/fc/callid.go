package fc

import (
	"crypto/rand"
	"encoding/hex"
)

// NewCallID generates a tool call id in the OpenAI shape: "call_" followed
// by 24 lowercase hex characters.
func NewCallID() string {
	var buf [12]byte
	_, _ = rand.Read(buf[:])
	return "call_" + hex.EncodeToString(buf[:])
}

// CallManager aligns generated call ids with their name and arguments so a
// later tool-result message can be matched to the call it answers. Scope is
// a single request; no locking needed.
type CallManager struct {
	calls map[string]callRecord
	order []string
}

type callRecord struct {
	name string
	args string
}

// NewCallManager creates an empty manager.
func NewCallManager() *CallManager {
	return &CallManager{calls: make(map[string]callRecord)}
}

// Register assigns a fresh id to a parsed call and records it.
func (m *CallManager) Register(name, arguments string) string {
	id := NewCallID()
	m.calls[id] = callRecord{name: name, args: arguments}
	m.order = append(m.order, id)
	return id
}

// Lookup resolves an id back to its name and arguments.
func (m *CallManager) Lookup(id string) (name, arguments string, ok bool) {
	record, ok := m.calls[id]
	return record.name, record.args, ok
}
