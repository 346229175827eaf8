// Copyright 2024-2026 Aiku AI

// Package mirror keeps an in-process copy of the remote conversation state of
// one session: chats, contacts, groups and the most recent messages.
package mirror

import (
	"sort"
	"sync"

	"github.com/aiku/waforward/pkg/groups"
	"github.com/aiku/waforward/pkg/transport"
	"github.com/aiku/waforward/pkg/wanode"
)

// DefaultMessageLimit is how many messages are kept per chat.
const DefaultMessageLimit = 50

// SnapshotVersion is bumped when the snapshot layout changes incompatibly.
const SnapshotVersion = 1

// StoredMessage is the retained summary of one message.
type StoredMessage struct {
	Key       transport.MessageKey  `cbor:"key"`
	Timestamp int64                 `cbor:"ts,omitempty"`
	PushName  string                `cbor:"push_name,omitempty"`
	Kind      transport.PayloadKind `cbor:"kind,omitempty"`
	Text      string                `cbor:"text,omitempty"`
}

// Snapshot is the serializable state of a Mirror.
type Snapshot struct {
	Version  int                        `cbor:"version"`
	Chats    []transport.Chat           `cbor:"chats,omitempty"`
	Contacts []transport.Contact        `cbor:"contacts,omitempty"`
	Groups   []groups.Metadata          `cbor:"groups,omitempty"`
	Messages map[string][]StoredMessage `cbor:"messages,omitempty"`
}

// Mirror is safe for concurrent use. Writers are the session's event loop
// and group sync; readers are the snapshot task, the dispatcher and the admin
// API.
type Mirror struct {
	limit int

	mu       sync.RWMutex
	chats    map[string]transport.Chat
	contacts map[string]transport.Contact
	groups   map[string]groups.Metadata
	messages map[string][]StoredMessage
}

// New returns an empty mirror keeping limit messages per chat. A limit of
// zero or less uses DefaultMessageLimit.
func New(limit int) *Mirror {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	return &Mirror{
		limit:    limit,
		chats:    make(map[string]transport.Chat),
		contacts: make(map[string]transport.Contact),
		groups:   make(map[string]groups.Metadata),
		messages: make(map[string][]StoredMessage),
	}
}

// Apply folds one transport event into the mirror. Events the mirror does
// not track are ignored.
func (m *Mirror) Apply(evt transport.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch evt := evt.(type) {
	case *transport.ChatsSet:
		m.chats = make(map[string]transport.Chat, len(evt.Chats))
		for _, chat := range evt.Chats {
			m.upsertChat(chat)
		}
	case *transport.ChatsUpsert:
		for _, chat := range evt.Chats {
			m.upsertChat(chat)
		}
	case *transport.ContactsUpsert:
		for _, contact := range evt.Contacts {
			existing := m.contacts[contact.ID]
			if contact.Name == "" {
				contact.Name = existing.Name
			}
			if contact.Notify == "" {
				contact.Notify = existing.Notify
			}
			m.contacts[contact.ID] = contact
		}
	case *transport.MessagesUpsert:
		for _, msg := range evt.Messages {
			m.addMessage(msg, evt.Type)
		}
	}
}

func (m *Mirror) upsertChat(chat transport.Chat) {
	existing, ok := m.chats[chat.ID]
	if ok {
		if chat.Name == "" {
			chat.Name = existing.Name
		}
		if chat.ConversationTimestamp < existing.ConversationTimestamp {
			chat.ConversationTimestamp = existing.ConversationTimestamp
		}
	}
	m.chats[chat.ID] = chat
}

func (m *Mirror) addMessage(msg transport.Message, typ transport.UpsertType) {
	chatID := msg.Key.RemoteJID
	if chatID == "" {
		return
	}
	stored := StoredMessage{
		Key:       msg.Key,
		Timestamp: msg.Timestamp,
		PushName:  msg.PushName,
	}
	if msg.Payload != nil {
		stored.Kind = msg.Payload.Kind()
		stored.Text, _ = transport.PlainText(msg.Payload)
	}

	list := m.messages[chatID]
	replaced := false
	for i := range list {
		if list[i].Key.ID == msg.Key.ID && list[i].Key.FromMe == msg.Key.FromMe {
			list[i] = stored
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, stored)
		sort.SliceStable(list, func(i, j int) bool { return list[i].Timestamp < list[j].Timestamp })
		if len(list) > m.limit {
			list = append([]StoredMessage(nil), list[len(list)-m.limit:]...)
		}
	}
	m.messages[chatID] = list

	chat, ok := m.chats[chatID]
	if !ok {
		chat = transport.Chat{ID: chatID}
		if !wanode.IsGroup(chatID) && !msg.Key.FromMe {
			chat.Name = msg.PushName
		}
	}
	if msg.Timestamp > chat.ConversationTimestamp {
		chat.ConversationTimestamp = msg.Timestamp
	}
	if typ == transport.UpsertNotify && !msg.Key.FromMe && !replaced {
		chat.UnreadCount++
	}
	m.chats[chatID] = chat
}

// SetGroups replaces the known group metadata. Group chats take the group
// subject as their name.
func (m *Mirror) SetGroups(all map[string]groups.Metadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups = make(map[string]groups.Metadata, len(all))
	for id, meta := range all {
		m.putGroup(id, meta)
	}
}

// PutGroup adds or replaces one group.
func (m *Mirror) PutGroup(meta groups.Metadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putGroup(meta.ID, meta)
}

func (m *Mirror) putGroup(id string, meta groups.Metadata) {
	m.groups[id] = meta
	chat := m.chats[id]
	chat.ID = id
	if meta.Subject != "" {
		chat.Name = meta.Subject
	}
	if chat.ConversationTimestamp == 0 {
		chat.ConversationTimestamp = meta.Creation
	}
	m.chats[id] = chat
}

// Group returns the metadata of a known group.
func (m *Mirror) Group(id string) (groups.Metadata, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.groups[id]
	return meta, ok
}

// Groups returns all known groups sorted by id.
func (m *Mirror) Groups() []groups.Metadata {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]groups.Metadata, 0, len(m.groups))
	for _, meta := range m.groups {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Chats returns all chats, most recently active first.
func (m *Mirror) Chats() []transport.Chat {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedChats(func(transport.Chat) bool { return true })
}

// ChatsNamed returns every chat whose name is exactly name.
func (m *Mirror) ChatsNamed(name string) []transport.Chat {
	if name == "" {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedChats(func(c transport.Chat) bool { return c.Name == name })
}

func (m *Mirror) sortedChats(keep func(transport.Chat) bool) []transport.Chat {
	out := make([]transport.Chat, 0, len(m.chats))
	for _, chat := range m.chats {
		if keep(chat) {
			out = append(out, chat)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConversationTimestamp != out[j].ConversationTimestamp {
			return out[i].ConversationTimestamp > out[j].ConversationTimestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Contact returns a known contact.
func (m *Mirror) Contact(id string) (transport.Contact, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contacts[id]
	return c, ok
}

// Messages returns the retained messages of a chat, oldest first.
func (m *Mirror) Messages(chatID string) []StoredMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.messages[chatID]
	cp := make([]StoredMessage, len(list))
	copy(cp, list)
	return cp
}

// LookupMessage returns the text of a retained message. It has the shape of
// transport.MessageLookup.
func (m *Mirror) LookupMessage(key transport.MessageKey) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, msg := range m.messages[key.RemoteJID] {
		if msg.Key.ID == key.ID {
			return msg.Text, msg.Text != ""
		}
	}
	return "", false
}

// Snapshot returns a deep copy of the mirror state.
func (m *Mirror) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// Empty collections stay nil so a snapshot survives an encode/decode
	// cycle unchanged.
	snap := Snapshot{Version: SnapshotVersion}
	if len(m.messages) > 0 {
		snap.Messages = make(map[string][]StoredMessage, len(m.messages))
	}
	for _, chat := range m.chats {
		snap.Chats = append(snap.Chats, chat)
	}
	for _, contact := range m.contacts {
		snap.Contacts = append(snap.Contacts, contact)
	}
	for _, meta := range m.groups {
		snap.Groups = append(snap.Groups, meta)
	}
	for id, list := range m.messages {
		snap.Messages[id] = append([]StoredMessage(nil), list...)
	}
	sort.Slice(snap.Chats, func(i, j int) bool { return snap.Chats[i].ID < snap.Chats[j].ID })
	sort.Slice(snap.Contacts, func(i, j int) bool { return snap.Contacts[i].ID < snap.Contacts[j].ID })
	sort.Slice(snap.Groups, func(i, j int) bool { return snap.Groups[i].ID < snap.Groups[j].ID })
	return snap
}

// Restore replaces the mirror state with a snapshot.
func (m *Mirror) Restore(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats = make(map[string]transport.Chat, len(snap.Chats))
	m.contacts = make(map[string]transport.Contact, len(snap.Contacts))
	m.groups = make(map[string]groups.Metadata, len(snap.Groups))
	m.messages = make(map[string][]StoredMessage, len(snap.Messages))
	for _, chat := range snap.Chats {
		m.chats[chat.ID] = chat
	}
	for _, contact := range snap.Contacts {
		m.contacts[contact.ID] = contact
	}
	for _, meta := range snap.Groups {
		m.groups[meta.ID] = meta
	}
	for id, list := range snap.Messages {
		if len(list) > m.limit {
			list = list[len(list)-m.limit:]
		}
		m.messages[id] = append([]StoredMessage(nil), list...)
	}
}

// Stats summarizes the mirror for logging.
type Stats struct {
	Chats    int `json:"chats"`
	Contacts int `json:"contacts"`
	Groups   int `json:"groups"`
	Messages int `json:"messages"`
}

func (m *Mirror) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{Chats: len(m.chats), Contacts: len(m.contacts), Groups: len(m.groups)}
	for _, list := range m.messages {
		s.Messages += len(list)
	}
	return s
}
