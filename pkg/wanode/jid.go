// Copyright 2024-2026 Aiku AI

package wanode

import (
	"strconv"
	"strings"
)

// Known address servers.
const (
	DefaultUserServer = "s.whatsapp.net"
	LegacyUserServer  = "c.us"
	GroupServer       = "g.us"
	BroadcastServer   = "broadcast"
)

// GroupDomain is the generic group address used for requests that are not
// bound to a specific group (create, accept invite, list participating).
const GroupDomain = "@" + GroupServer

// JID is a parsed platform address of the form user[:device]@server.
type JID struct {
	User   string
	Device uint16
	Server string
}

// ParseJID splits an address into its parts. It returns false when the
// address has no server part.
func ParseJID(s string) (JID, bool) {
	at := strings.LastIndexByte(s, '@')
	if at < 0 {
		return JID{}, false
	}
	jid := JID{User: s[:at], Server: s[at+1:]}
	if colon := strings.IndexByte(jid.User, ':'); colon >= 0 {
		device, err := strconv.ParseUint(jid.User[colon+1:], 10, 16)
		if err == nil {
			jid.Device = uint16(device)
		}
		jid.User = jid.User[:colon]
	}
	return jid, true
}

// String renders the JID back into address form.
func (j JID) String() string {
	if j.Device > 0 {
		return j.User + ":" + strconv.Itoa(int(j.Device)) + "@" + j.Server
	}
	return EncodeJID(j.User, j.Server)
}

// EncodeJID joins a user and a server.
func EncodeJID(user, server string) string {
	return user + "@" + server
}

// NormalizeUser drops the device part of a user address and maps the legacy
// user server to the default one. Unparseable input is returned unchanged.
func NormalizeUser(s string) string {
	jid, ok := ParseJID(s)
	if !ok {
		return s
	}
	server := jid.Server
	if server == LegacyUserServer {
		server = DefaultUserServer
	}
	return EncodeJID(jid.User, server)
}

// CanonicalGroupID returns id unchanged when it already has a server part,
// and appends the group server otherwise.
func CanonicalGroupID(id string) string {
	if strings.Contains(id, "@") {
		return id
	}
	return EncodeJID(id, GroupServer)
}

// IsGroup reports whether the address belongs to a group.
func IsGroup(s string) bool {
	return strings.HasSuffix(s, "@"+GroupServer)
}
