// Copyright 2024-2026 Aiku AI

package groups

import (
	"errors"
	"fmt"
	"strconv"

	"go.mau.fi/util/ptr"

	"github.com/aiku/waforward/pkg/wanode"
)

// ErrMalformedResponse is returned when a response tree lacks a node the
// operation depends on.
var ErrMalformedResponse = errors.New("groups: malformed response")

// Role is a participant's standing in a group.
type Role string

const (
	RoleMember     Role = "member"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "superadmin"
)

// Participant is one member of a group.
type Participant struct {
	ID   string `cbor:"id" json:"id"`
	Role Role   `cbor:"role" json:"role"`
}

// IsAdmin reports whether the participant can administer the group.
func (p Participant) IsAdmin() bool {
	return p.Role == RoleAdmin || p.Role == RoleSuperAdmin
}

// Metadata is group state reconstructed from a response tree.
type Metadata struct {
	ID               string        `cbor:"id" json:"id"`
	Subject          string        `cbor:"subject" json:"subject"`
	Creation         int64         `cbor:"creation" json:"creation"`
	Owner            *string       `cbor:"owner,omitempty" json:"owner,omitempty"`
	Description      *string       `cbor:"desc,omitempty" json:"description,omitempty"`
	DescriptionID    *string       `cbor:"desc_id,omitempty" json:"description_id,omitempty"`
	Participants     []Participant `cbor:"participants" json:"participants"`
	Restricted       bool          `cbor:"restrict" json:"restricted"`
	AnnounceOnly     bool          `cbor:"announce" json:"announce_only"`
	EphemeralSeconds *int64        `cbor:"ephemeral,omitempty" json:"ephemeral_seconds,omitempty"`
}

// ExtractGroupMetadata parses the single group child of a response.
func ExtractGroupMetadata(result wanode.Node) (Metadata, error) {
	group, ok := result.Child("group")
	if !ok {
		return Metadata{}, fmt.Errorf("%w: no <group> in <%s>", ErrMalformedResponse, result.Tag())
	}
	return parseGroup(group)
}

func parseGroup(group wanode.Node) (Metadata, error) {
	meta := Metadata{
		ID:      wanode.CanonicalGroupID(group.AttrString("id")),
		Subject: group.AttrString("subject"),
		// Presence of the child is the flag; its content is irrelevant.
		Restricted:   group.HasChild("locked"),
		AnnounceOnly: group.HasChild("announcement"),
	}

	if raw, ok := group.Attr("creation"); ok {
		creation, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Metadata{}, fmt.Errorf("%w: invalid creation %q: %v", ErrMalformedResponse, raw, err)
		}
		meta.Creation = creation
	}
	if creator, ok := group.Attr("creator"); ok && creator != "" {
		meta.Owner = ptr.Ptr(wanode.NormalizeUser(creator))
	}

	if desc, ok := group.Child("description"); ok {
		text := ""
		if body, ok := desc.Child("body"); ok {
			if data, ok := body.Content().Bytes(); ok {
				text = string(data)
			}
		}
		meta.Description = ptr.Ptr(text)
		meta.DescriptionID = ptr.Ptr(desc.AttrString("id"))
	}

	for _, p := range group.ChildrenByTag("participant") {
		role := RoleMember
		if typ, ok := p.Attr("type"); ok && typ != "" {
			role = Role(typ)
		}
		meta.Participants = append(meta.Participants, Participant{ID: p.AttrString("jid"), Role: role})
	}

	if eph, ok := group.Child("ephemeral"); ok {
		if raw, ok := eph.Attr("expiration"); ok {
			seconds, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return Metadata{}, fmt.Errorf("%w: invalid ephemeral expiration %q: %v", ErrMalformedResponse, raw, err)
			}
			meta.EphemeralSeconds = ptr.Ptr(seconds)
		}
	}
	return meta, nil
}
