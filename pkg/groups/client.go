// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package groups issues group-management requests over the binary-tree
// protocol and parses the responses into typed metadata.
package groups

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"go.mau.fi/util/random"

	"github.com/aiku/waforward/pkg/metrics"
	"github.com/aiku/waforward/pkg/wanode"
)

// Querier performs one request/response round trip. Correlation, timeouts
// and wire encoding are the implementation's concern.
type Querier interface {
	Query(ctx context.Context, req wanode.Node) (wanode.Node, error)
}

// Mode is the iq type of a group query.
type Mode string

const (
	ModeGet Mode = "get"
	ModeSet Mode = "set"
)

// Namespace is the xmlns of every group query.
const Namespace = "w:g2"

// ParticipantAction is a membership change applied by UpdateParticipants.
type ParticipantAction string

const (
	ActionAdd     ParticipantAction = "add"
	ActionRemove  ParticipantAction = "remove"
	ActionPromote ParticipantAction = "promote"
	ActionDemote  ParticipantAction = "demote"
)

func (a ParticipantAction) valid() bool {
	switch a {
	case ActionAdd, ActionRemove, ActionPromote, ActionDemote:
		return true
	}
	return false
}

// Setting is a group-wide toggle applied by UpdateSetting.
type Setting string

const (
	SettingAnnouncement    Setting = "announcement"
	SettingNotAnnouncement Setting = "not_announcement"
	SettingLocked          Setting = "locked"
	SettingUnlocked        Setting = "unlocked"
)

func (s Setting) valid() bool {
	switch s {
	case SettingAnnouncement, SettingNotAnnouncement, SettingLocked, SettingUnlocked:
		return true
	}
	return false
}

// InviteMessage is the payload of a v4 group invite received in a chat.
type InviteMessage struct {
	GroupJID         string
	InviteCode       string
	InviteExpiration int64
}

// Client issues group queries through a Querier.
type Client struct {
	querier Querier
	log     zerolog.Logger

	// newID generates idempotency keys and description ids.
	newID func() string
}

// NewClient wraps a live transport handle.
func NewClient(querier Querier, log zerolog.Logger) *Client {
	return &Client{
		querier: querier,
		log:     log.With().Str("component", "groups").Logger(),
		newID:   GenerateMessageID,
	}
}

// GenerateMessageID returns a random id in the platform's message id format.
func GenerateMessageID() string {
	return "3EB0" + strings.ToUpper(hex.EncodeToString(random.Bytes(8)))
}

// BuildQuery renders a group query as an iq request tree.
func BuildQuery(target string, mode Mode, body ...wanode.Node) wanode.Node {
	return wanode.New("iq", wanode.Attrs{
		"type":  string(mode),
		"xmlns": Namespace,
		"to":    target,
	}, wanode.Children(body...))
}

func (c *Client) groupQuery(ctx context.Context, op, target string, mode Mode, body ...wanode.Node) (wanode.Node, error) {
	req := BuildQuery(target, mode, body...)
	c.log.Trace().Str("op", op).Str("target", target).Stringer("request", req).Msg("Sending group query")

	resp, err := c.querier.Query(ctx, req)
	if err == nil {
		err = checkIQError(resp)
	}
	metrics.RecordGroupQuery(op, err)
	if err != nil {
		c.log.Debug().Err(err).Str("op", op).Str("target", target).Msg("Group query failed")
		return wanode.Node{}, fmt.Errorf("failed to %s: %w", op, err)
	}
	return resp, nil
}

// Metadata fetches the metadata of one group.
func (c *Client) Metadata(ctx context.Context, jid string) (Metadata, error) {
	resp, err := c.groupQuery(ctx, "fetch group metadata", jid, ModeGet,
		wanode.Leaf("query", wanode.Attrs{"request": "interactive"}))
	if err != nil {
		return Metadata{}, err
	}
	return ExtractGroupMetadata(resp)
}

// Create makes a new group with the given subject and initial participants.
func (c *Client) Create(ctx context.Context, subject string, participants []string) (Metadata, error) {
	children := make([]wanode.Node, len(participants))
	for i, jid := range participants {
		children[i] = wanode.Leaf("participant", wanode.Attrs{"jid": jid})
	}
	resp, err := c.groupQuery(ctx, "create group", wanode.GroupDomain, ModeSet,
		wanode.New("create", wanode.Attrs{
			"subject": subject,
			"key":     c.newID(),
		}, wanode.Children(children...)))
	if err != nil {
		return Metadata{}, err
	}
	return ExtractGroupMetadata(resp)
}

// Leave removes the account from a group.
func (c *Client) Leave(ctx context.Context, id string) error {
	_, err := c.groupQuery(ctx, "leave group", wanode.GroupDomain, ModeSet,
		wanode.New("leave", nil, wanode.Children(
			wanode.Leaf("group", wanode.Attrs{"id": id}),
		)))
	return err
}

// UpdateSubject renames a group.
func (c *Client) UpdateSubject(ctx context.Context, jid, subject string) error {
	_, err := c.groupQuery(ctx, "update group subject", jid, ModeSet,
		wanode.New("subject", nil, wanode.Text(subject)))
	return err
}

// UpdateDescription sets the group description, or deletes it when
// description is empty. The current description id is fetched first and sent
// as prev so the server can reject concurrent edits.
func (c *Client) UpdateDescription(ctx context.Context, jid, description string) error {
	current, err := c.Metadata(ctx, jid)
	if err != nil {
		return err
	}

	attrs := wanode.Attrs{}
	content := wanode.Empty()
	if description != "" {
		attrs["id"] = c.newID()
		content = wanode.Children(wanode.New("body", nil, wanode.Text(description)))
	} else {
		attrs["delete"] = "true"
	}
	if current.DescriptionID != nil && *current.DescriptionID != "" {
		attrs["prev"] = *current.DescriptionID
	}

	_, err = c.groupQuery(ctx, "update group description", jid, ModeSet,
		wanode.New("description", attrs, content))
	return err
}

// UpdateParticipants applies action to each participant and returns the ids
// the server echoed back. The server may accept only a subset.
func (c *Client) UpdateParticipants(ctx context.Context, jid string, participants []string, action ParticipantAction) ([]string, error) {
	if !action.valid() {
		return nil, fmt.Errorf("unknown participant action %q", action)
	}
	body := make([]wanode.Node, len(participants))
	for i, p := range participants {
		body[i] = wanode.New(string(action), nil, wanode.Children(
			wanode.Leaf("participant", wanode.Attrs{"jid": p}),
		))
	}
	resp, err := c.groupQuery(ctx, string(action)+" group participants", jid, ModeSet, body...)
	if err != nil {
		return nil, err
	}
	// The echo may come back as one <action> node or as one per participant.
	echoed := resp.ChildrenByTag(string(action))
	if len(echoed) == 0 {
		return nil, fmt.Errorf("%w: no <%s> in participants response", ErrMalformedResponse, action)
	}
	affected := []string{}
	for _, node := range echoed {
		for _, p := range node.ChildrenByTag("participant") {
			affected = append(affected, p.AttrString("jid"))
		}
	}
	return affected, nil
}

// InviteCode returns the current invite code of a group.
func (c *Client) InviteCode(ctx context.Context, jid string) (string, error) {
	resp, err := c.groupQuery(ctx, "get group invite code", jid, ModeGet, wanode.Leaf("invite", nil))
	if err != nil {
		return "", err
	}
	return inviteCode(resp)
}

// RevokeInvite invalidates the current invite code and returns the new one.
func (c *Client) RevokeInvite(ctx context.Context, jid string) (string, error) {
	resp, err := c.groupQuery(ctx, "revoke group invite", jid, ModeSet, wanode.Leaf("invite", nil))
	if err != nil {
		return "", err
	}
	return inviteCode(resp)
}

func inviteCode(resp wanode.Node) (string, error) {
	invite, ok := resp.Child("invite")
	if !ok {
		return "", fmt.Errorf("%w: no <invite> in response", ErrMalformedResponse)
	}
	return invite.AttrString("code"), nil
}

// AcceptInvite joins a group by invite code and returns the group id.
func (c *Client) AcceptInvite(ctx context.Context, code string) (string, error) {
	resp, err := c.groupQuery(ctx, "accept group invite", wanode.GroupDomain, ModeSet,
		wanode.Leaf("invite", wanode.Attrs{"code": code}))
	if err != nil {
		return "", err
	}
	group, ok := resp.Child("group")
	if !ok {
		return "", fmt.Errorf("%w: no <group> in invite response", ErrMalformedResponse)
	}
	return group.AttrString("jid"), nil
}

// AcceptInviteV4 accepts an invite message sent by adminJID and returns the
// address the acceptance was acknowledged from.
func (c *Client) AcceptInviteV4(ctx context.Context, adminJID string, invite InviteMessage) (string, error) {
	resp, err := c.groupQuery(ctx, "accept group invite v4", invite.GroupJID, ModeSet,
		wanode.Leaf("accept", wanode.Attrs{
			"code":       invite.InviteCode,
			"expiration": strconv.FormatInt(invite.InviteExpiration, 10),
			"admin":      adminJID,
		}))
	if err != nil {
		return "", err
	}
	return resp.AttrString("from"), nil
}

// ToggleEphemeral enables disappearing messages for the given number of
// seconds, or disables them when seconds is zero.
func (c *Client) ToggleEphemeral(ctx context.Context, jid string, seconds int64) error {
	node := wanode.Leaf("not_ephemeral", nil)
	if seconds > 0 {
		node = wanode.Leaf("ephemeral", wanode.Attrs{"expiration": strconv.FormatInt(seconds, 10)})
	}
	_, err := c.groupQuery(ctx, "toggle group ephemeral", jid, ModeSet, node)
	return err
}

// UpdateSetting applies a group-wide setting.
func (c *Client) UpdateSetting(ctx context.Context, jid string, setting Setting) error {
	if !setting.valid() {
		return fmt.Errorf("unknown group setting %q", setting)
	}
	_, err := c.groupQuery(ctx, "update group setting", jid, ModeSet, wanode.Leaf(string(setting), nil))
	return err
}

// FetchAllParticipating returns every group the account belongs to, keyed by
// group id. A response without a groups child yields an empty map.
func (c *Client) FetchAllParticipating(ctx context.Context) (map[string]Metadata, error) {
	resp, err := c.groupQuery(ctx, "fetch participating groups", wanode.GroupDomain, ModeGet,
		wanode.New("participating", nil, wanode.Children(
			wanode.Leaf("participants", nil),
			wanode.Leaf("description", nil),
		)))
	if err != nil {
		return nil, err
	}

	data := make(map[string]Metadata)
	groupsNode, ok := resp.Child("groups")
	if !ok {
		return data, nil
	}
	for _, groupNode := range groupsNode.ChildrenByTag("group") {
		meta, err := parseGroup(groupNode)
		if err != nil {
			return nil, err
		}
		data[meta.ID] = meta
	}
	return data, nil
}
