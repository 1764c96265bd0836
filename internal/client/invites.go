package client

import (
	"time"

	"github.com/rcord/rcord/pkg/protocol"
)

// InviteTTL is the client-enforced validity window of an invite, measured
// from its server-side invited_at timestamp. The server enforces the same
// window authoritatively on join_room/accept_chat.
const InviteTTL = 300 * time.Second

// PruneInvites splits invites into survivors and expired ones at the given
// instant. The filter is stable: survivors keep their relative order. An
// invite aged exactly the TTL is still valid.
func PruneInvites(invites []protocol.Invite, now time.Time) (kept, expired []protocol.Invite) {
	for _, invite := range invites {
		if now.Sub(invite.InvitedAt) <= InviteTTL {
			kept = append(kept, invite)
		} else {
			expired = append(expired, invite)
		}
	}
	return kept, expired
}

// TimeLeft returns the remaining validity of an invite, clamped to zero.
// Pure query for countdown display, no side effects.
func TimeLeft(invite protocol.Invite, now time.Time) time.Duration {
	left := InviteTTL - now.Sub(invite.InvitedAt)
	if left < 0 {
		return 0
	}
	return left
}

// ExpireInvites prunes expired invites from the store and tells the server to
// decline each one, so both sides converge without waiting for the next
// list_invites. Callers schedule this, typically once per second alongside
// the countdown display.
func (c *Client) ExpireInvites(now time.Time) {
	for _, invite := range c.store.PruneInvites(now) {
		if invite.Room != "" {
			c.Send(protocol.ActionDeclineRoomInvite, map[string]any{"room": invite.Room})
		} else {
			c.Send(protocol.ActionDeclineChatInvite, map[string]any{"chat": invite.Chat})
		}
	}
}
