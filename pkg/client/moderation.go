package client

import "github.com/stagedoor/stagedoor-go/pkg/protocol"

// ModerationEffect is the local consequence of a deletion-related push event.
type ModerationEffect int

const (
	// EffectNone leaves the timeline untouched.
	EffectNone ModerationEffect = iota
	// EffectMarkDeleted flips the message to its soft-deleted placeholder,
	// keeping it in place with "deleted by X" metadata.
	EffectMarkDeleted
	// EffectRemoveEntry drops the message from the timeline entirely.
	EffectRemoveEntry
	// EffectKeepPlaceholder means the message is already locally marked
	// deleted by this viewer's own action and must stay visible as a
	// placeholder; a blunt removal notice must not undo that.
	EffectKeepPlaceholder
)

// ClassifyModeration maps a deletion event onto its local effect for this
// viewer. The server emits a narrow "moderated" notice to privileged viewers
// and a blunt "removed" notice to everyone else; a viewer who just deleted
// the message sees both, and the second must not undo the first.
//
//	moderated            -> mark deleted in place, any viewer
//	removed, own delete  -> keep the deleted placeholder
//	removed, otherwise   -> remove from the timeline
func ClassifyModeration(kind protocol.EventKind, locallyDeleted bool) ModerationEffect {
	switch kind {
	case protocol.EventModerated:
		return EffectMarkDeleted
	case protocol.EventRemoved:
		if locallyDeleted {
			return EffectKeepPlaceholder
		}
		return EffectRemoveEntry
	default:
		return EffectNone
	}
}
