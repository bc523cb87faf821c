package delivery

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/users"
)

const anonymousSender = "Someone"

// RenderPush builds the wire payload for a notification. Only the references
// that belong to the notification kind are copied.
func RenderPush(notification notifications.Notification, sender users.Profile) realtime.PushMessage {
	message := realtime.PushMessage{
		Kind:           string(notification.Kind),
		Status:         string(notification.Status),
		Content:        RenderContent(notification.Kind, sender.Nickname, notification.Payload),
		CreatedAt:      notification.CreatedAt,
		SenderID:       notification.Actor(),
		SenderNickname: sender.Nickname,
	}
	payload := notification.Payload
	switch notification.Kind {
	case notifications.KindComment, notifications.KindMention:
		message.RecordID = payload.RecordID
		message.CommentID = payload.CommentID
	case notifications.KindRecordLike, notifications.KindShare:
		message.RecordID = payload.RecordID
	case notifications.KindFeedInvitation, notifications.KindEventInvitation:
		message.FeedID = payload.FeedID
	}
	if message.SenderID == "" {
		message.SenderNickname = ""
	}
	return message
}

// RenderContent produces the human readable line for a notification.
func RenderContent(kind notifications.Kind, senderNickname string, payload notifications.Payload) string {
	name := senderNickname
	if name == "" {
		name = anonymousSender
	}
	switch kind {
	case notifications.KindComment:
		return fmt.Sprintf("%s commented on your record: %s", name, payload.CommentExcerpt)
	case notifications.KindRecordLike:
		return fmt.Sprintf("%s liked your record.", name)
	case notifications.KindFeedInvitation:
		return fmt.Sprintf("%s invited you to a feed.", name)
	case notifications.KindMention:
		return fmt.Sprintf("%s mentioned you in a comment: %s", name, payload.CommentExcerpt)
	case notifications.KindShare:
		return fmt.Sprintf("%s shared your record.", name)
	case notifications.KindEventInvitation:
		return fmt.Sprintf("%s invited you to an event.", name)
	case notifications.KindFriendRequest:
		return fmt.Sprintf("%s sent you a friend request.", name)
	case notifications.KindSystem:
		if payload.CommentExcerpt != "" {
			return payload.CommentExcerpt
		}
		return "You have a new announcement."
	default:
		return ""
	}
}
