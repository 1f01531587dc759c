package client

import "github.com/ripplechat/ripple/internal/proto"

// JoinConversation subscribes this device to a conversation's live events
// (typing, read receipts). Membership survives reconnects until
// LeaveConversation is called.
func (c *Conn) JoinConversation(conversationID string) error {
	c.mu.Lock()
	c.joined[conversationID] = struct{}{}
	c.mu.Unlock()
	return c.Send(&proto.Envelope{
		Type:    proto.TypeJoin,
		Payload: proto.JoinMsg{ConversationID: conversationID},
	})
}

// LeaveConversation unsubscribes from a conversation's live events.
func (c *Conn) LeaveConversation(conversationID string) error {
	c.mu.Lock()
	delete(c.joined, conversationID)
	delete(c.typingSent, conversationID)
	c.mu.Unlock()
	return c.Send(&proto.Envelope{
		Type:    proto.TypeLeave,
		Payload: proto.LeaveMsg{ConversationID: conversationID},
	})
}

// SendTyping publishes this user's typing indicator for a conversation.
func (c *Conn) SendTyping(conversationID string, isTyping bool) error {
	c.mu.Lock()
	if isTyping {
		c.typingSent[conversationID] = true
	} else {
		delete(c.typingSent, conversationID)
	}
	c.mu.Unlock()
	return c.Send(&proto.Envelope{
		Type: proto.TypeTyping,
		Payload: proto.TypingMsg{
			ConversationID: conversationID,
			UserID:         c.userID,
			IsTyping:       isTyping,
		},
	})
}

// SendReceipt publishes a live read receipt. Reading implies we stopped
// composing, so a dangling typing indicator is retracted first; FIFO per
// source guarantees peers see the retraction before the receipt.
func (c *Conn) SendReceipt(conversationID, messageID string) error {
	c.mu.Lock()
	wasTyping := c.typingSent[conversationID]
	delete(c.typingSent, conversationID)
	c.mu.Unlock()

	if wasTyping {
		if err := c.Send(&proto.Envelope{
			Type: proto.TypeTyping,
			Payload: proto.TypingMsg{
				ConversationID: conversationID,
				UserID:         c.userID,
				IsTyping:       false,
			},
		}); err != nil {
			return err
		}
	}
	return c.Send(&proto.Envelope{
		Type: proto.TypeReceipt,
		Payload: proto.ReceiptMsg{
			ConversationID: conversationID,
			UserID:         c.userID,
			MessageID:      messageID,
		},
	})
}

// Activity reports user activity to the relay without any other payload,
// resetting the presence decay clock.
func (c *Conn) Activity() error {
	return c.Send(&proto.Envelope{Type: proto.TypeActivity})
}
