package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/selzzaf/desktopchatapp/internal/metrics"
	"github.com/selzzaf/desktopchatapp/pkg/conversation"
	"github.com/selzzaf/desktopchatapp/pkg/domain"
	"github.com/selzzaf/desktopchatapp/pkg/pushbus"
	"github.com/selzzaf/desktopchatapp/pkg/treestore"
)

const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 500
)

// Send stores a message and the conversation index in one batch, then
// flags the recipient's contact edge as unread and notifies the recipient.
// Only the batch decides success; the follow-ups are best effort. Send is
// never retried.
func (a *App) Send(ctx context.Context, senderID, recipientID, content string) (domain.Message, error) {
	if strings.TrimSpace(content) == "" {
		metrics.SendFailures.WithLabelValues("invalid").Inc()
		return domain.Message{}, ErrEmptyMessage
	}
	if senderID == recipientID {
		metrics.SendFailures.WithLabelValues("invalid").Inc()
		return domain.Message{}, ErrSelfMessage
	}
	convID, err := conversation.Resolve(senderID, recipientID)
	if err != nil {
		metrics.SendFailures.WithLabelValues("invalid").Inc()
		return domain.Message{}, invalidArg(err)
	}
	if _, err := a.loadUser(ctx, recipientID); err != nil {
		metrics.SendFailures.WithLabelValues("recipient").Inc()
		return domain.Message{}, err
	}
	id, err := a.store.NewKey()
	if err != nil {
		return domain.Message{}, fmt.Errorf("new message id: %w", err)
	}
	msg := domain.Message{
		ID:          id,
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		Timestamp:   a.nowMillis(),
	}

	convBase := treestore.Join(conversationsPath, convID)
	existing, err := a.store.Get(ctx, convBase+"/createdAt")
	if err != nil {
		metrics.SendFailures.WithLabelValues("storage").Inc()
		return domain.Message{}, storageErr("read conversation", err)
	}
	batch := map[string]any{
		treestore.Join(messagesPath, convID, id): msg,
		treestore.Join(lastMessagesPath, convID): msg,
	}
	batch[convBase+"/type"] = "private"
	batch[convBase+"/participants/"+senderID] = true
	batch[convBase+"/participants/"+recipientID] = true
	batch[convBase+"/lastMessageAt"] = msg.Timestamp
	if !existing.Exists() {
		batch[convBase+"/createdAt"] = msg.Timestamp
	}
	if err := a.store.Update(ctx, "", batch); err != nil {
		metrics.SendFailures.WithLabelValues("storage").Inc()
		return domain.Message{}, storageErr("send message", err)
	}
	metrics.MessagesSent.Inc()
	msg.ConversationID = convID

	a.flagUnread(ctx, recipientID, senderID)
	a.publish(ctx, "chat", pushbus.ChatTopic(recipientID), msg)
	return msg, nil
}

func (a *App) flagUnread(ctx context.Context, owner, contact string) {
	path := contactPath(owner, contact)
	edge, err := a.store.Get(ctx, path)
	if err != nil {
		a.log.Warn("read contact edge failed", "path", path, "err", err)
		return
	}
	if !edge.Exists() {
		return
	}
	if err := a.store.Set(ctx, path+"/unread", true); err != nil {
		a.log.Warn("flag unread failed", "path", path, "err", err)
	}
}

func (a *App) publish(ctx context.Context, kind, topic string, v any) {
	payload, err := json.Marshal(v)
	if err == nil {
		err = a.bus.Publish(ctx, topic, payload)
	}
	if err != nil {
		metrics.PublishFailures.WithLabelValues(kind).Inc()
		a.log.Warn("publish failed", "topic", topic, "err", err)
	}
}

// History returns the last limit messages between a and b, oldest first.
// Messages are ordered by timestamp and then by id.
func (a *App) History(ctx context.Context, userID, otherID string, limit int) ([]domain.Message, error) {
	convID, err := conversation.Resolve(userID, otherID)
	if err != nil {
		return nil, invalidArg(err)
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	snaps, err := a.store.Query(ctx, treestore.Join(messagesPath, convID),
		treestore.OrderByChild("timestamp").LimitToLast(limit))
	if err != nil {
		return nil, storageErr("read history", err)
	}
	out := make([]domain.Message, 0, len(snaps))
	for _, s := range snaps {
		var msg domain.Message
		if err := s.Decode(&msg); err != nil {
			return nil, storageErr("decode message", err)
		}
		if msg.ID == "" {
			msg.ID = s.Key
		}
		msg.ConversationID = convID
		out = append(out, msg)
	}
	return out, nil
}

// MarkRead flips the read flag of one message in the background. Only
// argument errors are returned; write failures are logged.
func (a *App) MarkRead(ctx context.Context, messageID, conversationID string) error {
	if _, _, err := conversation.Participants(conversationID); err != nil {
		return invalidArg(err)
	}
	if err := conversation.ValidateUserID(messageID); err != nil {
		return invalidArg(fmt.Errorf("message id: %w", err))
	}
	path := treestore.Join(messagesPath, conversationID, messageID)
	a.background(ctx, "mark read", func(ctx context.Context) error {
		snap, err := a.store.Get(ctx, path+"/id")
		if err != nil {
			return err
		}
		if !snap.Exists() {
			return fmt.Errorf("%w: message %s", ErrNotFound, path)
		}
		return a.store.Set(ctx, path+"/read", true)
	})
	return nil
}

// Typing tells the recipient that from is typing.
func (a *App) Typing(ctx context.Context, from, to string) error {
	if err := conversation.ValidateUserID(to); err != nil {
		return invalidArg(err)
	}
	if from == to {
		return ErrSelfMessage
	}
	a.publish(ctx, "typing", pushbus.TypingTopic(to), domain.TypingEvent{From: from, Timestamp: a.nowMillis()})
	return nil
}

// MessageStream yields each message addressed to one user, once, for as
// long as it is open.
type MessageStream struct {
	C <-chan domain.Message

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Close tears down every underlying subscription and closes C.
func (s *MessageStream) Close() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

// Subscribe streams messages created after the call whose recipient is
// userID. It watches the conversation index and opens one message
// subscription per conversation the user takes part in.
func (a *App) Subscribe(ctx context.Context, userID string) (*MessageStream, error) {
	if err := conversation.ValidateUserID(userID); err != nil {
		return nil, invalidArg(err)
	}
	// Message keys are time ordered; anything at or below the cutoff was
	// stored before the stream opened.
	cutoff, err := a.store.NewKey()
	if err != nil {
		return nil, storageErr("allocate stream cutoff", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	convs, err := a.store.SubscribeChildren(ctx, conversationsPath, treestore.ChildOptions{})
	if err != nil {
		cancel()
		return nil, storageErr("subscribe conversations", err)
	}

	out := make(chan domain.Message, 64)
	stream := &MessageStream{C: out, cancel: cancel}
	var fwd sync.WaitGroup
	stream.wg.Add(1)
	go func() {
		defer stream.wg.Done()
		defer close(out)
		defer fwd.Wait()
		defer convs.Close()

		threads := make(map[string]*treestore.Subscription)
		defer func() {
			for _, sub := range threads {
				sub.Close()
			}
		}()
		for ev := range convs.C {
			convID := ev.Snapshot.Key
			switch ev.Type {
			case treestore.EventChildAdded:
				if _, ok := threads[convID]; ok || !conversation.Involves(convID, userID) {
					continue
				}
				sub, err := a.store.SubscribeChildren(ctx, treestore.Join(messagesPath, convID), treestore.ChildOptions{})
				if err != nil {
					a.log.Warn("subscribe conversation failed", "conversation_id", convID, "err", err)
					continue
				}
				threads[convID] = sub
				fwd.Add(1)
				go func() {
					defer fwd.Done()
					a.forwardMessages(ctx, sub, convID, userID, cutoff, out)
				}()
			case treestore.EventChildRemoved:
				if sub, ok := threads[convID]; ok {
					sub.Close()
					delete(threads, convID)
				}
			case treestore.EventError:
				a.log.Warn("conversation index refresh failed", "err", ev.Err)
			}
		}
	}()
	return stream, nil
}

func (a *App) forwardMessages(ctx context.Context, sub *treestore.Subscription, convID, userID, cutoff string, out chan<- domain.Message) {
	for ev := range sub.C {
		if ev.Type != treestore.EventChildAdded || ev.Snapshot.Key <= cutoff {
			continue
		}
		var msg domain.Message
		if err := ev.Snapshot.Decode(&msg); err != nil {
			a.log.Warn("decode streamed message failed", "conversation_id", convID, "err", err)
			continue
		}
		if msg.RecipientID != userID {
			continue
		}
		if msg.ID == "" {
			msg.ID = ev.Snapshot.Key
		}
		msg.ConversationID = convID
		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}
