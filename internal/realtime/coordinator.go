package realtime

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/vanish/internal/events"
	"github.com/MarcoPoloResearchLab/vanish/internal/threads"
	"go.uber.org/zap"
)

const (
	errorThreadNotFound     = "Thread not found"
	errorThreadFull         = "Thread is full"
	errorSendFailed         = "Failed to send message"
	errorReactionFailed     = "Failed to add reaction"
	errorInvalidSender      = "Invalid sender"
	errorUnsupportedCommand = "Unsupported event"
)

var (
	errMissingThreads = errors.New("realtime: threads service is required")
	errMissingHub     = errors.New("realtime: hub is required")
)

// LifecycleRecorder receives lifecycle counters. *metrics.Collectors satisfies it.
type LifecycleRecorder interface {
	ThreadCreated()
	ThreadDeleted(reason string)
	MessageRelayed()
	ConnectionOpened()
	ConnectionClosed()
}

type noopRecorder struct{}

func (noopRecorder) ThreadCreated()       {}
func (noopRecorder) ThreadDeleted(string) {}
func (noopRecorder) MessageRelayed()      {}
func (noopRecorder) ConnectionOpened()    {}
func (noopRecorder) ConnectionClosed()    {}

type CoordinatorConfig struct {
	Threads  *threads.Service
	Hub      *Hub
	Recorder LifecycleRecorder
	Events   events.Publisher
	Logger   *zap.Logger
}

// Coordinator mediates every state-changing operation on a thread and the
// broadcasts that follow it.
type Coordinator struct {
	threads  *threads.Service
	hub      *Hub
	recorder LifecycleRecorder
	events   events.Publisher
	logger   *zap.Logger
}

// NewCoordinator wires the coordinator and subscribes it to thread expiry.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Threads == nil {
		return nil, errMissingThreads
	}
	if cfg.Hub == nil {
		return nil, errMissingHub
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = noopRecorder{}
	}
	publisher := cfg.Events
	if publisher == nil {
		publisher = events.NewNoop()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	coordinator := &Coordinator{
		threads:  cfg.Threads,
		hub:      cfg.Hub,
		recorder: recorder,
		events:   publisher,
		logger:   logger,
	}
	cfg.Threads.OnExpire(coordinator.handleExpiry)
	return coordinator, nil
}

func (c *Coordinator) Hub() *Hub {
	return c.hub
}

// CreateThread persists a new thread for the control plane.
func (c *Coordinator) CreateThread(ctx context.Context, timerHours int) (threads.Thread, error) {
	thread, err := c.threads.Create(ctx, timerHours)
	if err != nil {
		return threads.Thread{}, err
	}
	c.recorder.ThreadCreated()
	c.publishEvent(ctx, events.Event{
		Type:       events.TypeThreadCreated,
		ThreadID:   thread.ID,
		TimerHours: thread.TimerHours,
		OccurredAt: thread.CreatedAt,
	})
	return thread, nil
}

// DeleteThread removes a thread on request. Live members are told only when
// this call actually removed it.
func (c *Coordinator) DeleteThread(ctx context.Context, threadID threads.ThreadID) (bool, error) {
	removed, err := c.threads.Delete(ctx, threadID, func(removed bool) {
		if removed {
			c.broadcastDeleted(threadID, threads.ReasonManual)
		}
	})
	if err != nil {
		return false, err
	}
	if removed {
		c.afterDeletion(ctx, threadID, threads.ReasonManual)
	}
	return removed, nil
}

// Handle executes one decoded command on behalf of subscriber.
func (c *Coordinator) Handle(ctx context.Context, subscriber *Subscriber, command Command) {
	switch cmd := command.(type) {
	case JoinThread:
		c.join(subscriber, cmd)
	case RegisterParticipant:
		c.registerParticipant(ctx, subscriber, cmd)
	case SendMessage:
		c.sendMessage(ctx, subscriber, cmd)
	case MarkRead:
		c.markRead(ctx, cmd)
	case AddReaction:
		c.addReaction(ctx, subscriber, cmd)
	case UserTyping:
		c.userTyping(subscriber, cmd)
	default:
		c.sendError(subscriber, errorUnsupportedCommand)
	}
}

func (c *Coordinator) join(subscriber *Subscriber, cmd JoinThread) {
	threadID, err := threads.NewThreadID(cmd.ThreadID)
	if err != nil {
		c.logger.Debug("join with invalid thread id", zap.Error(err))
		return
	}
	c.hub.Join(subscriber, threadID.String())
}

// registerParticipant is silent when the thread is gone; a full thread is
// reported to the requesting connection only.
func (c *Coordinator) registerParticipant(ctx context.Context, subscriber *Subscriber, cmd RegisterParticipant) {
	threadID, userID, ok := c.parseThreadAndUser(cmd.ThreadID, cmd.UserID)
	if !ok {
		return
	}
	outcome, err := c.threads.Apply(ctx, threadID, threads.Change{
		Mutate: func(thread *threads.Thread) (bool, error) {
			return thread.AddParticipant(userID)
		},
		CheckAutoDelete: true,
		Publish: func(outcome threads.Outcome) {
			c.broadcastStateOrDeletion(threadID, outcome)
		},
	})
	switch {
	case errors.Is(err, threads.ErrThreadFull):
		c.logger.Info("participant rejected: thread full", zap.String("thread_id", threadID.String()))
		c.sendError(subscriber, errorThreadFull)
	case err != nil:
		return
	default:
		c.finishOutcome(ctx, threadID, outcome)
	}
}

func (c *Coordinator) sendMessage(ctx context.Context, subscriber *Subscriber, cmd SendMessage) {
	threadID, err := threads.NewThreadID(cmd.ThreadID)
	if err != nil {
		c.sendError(subscriber, errorThreadNotFound)
		return
	}
	senderID, err := threads.NewUserID(cmd.SenderID)
	if err != nil {
		c.sendError(subscriber, errorInvalidSender)
		return
	}
	messageID, err := c.threads.NewMessageID()
	if err != nil {
		c.logger.Error("message id generation failed", zap.Error(err))
		c.sendError(subscriber, errorSendFailed)
		return
	}

	message := threads.Message{
		ID:        messageID.String(),
		Content:   cmd.Message,
		SenderID:  senderID.String(),
		Timestamp: c.threads.NowMillis(),
		ReadBy:    []string{},
		Reactions: []threads.Reaction{},
	}
	outcome, err := c.threads.Apply(ctx, threadID, threads.Change{
		Mutate: func(thread *threads.Thread) (bool, error) {
			thread.AppendMessage(message)
			return true, nil
		},
		CheckAutoDelete: true,
		Publish: func(outcome threads.Outcome) {
			c.broadcast(threadID, EventNewMessage, message)
			c.broadcastStateOrDeletion(threadID, outcome)
		},
	})
	if err != nil {
		c.sendError(subscriber, errorSendFailed)
		return
	}
	if !outcome.Found {
		c.sendError(subscriber, errorThreadNotFound)
		return
	}
	c.recorder.MessageRelayed()
	c.finishOutcome(ctx, threadID, outcome)
}

func (c *Coordinator) markRead(ctx context.Context, cmd MarkRead) {
	threadID, userID, ok := c.parseThreadAndUser(cmd.ThreadID, cmd.UserID)
	if !ok {
		return
	}
	messageID, err := threads.NewMessageID(cmd.MessageID)
	if err != nil {
		return
	}
	outcome, err := c.threads.Apply(ctx, threadID, threads.Change{
		Mutate: func(thread *threads.Thread) (bool, error) {
			if err := thread.MarkRead(messageID, userID); err != nil {
				return false, nil
			}
			return true, nil
		},
		CheckAutoDelete: true,
		Publish: func(outcome threads.Outcome) {
			c.broadcast(threadID, EventMessageRead, messageReadPayload{
				MessageID: messageID.String(),
				UserID:    userID.String(),
			})
			c.broadcastStateOrDeletion(threadID, outcome)
		},
	})
	if err != nil {
		return
	}
	c.finishOutcome(ctx, threadID, outcome)
}

func (c *Coordinator) addReaction(ctx context.Context, subscriber *Subscriber, cmd AddReaction) {
	threadID, userID, ok := c.parseThreadAndUser(cmd.ThreadID, cmd.UserID)
	if !ok {
		return
	}
	messageID, err := threads.NewMessageID(cmd.MessageID)
	if err != nil {
		return
	}
	emoji := normalizeEmoji(cmd.Emoji)
	if emoji == "" {
		return
	}
	var reactions []threads.Reaction
	_, err = c.threads.Apply(ctx, threadID, threads.Change{
		Mutate: func(thread *threads.Thread) (bool, error) {
			updated, err := thread.ToggleReaction(messageID, emoji, userID, c.threads.NowMillis())
			if err != nil {
				return false, nil
			}
			reactions = updated
			return true, nil
		},
		Publish: func(threads.Outcome) {
			c.broadcast(threadID, EventMessageReaction, messageReactionPayload{
				MessageID: messageID.String(),
				Emoji:     emoji,
				UserID:    userID.String(),
				Reactions: reactions,
			})
		},
	})
	if err != nil {
		c.sendError(subscriber, errorReactionFailed)
	}
}

func (c *Coordinator) userTyping(subscriber *Subscriber, cmd UserTyping) {
	threadID, userID, ok := c.parseThreadAndUser(cmd.ThreadID, cmd.UserID)
	if !ok {
		return
	}
	frame, err := encodeFrame(EventUserTyping, userTypingPayload{UserID: userID.String()})
	if err != nil {
		c.logger.Error("encode typing frame", zap.Error(err))
		return
	}
	c.hub.Publish(threadID.String(), frame, subscriber)
}

func (c *Coordinator) handleExpiry(threadID threads.ThreadID) {
	c.broadcastDeleted(threadID, threads.ReasonTimerExpired)
	c.afterDeletion(context.Background(), threadID, threads.ReasonTimerExpired)
}

// broadcastStateOrDeletion sends the post-mutation state, or the deletion
// notice when the change triggered the all-read rule.
func (c *Coordinator) broadcastStateOrDeletion(threadID threads.ThreadID, outcome threads.Outcome) {
	if outcome.Deleted {
		c.broadcastDeleted(threadID, threads.ReasonBothRead)
		return
	}
	c.broadcast(threadID, EventThreadUpdate, outcome.Thread)
}

func (c *Coordinator) finishOutcome(ctx context.Context, threadID threads.ThreadID, outcome threads.Outcome) {
	if outcome.Deleted {
		c.afterDeletion(ctx, threadID, threads.ReasonBothRead)
	}
}

func (c *Coordinator) afterDeletion(ctx context.Context, threadID threads.ThreadID, reason threads.DeletionReason) {
	c.recorder.ThreadDeleted(string(reason))
	c.publishEvent(ctx, events.Event{
		Type:       events.TypeThreadDeleted,
		ThreadID:   threadID.String(),
		Reason:     string(reason),
		OccurredAt: c.threads.NowMillis(),
	})
}

func (c *Coordinator) broadcastDeleted(threadID threads.ThreadID, reason threads.DeletionReason) {
	c.broadcast(threadID, EventThreadDeleted, threadDeletedPayload{Reason: reason})
}

func (c *Coordinator) broadcast(threadID threads.ThreadID, event string, data any) {
	frame, err := encodeFrame(event, data)
	if err != nil {
		c.logger.Error("encode broadcast frame", zap.String("event", event), zap.Error(err))
		return
	}
	c.hub.Publish(threadID.String(), frame, nil)
}

func (c *Coordinator) sendError(subscriber *Subscriber, message string) {
	frame, err := encodeFrame(EventError, errorPayload{Message: message})
	if err != nil {
		return
	}
	c.hub.Send(subscriber, frame)
}

func (c *Coordinator) publishEvent(ctx context.Context, event events.Event) {
	if err := c.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		c.logger.Warn("lifecycle event not published",
			zap.String("type", event.Type),
			zap.String("thread_id", event.ThreadID),
			zap.Error(err))
	}
}

func (c *Coordinator) parseThreadAndUser(rawThreadID, rawUserID string) (threads.ThreadID, threads.UserID, bool) {
	threadID, err := threads.NewThreadID(rawThreadID)
	if err != nil {
		return "", "", false
	}
	userID, err := threads.NewUserID(rawUserID)
	if err != nil {
		return "", "", false
	}
	return threadID, userID, true
}
