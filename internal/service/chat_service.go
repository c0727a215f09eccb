package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Riotolondon/fleet-sub000/internal/chatid"
	"github.com/Riotolondon/fleet-sub000/internal/db"
	"github.com/Riotolondon/fleet-sub000/internal/live"
	"github.com/Riotolondon/fleet-sub000/internal/model"
	"github.com/Riotolondon/fleet-sub000/internal/notify"
	"github.com/Riotolondon/fleet-sub000/internal/presence"
	"github.com/Riotolondon/fleet-sub000/internal/repo"
	"github.com/Riotolondon/fleet-sub000/internal/typing"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxTextLength = 4000

// ErrSummaryNotUpdated is returned by SendMessage when the message was
// stored but the conversation summary and unread counter were not.
var ErrSummaryNotUpdated = errors.New("message stored but conversation not updated")

type Config struct {
	MessageWindow int64
	SearchLimit   int64
	NotifyTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MessageWindow <= 0 {
		c.MessageWindow = repo.DefaultWindow
	}
	if c.SearchLimit <= 0 {
		c.SearchLimit = 50
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 10 * time.Second
	}
	return c
}

// SendRequest is one outgoing message. ID may be set by the client so a
// retried send cannot store the message twice.
type SendRequest struct {
	ID             string
	ConversationID string
	Sender         model.ParticipantInfo
	Receiver       model.ParticipantInfo
	Text           string
	Type           model.MessageType
	Data           *model.MessageData
	// Vehicle is attached only when the send creates the conversation.
	Vehicle *model.VehicleContext
}

// InquiryRequest opens (or reuses) the thread between a driver and a
// vehicle's owner with a vehicle_inquiry message.
type InquiryRequest struct {
	Driver  model.ParticipantInfo
	Owner   model.ParticipantInfo
	Vehicle model.VehicleContext
	Text    string
}

type ChatService interface {
	SendMessage(ctx context.Context, req SendRequest) (*model.Message, error)
	SubscribeMessages(ctx context.Context, conversationID string, emit func([]model.Message)) *live.Subscription
	SubscribeConversationsForUser(ctx context.Context, userID string, emit func([]model.Conversation)) *live.Subscription
	MarkConversationRead(ctx context.Context, conversationID, userID string) error

	SetTyping(ctx context.Context, conversationID, userID, userName string)
	ClearTyping(ctx context.Context, conversationID, userID string)
	SubscribeTyping(ctx context.Context, conversationID, excludeUserID string, emit func([]model.TypingSignal)) *live.Subscription
	Composer(conversationID, userID, userName string) *typing.Composer

	StartPresence(userID, name string) *presence.Tracker
	StopPresence(tracker *presence.Tracker)
	SetPresenceStatus(ctx context.Context, userID string, status model.PresenceStatus) error
	SetActivity(ctx context.Context, userID, label string)
	SubscribeOnlineUsers(ctx context.Context, excludeUserID string, emit func([]model.PresenceRecord)) *live.Subscription
	ListOnlineUsers(ctx context.Context, excludeUserID string) ([]model.PresenceRecord, error)
	GetPresence(ctx context.Context, userID string) (*model.PresenceRecord, error)

	CreateConversation(ctx context.Context, a, b model.ParticipantInfo, vehicle *model.VehicleContext) (*model.Conversation, bool, error)
	GetConversation(ctx context.Context, conversationID, userID string) (*model.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]model.Conversation, error)
	ListMessages(ctx context.Context, conversationID, userID string, limit int64) ([]model.Message, error)
	TotalUnread(ctx context.Context, userID string) (int64, error)
	DeleteConversation(ctx context.Context, conversationID, userID string) error
	SearchMessages(ctx context.Context, conversationID, userID, query string) ([]model.Message, error)
	EditMessage(ctx context.Context, messageID, senderID, text string) (*model.Message, error)
	StartVehicleInquiry(ctx context.Context, req InquiryRequest) (*model.Message, error)

	Close()
}

type chatService struct {
	conversations repo.ConversationRepository
	messages      repo.MessageRepository
	presence      repo.PresenceRepository
	typing        *typing.Service
	registry      *live.Registry
	dispatcher    notify.Dispatcher
	clock         clock.Clock
	presenceCfg   presence.Config
	cfg           Config
	logger        *zap.Logger

	trackersMu sync.Mutex
	trackers   map[string][]*presence.Tracker
	notifyWG   sync.WaitGroup
}

// Deps groups the collaborators of the chat service.
type Deps struct {
	Conversations repo.ConversationRepository
	Messages      repo.MessageRepository
	Presence      repo.PresenceRepository
	Typing        *typing.Service
	Registry      *live.Registry
	Dispatcher    notify.Dispatcher
	Clock         clock.Clock
}

func NewChatService(deps Deps, cfg Config, presenceCfg presence.Config, logger *zap.Logger) ChatService {
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = notify.NewLogDispatcher(logger)
	}
	return &chatService{
		conversations: deps.Conversations,
		messages:      deps.Messages,
		presence:      deps.Presence,
		typing:        deps.Typing,
		registry:      deps.Registry,
		dispatcher:    dispatcher,
		clock:         clk,
		presenceCfg:   presenceCfg.WithDefaults(),
		cfg:           cfg.withDefaults(),
		logger:        logger,
		trackers:      make(map[string][]*presence.Tracker),
	}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", db.ErrInvalidDocument, fmt.Sprintf(format, args...))
}

// requireParticipant checks membership from the canonical id alone.
func requireParticipant(conversationID, userID string) error {
	a, b, ok := chatid.Participants(conversationID)
	if !ok {
		return invalid("malformed conversation id %q", conversationID)
	}
	if userID != a && userID != b {
		return fmt.Errorf("conversation %s: %w", conversationID, repo.ErrNotParticipant)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Messages
// -----------------------------------------------------------------------------

// SendMessage stores the message, then updates the conversation summary
// and the receiver's unread counter, clears the sender's typing signal and
// hands a notification to the dispatcher in the background. The first
// message between a pair creates their conversation.
// Resending an id that is already stored changes nothing and returns the
// stored message.
func (s *chatService) SendMessage(ctx context.Context, req SendRequest) (*model.Message, error) {
	if err := s.checkSend(&req); err != nil {
		return nil, err
	}

	conversationID, created, err := s.conversations.CreateOrGet(ctx, req.Sender, req.Receiver, req.Vehicle)
	if err != nil {
		return nil, err
	}

	msg := &model.Message{
		ID:             req.ID,
		ConversationID: conversationID,
		SenderID:       req.Sender.ID,
		SenderName:     req.Sender.Name,
		SenderRole:     req.Sender.Role,
		ReceiverID:     req.Receiver.ID,
		ReceiverName:   req.Receiver.Name,
		Text:           req.Text,
		Type:           req.Type,
		MessageData:    req.Data,
	}
	stored, appended, err := s.messages.Append(ctx, msg)
	if err != nil {
		return nil, err
	}
	if !appended {
		// a resend of a stored message: counted and announced the first time
		s.typing.Clear(ctx, conversationID, stored.SenderID)
		s.logger.Info("message resend ignored",
			zap.String("conversation_id", conversationID),
			zap.String("message_id", stored.ID),
		)
		return stored, nil
	}

	if err := s.conversations.RecordSentMessage(ctx, conversationID, stored.SenderID, stored.ReceiverID, stored.Summary()); err != nil {
		s.logger.Error("failed to update conversation after append",
			zap.String("conversation_id", conversationID),
			zap.String("message_id", stored.ID),
			zap.Error(err),
		)
		return stored, fmt.Errorf("%w: %w", ErrSummaryNotUpdated, err)
	}

	s.typing.Clear(ctx, conversationID, stored.SenderID)
	s.dispatch(stored)

	s.logger.Info("message sent",
		zap.String("conversation_id", conversationID),
		zap.String("message_id", stored.ID),
		zap.String("sender_id", stored.SenderID),
		zap.Bool("conversation_created", created),
	)
	return stored, nil
}

func (s *chatService) checkSend(req *SendRequest) error {
	if !chatid.ValidUserID(req.Sender.ID) || !chatid.ValidUserID(req.Receiver.ID) {
		return invalid("sender and receiver ids are required and may not contain %q, '.' or '$'", chatid.Separator)
	}
	if req.Sender.ID == req.Receiver.ID {
		return invalid("cannot send a message to yourself")
	}
	if req.ConversationID != "" && !chatid.Matches(req.ConversationID, req.Sender.ID, req.Receiver.ID) {
		return invalid("conversation %s does not belong to %s and %s", req.ConversationID, req.Sender.ID, req.Receiver.ID)
	}
	if req.Type == "" {
		req.Type = model.MessageTypeText
	}
	if !req.Type.Valid() {
		return invalid("unknown message type %q", req.Type)
	}
	if len([]rune(req.Text)) > maxTextLength {
		return invalid("message text exceeds %d characters", maxTextLength)
	}
	if strings.TrimSpace(req.Text) == "" && req.Data == nil {
		return invalid("message has no text or attachment")
	}
	if (req.Type == model.MessageTypeImage || req.Type == model.MessageTypeFile) &&
		(req.Data == nil || req.Data.AttachmentURL == "") {
		return invalid("%s messages need an attachment url", req.Type)
	}
	return nil
}

// dispatch notifies the receiver without holding up the send. Failures
// are logged; the message is already stored.
func (s *chatService) dispatch(msg *model.Message) {
	n := notify.ForMessage(msg)
	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NotifyTimeout)
		defer cancel()
		if err := s.dispatcher.Dispatch(ctx, n); err != nil {
			s.logger.Warn("notification dispatch failed",
				zap.String("recipient_id", n.RecipientID),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}()
}

func (s *chatService) SubscribeMessages(ctx context.Context, conversationID string, emit func([]model.Message)) *live.Subscription {
	return s.registry.Start(ctx, "messages:"+conversationID, func(ctx context.Context) {
		s.messages.Watch(ctx, conversationID, s.cfg.MessageWindow, emit)
	})
}

func (s *chatService) SubscribeConversationsForUser(ctx context.Context, userID string, emit func([]model.Conversation)) *live.Subscription {
	return s.registry.Start(ctx, "conversations:"+userID, func(ctx context.Context) {
		s.conversations.WatchForUser(ctx, userID, emit)
	})
}

// MarkConversationRead flags the user's received messages read and resets
// their unread counter. The other participant's counter is untouched.
func (s *chatService) MarkConversationRead(ctx context.Context, conversationID, userID string) error {
	if err := requireParticipant(conversationID, userID); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := s.messages.MarkRangeRead(gctx, conversationID, userID)
		return err
	})
	g.Go(func() error {
		return s.conversations.MarkRead(gctx, conversationID, userID)
	})
	return g.Wait()
}

func (s *chatService) ListMessages(ctx context.Context, conversationID, userID string, limit int64) ([]model.Message, error) {
	if err := requireParticipant(conversationID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.cfg.MessageWindow {
		limit = s.cfg.MessageWindow
	}
	return s.messages.Window(ctx, conversationID, limit)
}

func (s *chatService) SearchMessages(ctx context.Context, conversationID, userID, query string) ([]model.Message, error) {
	if err := requireParticipant(conversationID, userID); err != nil {
		return nil, err
	}
	return s.messages.Search(ctx, conversationID, query, s.cfg.SearchLimit)
}

func (s *chatService) EditMessage(ctx context.Context, messageID, senderID, text string) (*model.Message, error) {
	if messageID == "" {
		return nil, invalid("message id is required")
	}
	if strings.TrimSpace(text) == "" {
		return nil, invalid("edited text cannot be empty")
	}
	if len([]rune(text)) > maxTextLength {
		return nil, invalid("message text exceeds %d characters", maxTextLength)
	}
	return s.messages.Edit(ctx, messageID, senderID, text)
}

// -----------------------------------------------------------------------------
// Conversations
// -----------------------------------------------------------------------------

func (s *chatService) CreateConversation(ctx context.Context, a, b model.ParticipantInfo, vehicle *model.VehicleContext) (*model.Conversation, bool, error) {
	if !chatid.ValidUserID(a.ID) || !chatid.ValidUserID(b.ID) {
		return nil, false, invalid("participant ids are required and may not contain %q, '.' or '$'", chatid.Separator)
	}
	id, created, err := s.conversations.CreateOrGet(ctx, a, b, vehicle)
	if err != nil {
		return nil, false, err
	}
	conversation, err := s.conversations.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return conversation, created, nil
}

func (s *chatService) GetConversation(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	if err := requireParticipant(conversationID, userID); err != nil {
		return nil, err
	}
	return s.conversations.Get(ctx, conversationID)
}

func (s *chatService) ListConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	return s.conversations.ListForUser(ctx, userID)
}

func (s *chatService) TotalUnread(ctx context.Context, userID string) (int64, error) {
	return s.conversations.TotalUnread(ctx, userID)
}

// DeleteConversation removes the messages first so a failure part way
// leaves a conversation that can be deleted again.
func (s *chatService) DeleteConversation(ctx context.Context, conversationID, userID string) error {
	if err := requireParticipant(conversationID, userID); err != nil {
		return err
	}
	if _, err := s.conversations.Get(ctx, conversationID); err != nil {
		return err
	}
	if _, err := s.messages.DeleteByConversation(ctx, conversationID); err != nil {
		return err
	}
	s.typing.ClearConversation(ctx, conversationID)
	return s.conversations.Delete(ctx, conversationID)
}

func (s *chatService) StartVehicleInquiry(ctx context.Context, req InquiryRequest) (*model.Message, error) {
	if req.Vehicle.VehicleID == "" {
		return nil, invalid("vehicle id is required")
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		text = defaultInquiryText(req.Vehicle)
	}
	vehicle := req.Vehicle
	return s.SendMessage(ctx, SendRequest{
		Sender:   req.Driver,
		Receiver: req.Owner,
		Text:     text,
		Type:     model.MessageTypeVehicleInquiry,
		Data: &model.MessageData{
			VehicleID:    vehicle.VehicleID,
			VehicleMake:  vehicle.VehicleMake,
			VehiclePlate: vehicle.VehiclePlate,
		},
		Vehicle: &vehicle,
	})
}

func defaultInquiryText(v model.VehicleContext) string {
	switch {
	case v.VehicleMake != "" && v.VehiclePlate != "":
		return fmt.Sprintf("Hi, I'm interested in your %s (%s). Is it available?", v.VehicleMake, v.VehiclePlate)
	case v.VehicleMake != "":
		return fmt.Sprintf("Hi, I'm interested in your %s. Is it available?", v.VehicleMake)
	}
	return "Hi, I'm interested in your vehicle. Is it available?"
}

// -----------------------------------------------------------------------------
// Typing
// -----------------------------------------------------------------------------

func (s *chatService) SetTyping(ctx context.Context, conversationID, userID, userName string) {
	if err := requireParticipant(conversationID, userID); err != nil {
		s.logger.Warn("typing signal rejected", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	s.typing.Set(ctx, conversationID, userID, userName)
}

func (s *chatService) ClearTyping(ctx context.Context, conversationID, userID string) {
	s.typing.Clear(ctx, conversationID, userID)
}

func (s *chatService) SubscribeTyping(ctx context.Context, conversationID, excludeUserID string, emit func([]model.TypingSignal)) *live.Subscription {
	return s.typing.Subscribe(ctx, conversationID, excludeUserID, emit)
}

func (s *chatService) Composer(conversationID, userID, userName string) *typing.Composer {
	return s.typing.Composer(conversationID, userID, userName)
}

// -----------------------------------------------------------------------------
// Presence
// -----------------------------------------------------------------------------

// StartPresence starts a tracker for one session of userID. The caller
// owns the tracker and must hand it back to StopPresence.
func (s *chatService) StartPresence(userID, name string) *presence.Tracker {
	s.trackersMu.Lock()
	defer s.trackersMu.Unlock()

	t := presence.NewTracker(s.presence, s.clock, s.presenceCfg, s.logger)
	t.SetPeers(func() []*presence.Tracker { return s.sessions(userID) })
	t.Start(userID, name)
	s.trackers[userID] = append(s.trackers[userID], t)
	return t
}

// StopPresence ends a session's tracking. The user goes offline only when
// it was their last session.
func (s *chatService) StopPresence(tracker *presence.Tracker) {
	if tracker == nil {
		return
	}
	s.trackersMu.Lock()
	defer s.trackersMu.Unlock()

	userID := tracker.UserID()
	remaining := Filter(s.trackers[userID], func(t *presence.Tracker) bool { return t != tracker })
	if len(remaining) == 0 {
		delete(s.trackers, userID)
		tracker.Stop()
		return
	}
	s.trackers[userID] = remaining
	tracker.Detach()

	// a visible session decides the published status; hidden ones restart
	// their grace period in case the departing session was holding it off
	current := remaining[len(remaining)-1]
	for _, t := range remaining {
		t.Rearm()
		if !t.IsHidden() {
			current = t
		}
	}
	current.Refresh()
}

func (s *chatService) sessions(userID string) []*presence.Tracker {
	s.trackersMu.Lock()
	defer s.trackersMu.Unlock()
	return append([]*presence.Tracker(nil), s.trackers[userID]...)
}

// SetPresenceStatus applies a manual status to every session of userID.
// Without a live session the stored record is updated directly.
func (s *chatService) SetPresenceStatus(ctx context.Context, userID string, status model.PresenceStatus) error {
	if status != model.StatusOnline && status != model.StatusBusy {
		return invalid("status %q cannot be set manually", status)
	}

	trackers := s.sessions(userID)
	if len(trackers) == 0 {
		return s.presence.SetStatus(ctx, userID, status)
	}
	for _, t := range trackers {
		if err := t.SetStatus(status); err != nil {
			return invalid("%v", err)
		}
	}
	return nil
}

func (s *chatService) SetActivity(ctx context.Context, userID, label string) {
	var activity *string
	if label != "" {
		activity = &label
	}
	if err := s.presence.SetActivity(ctx, userID, activity); err != nil {
		s.logger.Warn("set activity failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// GetPresence returns the user's record with its status adjusted for
// staleness. A user with no record is reported offline.
func (s *chatService) GetPresence(ctx context.Context, userID string) (*model.PresenceRecord, error) {
	record, err := s.presence.Get(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return &model.PresenceRecord{UserID: userID, Status: model.StatusOffline}, nil
	}
	if err != nil {
		return nil, err
	}
	record.Status = record.EffectiveStatus(s.clock.Now(), s.presenceCfg.StaleAfter())
	return record, nil
}

func (s *chatService) ListOnlineUsers(ctx context.Context, excludeUserID string) ([]model.PresenceRecord, error) {
	records, err := s.presence.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	return s.online(records, excludeUserID), nil
}

// SubscribeOnlineUsers delivers the effectively online users other than
// excludeUserID. Records are re-evaluated every heartbeat interval so a
// session that died without a teardown drops out once it is stale.
func (s *chatService) SubscribeOnlineUsers(ctx context.Context, excludeUserID string, emit func([]model.PresenceRecord)) *live.Subscription {
	return s.registry.Start(ctx, "presence:"+excludeUserID, func(ctx context.Context) {
		s.watchOnline(ctx, excludeUserID, emit)
	})
}

func (s *chatService) watchOnline(ctx context.Context, excludeUserID string, emit func([]model.PresenceRecord)) {
	snapshots := make(chan []model.PresenceRecord, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.presence.WatchActive(ctx, func(records []model.PresenceRecord) {
			select {
			case <-snapshots:
			default:
			}
			snapshots <- records
		})
	}()
	defer wg.Wait()

	ticker := s.clock.Ticker(s.presenceCfg.Heartbeat)
	defer ticker.Stop()

	var (
		records []model.PresenceRecord
		last    []model.PresenceRecord
		ready   bool
		emitted bool
	)
	for {
		select {
		case <-ctx.Done():
			return
		case records = <-snapshots:
			ready = true
		case <-ticker.C:
			if !ready {
				continue
			}
		}

		online := s.online(records, excludeUserID)
		if !emitted || !sameOnline(last, online) {
			emit(online)
			last = online
			emitted = true
		}
	}
}

func (s *chatService) online(records []model.PresenceRecord, excludeUserID string) []model.PresenceRecord {
	now := s.clock.Now()
	return Filter(records, func(r model.PresenceRecord) bool {
		return r.UserID != excludeUserID && presence.IsEffectivelyOnline(&r, now, s.presenceCfg)
	})
}

// sameOnline compares what a viewer sees: who is online, their status and activity.
func sameOnline(a, b []model.PresenceRecord) bool {
	if len(a) != len(b) {
		return false
	}
	key := func(r model.PresenceRecord) string {
		activity := ""
		if r.CurrentActivity != nil {
			activity = *r.CurrentActivity
		}
		return r.UserID + "|" + string(r.Status) + "|" + activity
	}
	seen := make(map[string]struct{}, len(a))
	for _, r := range a {
		seen[key(r)] = struct{}{}
	}
	for _, r := range b {
		if _, ok := seen[key(r)]; !ok {
			return false
		}
	}
	return true
}

// Close stops every presence tracker and waits for pending notifications.
func (s *chatService) Close() {
	s.trackersMu.Lock()
	all := s.trackers
	s.trackers = make(map[string][]*presence.Tracker)
	s.trackersMu.Unlock()

	for _, trackers := range all {
		for _, t := range trackers {
			t.Stop()
		}
	}
	s.notifyWG.Wait()
}
