package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/genfree/realtime/internal/audit"
	"github.com/genfree/realtime/internal/domain"
	"github.com/genfree/realtime/internal/hub"
	"github.com/genfree/realtime/internal/identity"
	"github.com/genfree/realtime/internal/idgen"
	"github.com/genfree/realtime/internal/kafka"
	"github.com/genfree/realtime/internal/store"
	"github.com/genfree/realtime/pkg/log"
	"github.com/genfree/realtime/pkg/pubsub"
)

// Config holds presence service configuration.
type Config struct {
	InstanceID       string
	MaxMessageLength int
	StoreTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxMessageLength <= 0 {
		c.MaxMessageLength = 500
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 3 * time.Second
	}
	return c
}

type presenceService struct {
	hub      *hub.Hub
	store    store.Store
	resolver identity.Resolver
	ids      idgen.Generator
	relay    pubsub.Publisher // nil delivers locally only
	activity kafka.ActivityProducer
	validate *validator.Validate
	config   Config
	now      func() time.Time

	statusMu sync.RWMutex
	statuses map[string]string // stream channel key -> last status
}

// NewPresenceService creates a PresenceService and installs its depart
// handler on h. relay and activity may be nil.
func NewPresenceService(
	h *hub.Hub,
	st store.Store,
	resolver identity.Resolver,
	ids idgen.Generator,
	relay pubsub.Publisher,
	activity kafka.ActivityProducer,
	cfg Config,
) PresenceService {
	if activity == nil {
		activity = kafka.NopProducer{}
	}
	s := &presenceService{
		hub:      h,
		store:    st,
		resolver: resolver,
		ids:      ids,
		relay:    relay,
		activity: activity,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		config:   cfg.withDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
		statuses: make(map[string]string),
	}
	h.SetDepartHandler(s.onDepart)
	return s
}

func (s *presenceService) Authenticate(ctx context.Context, channelKey string, creds identity.Credentials) (domain.Identity, error) {
	id, err := s.resolver.Resolve(creds)
	if err != nil {
		if errors.Is(err, domain.ErrAuthenticationRejected) {
			audit.LogWithDetail(ctx, audit.ActionAuthFailed, channelKey, domain.Identity{SessionID: creds.SessionID}, err.Error(), "connection rejected")
		}
		return domain.Identity{}, err
	}
	return id, nil
}

func (s *presenceService) Join(ctx context.Context, channelKey string, id domain.Identity, conn hub.Conn) (*hub.Membership, error) {
	if _, _, err := domain.ParseChannelKey(channelKey); err != nil {
		return nil, err
	}

	m, err := s.hub.Join(channelKey, id, conn)
	if err != nil {
		return nil, err
	}

	welcome := &domain.ConnectionEstablishedMessage{
		Type:         domain.MsgTypeConnectionEstablished,
		Channel:      channelKey,
		MembershipID: m.ID,
		Session:      id.SessionID,
		Count:        s.hub.Presence(channelKey),
		StreamStatus: s.streamStatus(channelKey),
	}
	if err := s.hub.Send(m, welcome); err != nil {
		return nil, fmt.Errorf("greet %s: %w", m.ID, err)
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.store.RecordJoin(storeCtx, channelKey, id); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldChannelKey, channelKey).Msg("join not persisted")
	}
	// a reconnect that replaced the viewer's previous membership is not a new viewer
	if sid, ok := streamID(channelKey); ok && !m.Replaced {
		sample := store.AnalyticsSample{ConcurrentViewers: s.hub.MembershipCount(channelKey), NewViewers: 1}
		if err := s.store.RecordAnalytics(storeCtx, sid, sample); err != nil {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str(log.FieldChannelKey, channelKey).Msg("viewer analytics not persisted")
		}
	}

	audit.Log(ctx, audit.ActionJoin, channelKey, id, "joined channel")
	s.produce(ctx, &kafka.ActivityEvent{
		Type:         kafka.ActivityJoin,
		ChannelKey:   channelKey,
		MembershipID: m.ID,
		UserID:       authUserID(id),
		SessionID:    id.SessionID,
		Count:        s.hub.MembershipCount(channelKey),
	})
	return m, nil
}

func (s *presenceService) Leave(m *hub.Membership) {
	s.hub.Leave(m)
}

// onDepart runs outside every hub lock for each membership that leaves.
func (s *presenceService) onDepart(m *hub.Membership, cause hub.DepartCause) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.StoreTimeout)
	defer cancel()

	if err := s.store.RecordLeave(ctx, m.ChannelKey, m.Identity); err != nil {
		l := log.L()
		l.Warn().Err(err).Str(log.FieldChannelKey, m.ChannelKey).Str(log.FieldMembershipID, m.ID).Msg("leave not persisted")
	}

	audit.LogWithDetail(ctx, audit.ActionLeave, m.ChannelKey, m.Identity, string(cause), "left channel")
	s.produce(ctx, &kafka.ActivityEvent{
		Type:         kafka.ActivityLeave,
		ChannelKey:   m.ChannelKey,
		MembershipID: m.ID,
		UserID:       authUserID(m.Identity),
		SessionID:    m.Identity.SessionID,
		Count:        s.hub.MembershipCount(m.ChannelKey),
		Cause:        string(cause),
	})
}

func (s *presenceService) HandleFrame(ctx context.Context, m *hub.Membership, raw []byte) {
	if m.State() != hub.StateJoined {
		return
	}
	m.Touch(s.now())

	var base domain.BaseMessage
	if err := json.Unmarshal(raw, &base); err != nil {
		s.SendError(m, domain.ErrCodeInvalidJSON, "Invalid JSON format")
		return
	}

	if base.Type == "" {
		base.Type = domain.MsgTypeChatMessage
	}

	var err error
	switch base.Type {
	case domain.MsgTypeChatMessage:
		err = s.handleChat(ctx, m, raw)
	case domain.MsgTypeTyping:
		err = s.handleTyping(m, raw)
	case domain.MsgTypeReaction:
		err = s.handleReaction(ctx, m, raw)
	case domain.MsgTypePing, domain.MsgTypeHeartbeat:
		err = s.hub.Send(m, &domain.PongMessage{Type: domain.MsgTypePong, Timestamp: s.now().Unix()})
	case domain.MsgTypeQualityReport:
		err = s.handleQualityReport(ctx, m, raw)
	case domain.MsgTypeAnalytics:
		err = s.handleAnalytics(ctx, m, raw)
	case domain.MsgTypeAuthenticate, domain.MsgTypeAuthentication:
		// identity is settled at upgrade; clients still send this on open
		return
	default:
		l := log.Ctx(ctx)
		l.Debug().
			Str(log.FieldMembershipID, m.ID).
			Str(log.FieldEventType, base.Type).
			Msg("ignoring unknown frame type")
		return
	}

	if errors.Is(err, domain.ErrInvalidPayload) {
		s.SendError(m, domain.ErrCodeInvalidPayload, err.Error())
		return
	}
	if err != nil {
		l := log.Ctx(ctx)
		l.Debug().Err(err).
			Str(log.FieldMembershipID, m.ID).
			Str(log.FieldEventType, base.Type).
			Msg("frame not handled")
	}
}

func (s *presenceService) handleChat(ctx context.Context, m *hub.Membership, raw []byte) error {
	var in domain.ChatMessageIn
	if err := s.decode(raw, &in); err != nil {
		return err
	}

	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil
	}
	if utf8.RuneCountInString(content) > s.config.MaxMessageLength {
		s.SendError(m, domain.ErrCodeMessageTooLong, fmt.Sprintf("Message too long (max %d characters)", s.config.MaxMessageLength))
		return nil
	}

	kind := in.MessageType
	if kind == "" {
		kind = domain.MessageKindText
	}
	id, err := s.ids.Generate()
	if err != nil {
		return fmt.Errorf("generate message id: %w", err)
	}

	msg := &domain.ChatMessage{
		ID:          id,
		Channel:     m.ChannelKey,
		UserID:      authUserID(m.Identity),
		SessionID:   m.Identity.SessionID,
		SenderName:  m.Identity.DisplayName(),
		MessageType: kind,
		Content:     content,
		CreatedAt:   s.now(),
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.store.RecordMessage(storeCtx, msg); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldChannelKey, m.ChannelKey).Msg("chat message not persisted")
	}

	if err := s.hub.Broadcast(m.ChannelKey, &domain.ChatMessageOut{Type: domain.MsgTypeChatMessage, Message: msg}); err != nil {
		return err
	}

	audit.LogWithDetail(ctx, audit.ActionSendMessage, m.ChannelKey, m.Identity, msg.ID, "chat message sent")
	s.produce(ctx, &kafka.ActivityEvent{
		Type:         kafka.ActivityMessage,
		ChannelKey:   m.ChannelKey,
		MembershipID: m.ID,
		UserID:       msg.UserID,
		SessionID:    msg.SessionID,
		MessageID:    msg.ID,
		Count:        s.hub.MembershipCount(m.ChannelKey),
	})
	return nil
}

func (s *presenceService) handleTyping(m *hub.Membership, raw []byte) error {
	var in domain.TypingIn
	if err := s.decode(raw, &in); err != nil {
		return err
	}
	return s.hub.Broadcast(m.ChannelKey, &domain.TypingOut{
		Type:   domain.MsgTypeTyping,
		User:   m.Identity.DisplayName(),
		Typing: in.Typing,
	})
}

func (s *presenceService) handleReaction(ctx context.Context, m *hub.Membership, raw []byte) error {
	var in domain.ReactionIn
	if err := s.decode(raw, &in); err != nil {
		return err
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.store.RecordReaction(storeCtx, m.ChannelKey, m.Identity, in.MessageID, in.Reaction); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldChannelKey, m.ChannelKey).Msg("reaction not persisted")
	}

	return s.hub.Broadcast(m.ChannelKey, &domain.ReactionOut{
		Type:      domain.MsgTypeReaction,
		MessageID: in.MessageID,
		Reaction:  in.Reaction,
		User:      m.Identity.DisplayName(),
	})
}

func (s *presenceService) handleQualityReport(ctx context.Context, m *hub.Membership, raw []byte) error {
	sid, ok := streamID(m.ChannelKey)
	if !ok {
		s.SendError(m, domain.ErrCodeUnsupported, "Quality reports are only accepted on streams")
		return nil
	}

	var in domain.QualityReportIn
	if err := s.decode(raw, &in); err != nil {
		return err
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	return s.store.RecordQuality(storeCtx, sid, s.hub.MembershipCount(m.ChannelKey), in.Quality, in.BufferingRate)
}

func (s *presenceService) handleAnalytics(ctx context.Context, m *hub.Membership, raw []byte) error {
	sid, ok := streamID(m.ChannelKey)
	if !ok {
		s.SendError(m, domain.ErrCodeUnsupported, "Analytics are only accepted on streams")
		return nil
	}

	var in domain.AnalyticsIn
	if err := s.decode(raw, &in); err != nil {
		return err
	}

	// viewer_joined and unrecognised events still record a concurrency
	// sample. New viewers are counted by Join.
	sample := store.AnalyticsSample{ConcurrentViewers: s.hub.MembershipCount(m.ChannelKey)}
	switch in.Event {
	case domain.AnalyticsChatMessage:
		sample.ChatMessages = 1
	case domain.AnalyticsReaction:
		sample.Reactions = 1
	case domain.AnalyticsShare:
		sample.Shares = 1
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	return s.store.RecordAnalytics(storeCtx, sid, sample)
}

func (s *presenceService) SendError(m *hub.Membership, code, message string) {
	_ = s.hub.Send(m, domain.NewErrorMessage(code, message))
}

func (s *presenceService) Presence(channelKey string) domain.PresenceCount {
	return s.hub.Presence(channelKey)
}

func (s *presenceService) PeakPresence(channelKey string) int {
	return s.hub.Peak(channelKey)
}

func (s *presenceService) ListActiveChannels() []hub.ChannelStats {
	return s.hub.ListActiveChannels()
}

func (s *presenceService) RecentMessages(ctx context.Context, channelKey string, limit int) ([]domain.ChatMessage, error) {
	if _, _, err := domain.ParseChannelKey(channelKey); err != nil {
		return nil, err
	}
	return s.store.RecentMessages(ctx, channelKey, limit)
}

func (s *presenceService) Announce(ctx context.Context, channelKey, message, priority, author string) error {
	if _, _, err := domain.ParseChannelKey(channelKey); err != nil {
		return err
	}
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("%w: empty announcement", domain.ErrInvalidPayload)
	}
	if priority == "" {
		priority = domain.DefaultAnnouncementPriority
	}

	err := s.publish(ctx, channelKey, pubsub.EventAnnouncement, pubsub.AnnouncementPayload{
		Message:  message,
		Priority: priority,
		Author:   author,
	})
	if err != nil {
		return err
	}
	audit.LogWithDetail(ctx, audit.ActionAnnouncement, channelKey, domain.Identity{UserID: author, IsAuth: author != ""}, priority, "announcement sent")
	return nil
}

func (s *presenceService) SetStreamStatus(ctx context.Context, streamID, status, message string) error {
	channelKey, err := domain.ChannelKey(domain.KindStream, streamID)
	if err != nil {
		return err
	}
	return s.publish(ctx, channelKey, pubsub.EventStreamStatus, pubsub.StreamStatusPayload{
		Status:  status,
		Message: message,
	})
}

func (s *presenceService) HandleStreamEvent(ctx context.Context, event *kafka.StreamEvent) error {
	switch event.Type {
	case kafka.EventStreamStarted:
		return s.SetStreamStatus(ctx, event.StreamID, domain.StreamStatusLive, event.Message)
	case kafka.EventStreamEnded:
		return s.SetStreamStatus(ctx, event.StreamID, domain.StreamStatusEnded, event.Message)
	case kafka.EventStreamStatus:
		return s.SetStreamStatus(ctx, event.StreamID, event.Status, event.Message)
	case kafka.EventAnnouncement:
		channelKey, err := domain.ChannelKey(domain.KindStream, event.StreamID)
		if err != nil {
			return err
		}
		return s.Announce(ctx, channelKey, event.Message, event.Priority, "")
	default:
		return fmt.Errorf("%w: stream event %q", domain.ErrInvalidPayload, event.Type)
	}
}

// DeliverRelayed broadcasts a relayed event to this instance's members.
func (s *presenceService) DeliverRelayed(ctx context.Context, event *pubsub.Event) error {
	switch event.Type {
	case pubsub.EventAnnouncement:
		var p pubsub.AnnouncementPayload
		if err := event.UnmarshalPayload(&p); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
		return s.hub.Broadcast(event.Channel, &domain.AnnouncementMessage{
			Type:      domain.MsgTypeAnnouncement,
			Message:   p.Message,
			Priority:  p.Priority,
			Timestamp: event.Timestamp.Unix(),
		})

	case pubsub.EventStreamStatus:
		var p pubsub.StreamStatusPayload
		if err := event.UnmarshalPayload(&p); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
		s.setStreamStatus(event.Channel, p.Status)
		return s.hub.Broadcast(event.Channel, &domain.StreamStatusMessage{
			Type:      domain.MsgTypeStreamStatus,
			Status:    p.Status,
			Message:   p.Message,
			Timestamp: event.Timestamp.Unix(),
		})

	default:
		return fmt.Errorf("%w: relayed event %q", domain.ErrInvalidPayload, event.Type)
	}
}

func (s *presenceService) Stop() {
	s.hub.Stop()
}

// publish sends an event through the relay so every instance delivers it,
// this one included. Without a relay, or when it fails, the event is
// delivered to local members only.
func (s *presenceService) publish(ctx context.Context, channelKey, eventType string, payload any) error {
	event, err := pubsub.NewEvent(eventType, channelKey, payload)
	if err != nil {
		return err
	}
	event.Origin = s.config.InstanceID

	if s.relay != nil {
		err := s.relay.Publish(ctx, pubsub.RelayChannel(channelKey), event)
		if err == nil {
			return nil
		}
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldChannelKey, channelKey).Msg("relay publish failed, delivering locally")
	}
	return s.DeliverRelayed(ctx, event)
}

func (s *presenceService) decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return nil
}

func (s *presenceService) produce(ctx context.Context, event *kafka.ActivityEvent) {
	event.Timestamp = s.now().UnixMilli()
	if err := s.activity.ProduceActivity(ctx, event); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldChannelKey, event.ChannelKey).Msg("activity event not produced")
	}
}

func (s *presenceService) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.config.StoreTimeout)
}

// Ended streams are forgotten so the map only tracks live ones.
func (s *presenceService) setStreamStatus(channelKey, status string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if status == domain.StreamStatusEnded {
		delete(s.statuses, channelKey)
		return
	}
	s.statuses[channelKey] = status
}

func (s *presenceService) streamStatus(channelKey string) string {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.statuses[channelKey]
}

func streamID(channelKey string) (string, bool) {
	kind, id, err := domain.ParseChannelKey(channelKey)
	if err != nil || kind != domain.KindStream {
		return "", false
	}
	return id, true
}

func authUserID(id domain.Identity) string {
	if id.IsAuth {
		return id.UserID
	}
	return ""
}
