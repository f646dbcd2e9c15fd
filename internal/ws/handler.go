// Package ws is the relay engine: the websocket protocol state machine that
// ties identities, channel membership, transmission buffering, history, and
// welcome playback together.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"breaker/server/internal/auth"
	"breaker/server/internal/config"
	"breaker/server/internal/core"
	"breaker/server/internal/protocol"
	"breaker/server/internal/store"
	"breaker/server/internal/welcome"
)

// Handler owns websocket transport for the relay.
type Handler struct {
	cfg        *config.Config
	identities *core.Identities
	channels   *core.Channels
	store      *store.Store
	validator  auth.Validator
	welcome    *welcome.Hook
	upgrader   websocket.Upgrader
}

// NewHandler creates a websocket handler. validator and hook may be nil when
// the deployment runs anonymous-only or with welcome playback off.
func NewHandler(cfg *config.Config, identities *core.Identities, channels *core.Channels, st *store.Store, validator auth.Validator, hook *welcome.Hook) *Handler {
	return &Handler{
		cfg:        cfg,
		identities: identities,
		channels:   channels,
		store:      st,
		validator:  validator,
		welcome:    hook,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	clientIP := h.cfg.ClientIP(c.Request().RemoteAddr, c.Request().Header.Get("X-Forwarded-For"))

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn, clientIP)
	return nil
}

// connState is the per-connection protocol state. It is only ever touched by
// the connection's read loop, which handles one frame at a time.
type connState struct {
	sess     *core.Session
	clientIP string
	identity core.Identity
	named    bool
	channel  string             // "" = not in a channel
	tx       *core.Transmission // nil = not talking
}

func (h *Handler) serveConn(conn *websocket.Conn, clientIP string) {
	defer conn.Close()
	conn.SetReadLimit(maxFrameBytes)

	st := &connState{
		sess:     core.NewSession(uuid.NewString()),
		clientIP: clientIP,
	}
	slog.Info("connection opened", "client_id", st.sess.ClientID, "client_ip", clientIP)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for out := range st.sess.Send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		}
	}()

	defer func() {
		h.cleanup(st)
		close(st.sess.Send)
		<-writerDone
		slog.Info("connection closed", "client_id", st.sess.ClientID)
	}()

	if !h.cfg.AnonymousMode {
		st.sess.TrySend(protocol.Message{Type: protocol.TypeAuthenticationRequired})
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var in protocol.Message
		if err := json.Unmarshal(raw, &in); err != nil {
			slog.Debug("malformed frame dropped", "client_id", st.sess.ClientID, "err", err)
			continue
		}
		h.handleFrame(st, in)
	}
}

// cleanup tears down everything a connection holds: open transmission,
// channel membership, reserved name. Safe on connections that never got past
// the unnamed state.
func (h *Handler) cleanup(st *connState) {
	h.leaveCurrentChannel(st)
	h.identities.Release(st.sess.ClientID)
}

func (h *Handler) handleFrame(st *connState, in protocol.Message) {
	switch in.Type {
	case protocol.TypePing:
		st.sess.TrySend(protocol.Message{Type: protocol.TypePong, TS: in.TS})

	case protocol.TypeAuthenticate:
		h.handleAuthenticate(st, in)

	case protocol.TypeSetScreenName:
		h.handleSetScreenName(st, in)

	case protocol.TypeJoinChannel:
		h.handleJoinChannel(st, in)

	case protocol.TypeLeaveChannel:
		h.handleLeaveChannel(st)

	case protocol.TypePushToTalkStart:
		h.handlePTTStart(st, in)

	case protocol.TypeAudioData:
		h.handleAudioData(st, in)

	case protocol.TypePushToTalkEnd:
		h.handlePTTEnd(st)

	case protocol.TypeHistoryRequest:
		h.handleHistoryRequest(st, in)

	case protocol.TypeReloadWelcomeMessages:
		h.handleReloadWelcome(st)

	case protocol.TypeGetCodecPreferences:
		h.handleGetCodecPrefs(st)

	case protocol.TypeSetCodecPreferences:
		h.handleSetCodecPrefs(st, in)

	default:
		slog.Debug("unknown frame type dropped", "client_id", st.sess.ClientID, "type", in.Type)
	}
}

func (h *Handler) handleAuthenticate(st *connState, in protocol.Message) {
	if st.named {
		h.sendError(st, "", "already identified")
		return
	}
	if h.validator == nil {
		h.sendError(st, protocol.CodeInvalidToken, "authentication is not configured")
		return
	}

	id, err := h.validator.ValidateAccessToken(context.Background(), in.Token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			h.sendError(st, protocol.CodeInvalidToken, "token validation failed")
		} else {
			h.sendError(st, protocol.CodeInternalStoreError, "authentication temporarily unavailable")
		}
		return
	}

	if err := h.identities.BindAuthenticated(st.sess.ClientID, id.UserID, id.Username); err != nil {
		h.sendError(st, protocol.CodeNameTaken, "account is already connected")
		return
	}
	st.identity = core.Identity{UserID: id.UserID, ScreenName: id.Username}
	st.named = true

	st.sess.TrySend(protocol.Message{
		Type: protocol.TypeAuthenticated,
		User: &protocol.UserRef{ID: id.UserID, Username: id.Username},
	})
	if h.welcome != nil {
		h.welcome.Play(context.Background(), st.sess, welcome.TriggerConnect, "")
	}
}

func (h *Handler) handleSetScreenName(st *connState, in protocol.Message) {
	if st.named {
		h.sendError(st, "", "already identified")
		return
	}
	if !h.cfg.AnonymousMode {
		h.sendError(st, protocol.CodeAnonymousDisabled, "anonymous mode is disabled")
		return
	}

	name := strings.TrimSpace(in.ScreenName)
	if !h.cfg.ValidScreenName(name) || strings.EqualFold(name, "server") {
		h.sendError(st, protocol.CodeNameInvalid, fmt.Sprintf(
			"screen name must be %d-%d characters matching %s",
			h.cfg.ScreenNameMinLength, h.cfg.ScreenNameMaxLength, h.cfg.ScreenNamePattern))
		return
	}

	if err := h.identities.BindAnonymous(context.Background(), st.sess.ClientID, name); err != nil {
		if errors.Is(err, core.ErrNameTaken) {
			h.sendError(st, protocol.CodeNameTaken, "screen name is already in use")
		} else {
			h.sendError(st, protocol.CodeInternalStoreError, "screen name check failed")
		}
		return
	}
	st.identity = core.Identity{ScreenName: name}
	st.named = true

	st.sess.TrySend(protocol.Message{Type: protocol.TypeScreenNameSet, ScreenName: name})
	if h.welcome != nil {
		h.welcome.Play(context.Background(), st.sess, welcome.TriggerConnect, "")
	}
}

func (h *Handler) handleJoinChannel(st *connState, in protocol.Message) {
	if !h.requireNamed(st) {
		return
	}
	target := strings.TrimSpace(in.Channel)
	if !core.ValidChannelID(target) {
		h.sendError(st, protocol.CodeInvalidChannel, "Invalid channel: must be a number from 1 to 999")
		return
	}

	h.leaveCurrentChannel(st)

	count := h.channels.Attach(st.sess, target)
	st.channel = target

	st.sess.TrySend(protocol.Message{
		Type:         protocol.TypeChannelJoined,
		Channel:      target,
		Participants: count,
	})
	h.channels.Broadcast(target, protocol.Message{
		Type:         protocol.TypeParticipantJoined,
		ScreenName:   st.identity.ScreenName,
		Participants: count,
	}, st.sess.ClientID)

	if h.welcome != nil {
		h.welcome.Play(context.Background(), st.sess, welcome.TriggerChannelJoin, target)
	}
}

func (h *Handler) handleLeaveChannel(st *connState) {
	if !h.requireNamed(st) {
		return
	}
	if st.channel == "" {
		h.sendError(st, protocol.CodeNotInChannel, "not in a channel")
		return
	}
	left := st.channel
	h.leaveCurrentChannel(st)
	st.sess.TrySend(protocol.Message{Type: protocol.TypeChannelLeft, Channel: left})
}

// leaveCurrentChannel detaches the connection from its channel, discarding
// any open transmission and notifying remaining members. No-op when the
// connection is not in a channel.
func (h *Handler) leaveCurrentChannel(st *connState) {
	if st.channel == "" {
		return
	}

	if st.tx != nil {
		speaking := false
		h.channels.Broadcast(st.channel, protocol.Message{
			Type:       protocol.TypeUserSpeaking,
			Speaking:   &speaking,
			ScreenName: st.identity.ScreenName,
		}, st.sess.ClientID)
		st.tx = nil
	}

	remaining, ok := h.channels.Detach(st.sess.ClientID, st.channel)
	if ok && remaining > 0 {
		h.channels.Broadcast(st.channel, protocol.Message{
			Type:         protocol.TypeParticipantLeft,
			ScreenName:   st.identity.ScreenName,
			Participants: remaining,
		}, st.sess.ClientID)
	}
	st.channel = ""
}

func (h *Handler) handlePTTStart(st *connState, in protocol.Message) {
	if !h.requireNamed(st) {
		return
	}
	if st.channel == "" {
		h.sendError(st, protocol.CodeNotInChannel, "join a channel before talking")
		return
	}

	st.tx = core.NewTransmission(
		st.sess.ClientID, st.channel,
		in.SampleRate, in.EffectiveCodec(), in.Bitrate,
		h.transmissionCap())

	speaking := true
	h.channels.Broadcast(st.channel, protocol.Message{
		Type:       protocol.TypeUserSpeaking,
		Speaking:   &speaking,
		ScreenName: st.identity.ScreenName,
	}, st.sess.ClientID)
}

func (h *Handler) handleAudioData(st *connState, in protocol.Message) {
	if !h.requireNamed(st) {
		return
	}
	if st.channel == "" {
		h.sendError(st, protocol.CodeNotInChannel, "join a channel before sending audio")
		return
	}

	// Relay verbatim: peers see the data, codec/format spelling, sample rate
	// and channel count exactly as the sender framed them. Never echoed back.
	out := protocol.Message{
		Type:       protocol.TypeAudioData,
		Channel:    st.channel,
		Data:       in.Data,
		Codec:      in.Codec,
		Format:     in.Format,
		SampleRate: in.SampleRate,
		Channels:   in.Channels,
		Bitrate:    in.Bitrate,
	}
	h.channels.Broadcast(st.channel, out, st.sess.ClientID)

	codec := in.EffectiveCodec()
	if codec != protocol.CodecPCM16 && codec != protocol.CodecOpus {
		return
	}
	if st.tx == nil {
		// push_to_talk_start was missed (reconnect race); open the buffer lazily.
		st.tx = core.NewTransmission(
			st.sess.ClientID, st.channel,
			in.SampleRate, codec, in.Bitrate,
			h.transmissionCap())
	}
	st.tx.Append(in.Data, in.DurationMs)
}

func (h *Handler) handlePTTEnd(st *connState) {
	if !h.requireNamed(st) {
		return
	}
	if st.channel == "" {
		h.sendError(st, protocol.CodeNotInChannel, "not in a channel")
		return
	}
	if st.tx == nil {
		h.sendError(st, "", "no active transmission")
		return
	}

	speaking := false
	h.channels.Broadcast(st.channel, protocol.Message{
		Type:       protocol.TypeUserSpeaking,
		Speaking:   &speaking,
		ScreenName: st.identity.ScreenName,
	}, st.sess.ClientID)

	tx := st.tx
	st.tx = nil

	fin, err := tx.Finalize()
	if err != nil {
		slog.Error("transmission reconstruction failed", "client_id", st.sess.ClientID, "channel", tx.Channel, "err", err)
		h.sendError(st, "", "transmission could not be reconstructed")
		return
	}
	if fin.AudioData == "" {
		return // empty transmission, nothing to persist
	}

	row := store.Message{
		Channel:     fin.Channel,
		ClientID:    fin.ClientID,
		ScreenName:  st.identity.ScreenName,
		AudioData:   fin.AudioData,
		SampleRate:  fin.SampleRate,
		Codec:       fin.Codec,
		Bitrate:     fin.Bitrate,
		DurationMs:  fin.DurationMs,
		TimestampMs: time.Now().UnixMilli(),
	}
	if st.identity.Authenticated() {
		uid := st.identity.UserID
		row.UserID = &uid
	}

	// Background context: the write must complete even if the connection
	// drops right after the final frame.
	if _, err := h.store.RecordMessage(context.Background(), row, h.retention()); err != nil {
		slog.Error("history write failed", "channel", fin.Channel, "err", err)
		h.sendError(st, protocol.CodeInternalStoreError, "message could not be recorded")
	}
}

func (h *Handler) handleHistoryRequest(st *connState, in protocol.Message) {
	if !h.requireNamed(st) {
		return
	}
	channel := strings.TrimSpace(in.Channel)
	if channel == "" {
		channel = st.channel
	}
	if !core.ValidChannelID(channel) {
		h.sendError(st, protocol.CodeInvalidChannel, "Invalid channel: must be a number from 1 to 999")
		return
	}

	rows, err := h.store.History(context.Background(), channel, h.retention())
	if err != nil {
		slog.Error("history read failed", "channel", channel, "err", err)
		h.sendError(st, protocol.CodeInternalStoreError, "history unavailable")
		return
	}

	msgs := make([]protocol.HistoryMessage, 0, len(rows))
	for _, m := range rows {
		msgs = append(msgs, protocol.HistoryMessage{
			ID:          m.ID,
			Channel:     m.Channel,
			ClientID:    m.ClientID,
			UserID:      m.UserID,
			ScreenName:  m.ScreenName,
			AudioData:   m.AudioData,
			SampleRate:  m.SampleRate,
			Codec:       m.Codec,
			Bitrate:     m.Bitrate,
			DurationMs:  m.DurationMs,
			TimestampMs: m.TimestampMs,
		})
	}
	st.sess.TrySend(protocol.Message{
		Type:     protocol.TypeHistoryResponse,
		Channel:  channel,
		Messages: msgs,
	})
}

func (h *Handler) handleReloadWelcome(st *connState) {
	if !h.requireNamed(st) {
		return
	}
	if h.welcome != nil {
		if err := h.welcome.Reload(context.Background()); err != nil {
			h.sendError(st, protocol.CodeInternalStoreError, "welcome messages could not be reloaded")
			return
		}
	}
	st.sess.TrySend(protocol.Message{Type: protocol.TypeWelcomeMessagesReloaded})
}

func (h *Handler) handleGetCodecPrefs(st *connState) {
	if !h.requireNamed(st) {
		return
	}
	if !st.identity.Authenticated() {
		h.sendError(st, protocol.CodeAuthRequired, "codec preferences require an account")
		return
	}
	p, err := h.store.CodecPreferenceByUser(context.Background(), st.identity.UserID)
	if err != nil {
		h.sendError(st, protocol.CodeInternalStoreError, "codec preferences unavailable")
		return
	}
	st.sess.TrySend(protocol.Message{
		Type: protocol.TypeCodecPreferences,
		Preferences: &protocol.CodecPrefs{
			PreferredCodec: p.PreferredCodec,
			FallbackCodec:  p.FallbackCodec,
			OpusBitrate:    p.OpusBitrate,
		},
	})
}

func (h *Handler) handleSetCodecPrefs(st *connState, in protocol.Message) {
	if !h.requireNamed(st) {
		return
	}
	if !st.identity.Authenticated() {
		h.sendError(st, protocol.CodeAuthRequired, "codec preferences require an account")
		return
	}
	if in.Preferences == nil {
		h.sendError(st, "", "preferences payload is required")
		return
	}
	p := store.CodecPreference{
		UserID:         st.identity.UserID,
		PreferredCodec: in.Preferences.PreferredCodec,
		FallbackCodec:  in.Preferences.FallbackCodec,
		OpusBitrate:    in.Preferences.OpusBitrate,
	}
	if err := h.store.SetCodecPreference(context.Background(), p); err != nil {
		h.sendError(st, "", err.Error())
		return
	}
	st.sess.TrySend(protocol.Message{Type: protocol.TypeCodecPreferences, Preferences: in.Preferences})
}

// requireNamed rejects frames that need an identity before one is bound.
func (h *Handler) requireNamed(st *connState) bool {
	if st.named {
		return true
	}
	h.sendError(st, protocol.CodeAuthRequired, "identify before using this command")
	return false
}

func (h *Handler) sendError(st *connState, code, msg string) {
	st.sess.TrySend(protocol.Message{Type: protocol.TypeError, Code: code, Msg: msg})
}

func (h *Handler) retention() store.Retention {
	return store.Retention{
		MaxCount: h.cfg.HistoryMaxCount,
		MaxAge:   time.Duration(h.cfg.HistoryMaxAge) * time.Second,
	}
}

func (h *Handler) transmissionCap() int64 {
	return int64(h.cfg.HistoryMaxAge) * transmissionByteRate
}
