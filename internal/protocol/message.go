package protocol

// Message types used by the websocket protocol.
const (
	// Client → server.
	TypeAuthenticate          = "authenticate"
	TypeSetScreenName         = "set_screen_name"
	TypeJoinChannel           = "join_channel"
	TypeLeaveChannel          = "leave_channel"
	TypePushToTalkStart       = "push_to_talk_start"
	TypeAudioData             = "audio_data"
	TypePushToTalkEnd         = "push_to_talk_end"
	TypeHistoryRequest        = "history_request"
	TypeReloadWelcomeMessages = "reload_welcome_messages"
	TypeGetCodecPreferences   = "get_codec_preferences"
	TypeSetCodecPreferences   = "set_codec_preferences"
	TypePing                  = "ping"

	// Server → client.
	TypeAuthenticationRequired  = "authentication_required"
	TypeAuthenticated           = "authenticated"
	TypeScreenNameSet           = "screen_name_set"
	TypeChannelJoined           = "channel_joined"
	TypeChannelLeft             = "channel_left"
	TypeParticipantJoined       = "participant_joined"
	TypeParticipantLeft         = "participant_left"
	TypeUserSpeaking            = "user_speaking"
	TypeAudioStart              = "audio_start"
	TypeAudio                   = "audio"
	TypeAudioEnd                = "audio_end"
	TypeHistoryResponse         = "history_response"
	TypeWelcomeMessagesReloaded = "welcome_messages_reloaded"
	TypeCodecPreferences        = "codec_preferences"
	TypePong                    = "pong"
	TypeError                   = "error"
)

// Recognized audio codecs.
const (
	CodecPCM16 = "pcm16"
	CodecOpus  = "opus"
)

// Error codes carried in error frames.
const (
	CodeAuthRequired       = "auth_required"
	CodeInvalidToken       = "invalid_token"
	CodeAnonymousDisabled  = "anonymous_disabled"
	CodeNameInvalid        = "screen_name_invalid"
	CodeNameTaken          = "screen_name_taken"
	CodeInvalidChannel     = "invalid_channel"
	CodeNotInChannel       = "not_in_channel"
	CodeInternalStoreError = "internal_store_error"
)

// Message is the JSON envelope exchanged over websocket. Exactly one logical
// frame per websocket message; unused fields are omitted.
type Message struct {
	Type       string `json:"type"`
	Token      string `json:"token,omitempty"`
	ScreenName string `json:"screen_name,omitempty"`
	Channel    string `json:"channel,omitempty"`

	// Audio payload fields. Codec and Format are both carried so a relayed
	// frame keeps whichever spelling the sender used.
	Data       string `json:"data,omitempty"`
	Codec      string `json:"codec,omitempty"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Bitrate    int    `json:"bitrate,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"` // opus: declared per-chunk duration

	Speaking     *bool            `json:"speaking,omitempty"`
	Participants int              `json:"participants,omitempty"`
	IsWelcome    bool             `json:"is_welcome,omitempty"`
	User         *UserRef         `json:"user,omitempty"`
	Messages     []HistoryMessage `json:"messages,omitempty"`
	Preferences  *CodecPrefs      `json:"preferences,omitempty"`

	TS   int64  `json:"ts,omitempty"`
	Msg  string `json:"message,omitempty"` // error frames: short reason
	Code string `json:"code,omitempty"`    // error frames: machine-readable code
}

// UserRef identifies an authenticated account in authenticated frames.
type UserRef struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// HistoryMessage is one persisted transmission in a history_response.
type HistoryMessage struct {
	ID          int64  `json:"id"`
	Channel     string `json:"channel"`
	ClientID    string `json:"client_id"`
	UserID      *int64 `json:"user_id,omitempty"`
	ScreenName  string `json:"screen_name"`
	AudioData   string `json:"audio_data"`
	SampleRate  int    `json:"sample_rate"`
	Codec       string `json:"codec"`
	Bitrate     int    `json:"bitrate,omitempty"`
	DurationMs  int64  `json:"duration_ms"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// CodecPrefs is the per-user codec preference payload.
type CodecPrefs struct {
	PreferredCodec string `json:"preferred_codec"`
	FallbackCodec  string `json:"fallback_codec"`
	OpusBitrate    int    `json:"opus_bitrate"`
}

// EffectiveCodec resolves the codec of an audio frame: codec wins over
// format, and a frame carrying neither is treated as pcm16.
func (m Message) EffectiveCodec() string {
	if m.Codec != "" {
		return m.Codec
	}
	if m.Format != "" {
		return m.Format
	}
	return CodecPCM16
}
