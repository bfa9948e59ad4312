package domain

// Outbound event types.
const (
	EventSnapshot       = "snapshot"
	EventPlayerJoined   = "player-joined"
	EventWaitingPlayers = "waiting-players"
	EventStartQuestion  = "start-question"
	EventAnswerCount    = "answer-count"
	EventShowAnswer     = "show-answer"
	EventGameFinished   = "game-finished"
	EventRoomError      = "room-error"
	EventRoomClosed     = "room-closed"
	EventAnswerAccepted = "answer-accepted"
	EventRejected       = "rejected"
	EventError          = "error"
	EventSuperseded     = "superseded"
	EventPong           = "pong"
)

// Inbound command types.
const (
	CommandStartGame    = "start-game"
	CommandSubmitAnswer = "submit-answer"
	CommandLeave        = "leave"
	CommandPing         = "ping"
)

// Event is a server-to-client message. Payload is one of the payload types below.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type PlayerJoinedPayload struct {
	Count  int         `json:"count"`
	Player RosterEntry `json:"player"`
}

type WaitingPlayersPayload struct {
	Count int `json:"count"`
}

type StartQuestionPayload struct {
	QuestionView
	DurationMs int64 `json:"durationMs"`
}

type AnswerCountPayload struct {
	Index    int `json:"index"`
	Answered int `json:"answered"`
}

type ShowAnswerPayload struct {
	Index        int            `json:"index"`
	CorrectIndex int            `json:"correctIndex"`
	Results      []AnswerResult `json:"results"`
	DurationMs   int64          `json:"durationMs"`
}

type GameFinishedPayload struct {
	Ranking []RankingEntry `json:"ranking"`
}

type AnswerAcceptedPayload struct {
	Index       int `json:"index"`
	OptionIndex int `json:"optionIndex"`
}

type RejectedPayload struct {
	Command string `json:"command"`
	Reason  string `json:"reason"`
}

type MessagePayload struct {
	Message string `json:"message"`
}

type RoomClosedPayload struct {
	Reason string `json:"reason"`
}
