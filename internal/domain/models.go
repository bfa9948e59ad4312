package domain

import (
	"fmt"
	"time"
)

// Phase is the lifecycle stage of a quiz session.
type Phase string

const (
	PhaseWaiting        Phase = "waiting"
	PhaseQuestionActive Phase = "question-active"
	PhaseAnswerReveal   Phase = "answer-reveal"
	PhaseFinished       Phase = "finished"
)

// Question is a multiple choice question. AnswerIndex is 1-based: the first
// option is answer 1. Submissions from clients are 0-based option indexes.
type Question struct {
	Prompt      string   `json:"question" yaml:"question"`
	Options     []string `json:"options" yaml:"options"`
	AnswerIndex int      `json:"answer" yaml:"answer"`
}

// CorrectOption returns the 0-based option index of the correct answer.
func (q Question) CorrectOption() int {
	return q.AnswerIndex - 1
}

// IsCorrect reports whether a 0-based option index is the right answer.
func (q Question) IsCorrect(option int) bool {
	return option == q.CorrectOption()
}

// HasOption reports whether a 0-based option index exists.
func (q Question) HasOption(option int) bool {
	return option >= 0 && option < len(q.Options)
}

// Validate checks the question has options and an answer that points at one of them.
func (q Question) Validate() error {
	if len(q.Options) < 2 {
		return fmt.Errorf("%w: need at least 2 options, got %d", ErrInvalidQuestion, len(q.Options))
	}
	if q.AnswerIndex < 1 || q.AnswerIndex > len(q.Options) {
		return fmt.Errorf("%w: answer %d outside 1..%d", ErrInvalidQuestion, q.AnswerIndex, len(q.Options))
	}
	return nil
}

// QuestionSet is the ordered list of questions played in a room.
type QuestionSet struct {
	RoomID    string     `json:"roomId" yaml:"roomId"`
	Questions []Question `json:"questions" yaml:"questions"`
}

// Validate rejects empty sets and malformed questions.
func (s QuestionSet) Validate() error {
	if len(s.Questions) == 0 {
		return fmt.Errorf("%w: room %s has no questions", ErrQuestionsNotFound, s.RoomID)
	}
	for i, q := range s.Questions {
		if err := q.Validate(); err != nil {
			return fmt.Errorf("question %d: %w", i, err)
		}
	}
	return nil
}

// Identity is an authenticated player.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatar,omitempty"`
}

// RosterEntry is a snapshot-friendly view of a player in a room.
type RosterEntry struct {
	PlayerID    string `json:"playerId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatar,omitempty"`
	Score       int    `json:"score"`
	Connected   bool   `json:"connected"`
}

// RankingEntry is one line of the end-of-game ranking.
type RankingEntry struct {
	Rank        int    `json:"rank"`
	PlayerID    string `json:"playerId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatar,omitempty"`
	Score       int    `json:"score"`
}

// AnswerResult is the per-player outcome of a revealed question.
type AnswerResult struct {
	PlayerID    string `json:"playerId"`
	Answered    bool   `json:"answered"`
	OptionIndex int    `json:"optionIndex"`
	Correct     bool   `json:"correct"`
	Awarded     int    `json:"awarded"`
	Score       int    `json:"score"`
}

// GameResult is the final outcome of a room, handed to result sinks.
type GameResult struct {
	RoomID     string         `json:"roomId"`
	Questions  int            `json:"questions"`
	Ranking    []RankingEntry `json:"ranking"`
	FinishedAt time.Time      `json:"finishedAt"`
}

// LeaderboardEntry is a player's accumulated score across games.
type LeaderboardEntry struct {
	PlayerID string `json:"playerId"`
	Score    int    `json:"score"`
}

// QuestionView is a question as shown to players, without the answer.
type QuestionView struct {
	Index   int      `json:"index"`
	Total   int      `json:"total"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options"`
}

// PlayerView is the requesting player's own state inside a snapshot.
type PlayerView struct {
	PlayerID string `json:"playerId"`
	Score    int    `json:"score"`
	Answered bool   `json:"answered"`
}

// Snapshot is the full state sent to a (re)bound connection.
type Snapshot struct {
	RoomID         string         `json:"roomId"`
	Phase          Phase          `json:"phase"`
	QuestionIndex  int            `json:"questionIndex"`
	TotalQuestions int            `json:"totalQuestions"`
	Question       *QuestionView  `json:"question,omitempty"`
	CorrectIndex   *int           `json:"correctIndex,omitempty"`
	RemainingMs    int64          `json:"remainingMs"`
	Roster         []RosterEntry  `json:"roster"`
	Ranking        []RankingEntry `json:"ranking,omitempty"`
	You            *PlayerView    `json:"you,omitempty"`
}
