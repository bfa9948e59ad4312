package app

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"quiz-session-service/internal/domain"
)

// QuestionLoader fetches the ordered questions for a room (REST backend, Postgres, cache).
type QuestionLoader interface {
	LoadQuestions(ctx context.Context, roomID string) (domain.QuestionSet, error)
}

// Broadcaster delivers session events to the connections bound to a room.
// Implementations must not block and must not call back into the session.
type Broadcaster interface {
	Broadcast(roomID string, event domain.Event)
	SendTo(roomID, playerID string, event domain.Event)
}

// ResultSink receives the ranking of finished games.
type ResultSink interface {
	RecordResult(ctx context.Context, result domain.GameResult) error
}

// SessionConfig holds the game rules and lifecycle timeouts of a session.
type SessionConfig struct {
	QuestionDuration time.Duration
	RevealDuration   time.Duration
	PointsPerCorrect int
	// IdleTimeout reaps a waiting room that has no connected players.
	IdleTimeout time.Duration
	// GracePeriod keeps a finished room alive for late snapshot requests.
	GracePeriod time.Duration
	// EarlyReveal ends a question once every connected player has answered.
	EarlyReveal bool
	// AutoStartPlayers starts the game once this many players are connected; 0 disables.
	AutoStartPlayers int
	// AllowPlayerStart lets bound players send the start command.
	AllowPlayerStart bool
	// ResultTimeout bounds how long result sinks may take.
	ResultTimeout time.Duration
	// LoadTimeout bounds the question load; a load that runs out finishes the room.
	LoadTimeout time.Duration
}

// DefaultSessionConfig plays 10s questions and 10s reviews for +20 per correct answer.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		QuestionDuration: 10 * time.Second,
		RevealDuration:   10 * time.Second,
		PointsPerCorrect: 20,
		IdleTimeout:      5 * time.Minute,
		GracePeriod:      30 * time.Second,
		AllowPlayerStart: true,
		ResultTimeout:    10 * time.Second,
		LoadTimeout:      15 * time.Second,
	}
}

// Submission is a player's answer. QuestionIndex -1 targets the active question.
type Submission struct {
	QuestionIndex int
	OptionIndex   int
}

type player struct {
	identity  domain.Identity
	score     int
	connected bool
	connID    string
}

type answerKey struct {
	question int
	player   string
}

// Session is the authoritative state machine of one room. Every mutation runs
// on the session's own goroutine; exported methods enqueue work and wait for it.
type Session struct {
	id      string
	cfg     SessionConfig
	loader  QuestionLoader
	out     Broadcaster
	sink    ResultSink
	timers  *TimerService
	clock   clockwork.Clock
	onClose func(*Session)
	log     zerolog.Logger

	inbox  chan func()
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the run loop.
	phase        domain.Phase
	questions    []domain.Question
	loading      bool
	current      int
	roster       map[string]*player
	order        []string
	answers      map[answerKey]int
	awards       map[answerKey]int
	timer        *TimerHandle
	deadline     time.Time
	ranking      []domain.RankingEntry
	graceElapsed bool
	closed       bool
}

// SessionDeps are the collaborators shared by every session of a registry.
type SessionDeps struct {
	Config SessionConfig
	Loader QuestionLoader
	Out    Broadcaster
	Sink   ResultSink
	Timers *TimerService
}

func newSession(id string, deps SessionDeps, onClose func(*Session)) *Session {
	timers := deps.Timers
	if timers == nil {
		timers = NewTimerService(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:      id,
		cfg:     deps.Config,
		loader:  deps.Loader,
		out:     deps.Out,
		sink:    deps.Sink,
		timers:  timers,
		clock:   timers.Clock(),
		onClose: onClose,
		log:     log.With().Str("room_id", id).Logger(),
		inbox:   make(chan func()),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		phase:   domain.PhaseWaiting,
		current: -1,
		roster:  make(map[string]*player),
		answers: make(map[answerKey]int),
		awards:  make(map[answerKey]int),
	}
}

// ID returns the room id.
func (s *Session) ID() string {
	return s.id
}

// Done is closed once the session has terminated.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) start() {
	go s.run()
	s.enqueue(s.scheduleIdle)
}

func (s *Session) run() {
	defer close(s.done)
	for fn := range s.inbox {
		s.handle(fn)
		if s.closed {
			return
		}
	}
}

func (s *Session) handle(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("phase", string(s.phase)).Msg("session invariant violated, closing room")
			s.terminate("internal error", true)
		}
	}()
	fn()
}

// do runs fn on the session goroutine and waits for it to complete.
func (s *Session) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	completed := false
	wrapped := func() {
		defer close(done)
		fn()
		completed = true
	}
	select {
	case s.inbox <- wrapped:
	case <-s.done:
		return domain.ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	if !completed {
		return domain.ErrRoomClosed
	}
	return nil
}

// enqueue hands fn to the session goroutine without waiting for it.
func (s *Session) enqueue(fn func()) {
	select {
	case s.inbox <- fn:
	case <-s.done:
	}
}

// Join binds a player's connection, adding the player to the roster on first
// sight. The returned snapshot is also sent to the player before any event
// the join triggers.
func (s *Session) Join(ctx context.Context, identity domain.Identity, connID string) (domain.Snapshot, error) {
	var snap domain.Snapshot
	var err error
	doErr := s.do(ctx, func() {
		snap, err = s.join(identity, connID)
	})
	if doErr != nil {
		return domain.Snapshot{}, doErr
	}
	return snap, err
}

// Leave unbinds a connection. The player keeps their roster entry and score.
func (s *Session) Leave(ctx context.Context, playerID, connID string) error {
	return s.do(ctx, func() {
		s.leave(playerID, connID)
	})
}

// StartGame moves a waiting room into play. An empty playerID is an operator start.
func (s *Session) StartGame(ctx context.Context, playerID string) error {
	var err error
	if doErr := s.do(ctx, func() { err = s.startGame(playerID) }); doErr != nil {
		return doErr
	}
	return err
}

// SubmitAnswer records a player's answer to the active question.
func (s *Session) SubmitAnswer(ctx context.Context, playerID string, sub Submission) error {
	var err error
	if doErr := s.do(ctx, func() { err = s.submitAnswer(playerID, sub) }); doErr != nil {
		return doErr
	}
	return err
}

// Snapshot returns the room state as seen by playerID (empty for an observer).
func (s *Session) Snapshot(ctx context.Context, playerID string) (domain.Snapshot, error) {
	var snap domain.Snapshot
	err := s.do(ctx, func() { snap = s.snapshot(playerID) })
	return snap, err
}

// Advance ends the current timed phase immediately, as if its timer had fired.
func (s *Session) Advance(ctx context.Context) error {
	var err error
	if doErr := s.do(ctx, func() { err = s.advance() }); doErr != nil {
		return doErr
	}
	return err
}

// Close tears the room down and notifies its connections.
func (s *Session) Close(ctx context.Context, reason string) error {
	err := s.do(ctx, func() { s.terminate(reason, true) })
	if err == domain.ErrRoomClosed {
		return nil
	}
	return err
}

func (s *Session) join(identity domain.Identity, connID string) (domain.Snapshot, error) {
	if identity.UserID == "" {
		return domain.Snapshot{}, domain.ErrUnauthenticated
	}
	p, known := s.roster[identity.UserID]
	switch {
	case known:
		if identity.DisplayName != "" {
			p.identity.DisplayName = identity.DisplayName
		}
		if identity.AvatarRef != "" {
			p.identity.AvatarRef = identity.AvatarRef
		}
		wasConnected := p.connected
		p.connected = true
		p.connID = connID
		snap := s.snapshot(identity.UserID)
		s.send(identity.UserID, domain.EventSnapshot, snap)
		if !wasConnected && s.phase == domain.PhaseWaiting {
			s.broadcast(domain.EventWaitingPlayers, domain.WaitingPlayersPayload{Count: s.connectedCount()})
		}
		s.log.Info().Str("player_id", identity.UserID).Str("phase", string(s.phase)).Msg("player rebound")
		s.maybeAutoStart()
		return snap, nil

	case s.phase == domain.PhaseFinished:
		// Late arrivals to a finished room only observe the ranking.
		snap := s.snapshot("")
		s.send(identity.UserID, domain.EventSnapshot, snap)
		return snap, nil
	}

	p = &player{identity: identity, connected: true, connID: connID}
	s.roster[identity.UserID] = p
	s.order = append(s.order, identity.UserID)

	snap := s.snapshot(identity.UserID)
	s.send(identity.UserID, domain.EventSnapshot, snap)
	s.broadcast(domain.EventPlayerJoined, domain.PlayerJoinedPayload{
		Count:  len(s.roster),
		Player: s.rosterEntry(p),
	})
	s.log.Info().Str("player_id", identity.UserID).Int("players", len(s.roster)).Msg("player joined")
	s.maybeAutoStart()
	return snap, nil
}

func (s *Session) leave(playerID, connID string) {
	p, ok := s.roster[playerID]
	if !ok || !p.connected || (connID != "" && p.connID != connID) {
		return
	}
	p.connected = false
	p.connID = ""
	s.log.Info().Str("player_id", playerID).Str("phase", string(s.phase)).Msg("player unbound")

	switch s.phase {
	case domain.PhaseWaiting:
		s.broadcast(domain.EventWaitingPlayers, domain.WaitingPlayersPayload{Count: s.connectedCount()})
	case domain.PhaseQuestionActive:
		s.maybeRevealEarly()
	case domain.PhaseFinished:
		if s.graceElapsed && s.connectedCount() == 0 {
			s.terminate("finished", false)
		}
	}
}

func (s *Session) startGame(playerID string) error {
	if playerID != "" {
		if !s.cfg.AllowPlayerStart {
			return domain.ErrStartNotAllowed
		}
		if _, ok := s.roster[playerID]; !ok {
			return domain.ErrPlayerNotInRoom
		}
	}
	if s.phase != domain.PhaseWaiting || s.loading {
		return domain.ErrGameAlreadyStarted
	}
	s.beginStart()
	return nil
}

func (s *Session) maybeAutoStart() {
	if s.cfg.AutoStartPlayers <= 0 || s.phase != domain.PhaseWaiting || s.loading {
		return
	}
	if s.connectedCount() >= s.cfg.AutoStartPlayers {
		s.log.Info().Int("players", s.connectedCount()).Msg("minimum players reached, starting")
		s.beginStart()
	}
}

func (s *Session) beginStart() {
	s.loading = true
	s.cancelTimer()
	if s.questions != nil {
		s.questionsLoaded(s.questions, nil)
		return
	}
	if s.loader == nil {
		s.questionsLoaded(nil, fmt.Errorf("%w: no question loader configured", domain.ErrQuestionsNotFound))
		return
	}
	timeout := s.cfg.LoadTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	go func() {
		defer cancel()
		set, err := s.loader.LoadQuestions(ctx, s.id)
		if err == nil {
			err = set.Validate()
		}
		s.enqueue(func() { s.questionsLoaded(set.Questions, err) })
	}()
}

func (s *Session) questionsLoaded(questions []domain.Question, err error) {
	if s.phase != domain.PhaseWaiting || !s.loading {
		return
	}
	s.loading = false
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load questions")
		s.broadcast(domain.EventRoomError, domain.MessagePayload{Message: "questions could not be loaded"})
		s.finish(false)
		return
	}
	s.questions = questions
	s.log.Info().Int("questions", len(questions)).Msg("game started")
	s.nextQuestion()
}

func (s *Session) nextQuestion() {
	next := s.current + 1
	if next >= len(s.questions) {
		s.log.Error().Int("question_index", next).Int("questions", len(s.questions)).Msg("question index overrun")
		s.finish(true)
		return
	}
	s.current = next
	s.phase = domain.PhaseQuestionActive
	s.deadline = s.clock.Now().Add(s.cfg.QuestionDuration)
	s.schedule(s.cfg.QuestionDuration, s.reveal)

	s.broadcast(domain.EventStartQuestion, domain.StartQuestionPayload{
		QuestionView: s.questionView(),
		DurationMs:   s.cfg.QuestionDuration.Milliseconds(),
	})
}

func (s *Session) submitAnswer(playerID string, sub Submission) error {
	if sub.QuestionIndex >= 0 && sub.QuestionIndex != s.current {
		return domain.ErrStaleQuestion
	}
	if s.phase != domain.PhaseQuestionActive {
		return domain.ErrNotAcceptingAnswers
	}
	if _, ok := s.roster[playerID]; !ok {
		return domain.ErrPlayerNotInRoom
	}
	key := answerKey{question: s.current, player: playerID}
	if _, dup := s.answers[key]; dup {
		return domain.ErrAlreadyAnswered
	}
	if !s.questions[s.current].HasOption(sub.OptionIndex) {
		return domain.ErrOptionOutOfRange
	}
	s.answers[key] = sub.OptionIndex

	s.send(playerID, domain.EventAnswerAccepted, domain.AnswerAcceptedPayload{
		Index:       s.current,
		OptionIndex: sub.OptionIndex,
	})
	s.broadcast(domain.EventAnswerCount, domain.AnswerCountPayload{
		Index:    s.current,
		Answered: s.answeredCount(),
	})
	s.maybeRevealEarly()
	return nil
}

func (s *Session) maybeRevealEarly() {
	if !s.cfg.EarlyReveal || s.phase != domain.PhaseQuestionActive {
		return
	}
	connected := 0
	for id, p := range s.roster {
		if !p.connected {
			continue
		}
		connected++
		if _, ok := s.answers[answerKey{question: s.current, player: id}]; !ok {
			return
		}
	}
	if connected > 0 {
		s.reveal()
	}
}

// reveal scores the active question. Correctness is recomputed from the stored
// option against the question's answer; awards are recorded once per player.
func (s *Session) reveal() {
	if s.phase != domain.PhaseQuestionActive {
		return
	}
	s.cancelTimer()
	s.phase = domain.PhaseAnswerReveal
	q := s.questions[s.current]

	results := make([]domain.AnswerResult, 0, len(s.order))
	for _, id := range s.order {
		p := s.roster[id]
		key := answerKey{question: s.current, player: id}
		option, answered := s.answers[key]
		correct := answered && q.IsCorrect(option)
		if _, scored := s.awards[key]; !scored {
			award := 0
			if correct {
				award = s.cfg.PointsPerCorrect
			}
			s.awards[key] = award
			p.score += award
		}
		if !answered {
			option = -1
		}
		results = append(results, domain.AnswerResult{
			PlayerID:    id,
			Answered:    answered,
			OptionIndex: option,
			Correct:     correct,
			Awarded:     s.awards[key],
			Score:       p.score,
		})
	}

	s.deadline = s.clock.Now().Add(s.cfg.RevealDuration)
	s.schedule(s.cfg.RevealDuration, s.afterReveal)
	s.broadcast(domain.EventShowAnswer, domain.ShowAnswerPayload{
		Index:        s.current,
		CorrectIndex: q.CorrectOption(),
		Results:      results,
		DurationMs:   s.cfg.RevealDuration.Milliseconds(),
	})
}

func (s *Session) afterReveal() {
	if s.phase != domain.PhaseAnswerReveal {
		return
	}
	if s.current+1 < len(s.questions) {
		s.nextQuestion()
		return
	}
	s.finish(true)
}

func (s *Session) advance() error {
	switch s.phase {
	case domain.PhaseQuestionActive:
		s.reveal()
	case domain.PhaseAnswerReveal:
		s.cancelTimer()
		s.afterReveal()
	default:
		return domain.ErrNotAcceptingAnswers
	}
	return nil
}

func (s *Session) finish(record bool) {
	s.cancelTimer()
	s.phase = domain.PhaseFinished
	s.deadline = time.Time{}
	if record {
		s.ranking = s.rank()
	} else {
		s.ranking = []domain.RankingEntry{}
	}
	s.broadcast(domain.EventGameFinished, domain.GameFinishedPayload{Ranking: s.ranking})
	s.log.Info().Int("players", len(s.ranking)).Msg("game finished")

	if record && s.sink != nil && len(s.ranking) > 0 {
		s.recordResult(domain.GameResult{
			RoomID:     s.id,
			Questions:  len(s.questions),
			Ranking:    s.ranking,
			FinishedAt: s.clock.Now(),
		})
	}
	s.schedule(s.cfg.GracePeriod, s.graceExpired)
}

func (s *Session) recordResult(result domain.GameResult) {
	timeout := s.cfg.ResultTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sink := s.sink
	logger := s.log
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := sink.RecordResult(ctx, result); err != nil {
			logger.Error().Err(err).Msg("failed to record game result")
		}
	}()
}

func (s *Session) graceExpired() {
	s.graceElapsed = true
	if s.connectedCount() == 0 {
		s.terminate("finished", false)
	}
}

func (s *Session) scheduleIdle() {
	if s.cfg.IdleTimeout <= 0 || s.phase != domain.PhaseWaiting {
		return
	}
	s.schedule(s.cfg.IdleTimeout, s.idleExpired)
}

func (s *Session) idleExpired() {
	if s.phase != domain.PhaseWaiting || s.loading {
		return
	}
	if s.connectedCount() == 0 {
		s.log.Info().Msg("waiting room idle, closing")
		s.terminate("idle", true)
		return
	}
	s.scheduleIdle()
}

// schedule replaces the active timer. The callback runs on the session
// goroutine and is dropped if another timer replaced it in the meantime.
func (s *Session) schedule(d time.Duration, fn func()) {
	s.cancelTimer()
	var h *TimerHandle
	h = s.timers.Schedule(d, func() {
		s.enqueue(func() {
			if s.timer != h {
				return
			}
			s.timer = nil
			fn()
		})
	})
	s.timer = h
}

func (s *Session) cancelTimer() {
	s.timers.Cancel(s.timer)
	s.timer = nil
}

func (s *Session) terminate(reason string, notify bool) {
	if s.closed {
		return
	}
	s.cancelTimer()
	s.closed = true
	s.cancel()
	if notify {
		s.broadcast(domain.EventRoomClosed, domain.RoomClosedPayload{Reason: reason})
	}
	s.log.Info().Str("reason", reason).Str("phase", string(s.phase)).Msg("room closed")
	if s.onClose != nil {
		s.onClose(s)
	}
}

// rank orders players by score, keeping join order among equal scores.
func (s *Session) rank() []domain.RankingEntry {
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	sort.SliceStable(ids, func(i, j int) bool {
		return s.roster[ids[i]].score > s.roster[ids[j]].score
	})
	ranking := make([]domain.RankingEntry, 0, len(ids))
	for i, id := range ids {
		p := s.roster[id]
		ranking = append(ranking, domain.RankingEntry{
			Rank:        i + 1,
			PlayerID:    id,
			DisplayName: p.identity.DisplayName,
			AvatarRef:   p.identity.AvatarRef,
			Score:       p.score,
		})
	}
	return ranking
}

func (s *Session) snapshot(playerID string) domain.Snapshot {
	snap := domain.Snapshot{
		RoomID:         s.id,
		Phase:          s.phase,
		QuestionIndex:  s.current,
		TotalQuestions: len(s.questions),
		Roster:         make([]domain.RosterEntry, 0, len(s.order)),
	}
	for _, id := range s.order {
		snap.Roster = append(snap.Roster, s.rosterEntry(s.roster[id]))
	}
	if s.phase == domain.PhaseQuestionActive || s.phase == domain.PhaseAnswerReveal {
		view := s.questionView()
		snap.Question = &view
		if remaining := s.deadline.Sub(s.clock.Now()); remaining > 0 {
			snap.RemainingMs = remaining.Milliseconds()
		}
	}
	if s.phase == domain.PhaseAnswerReveal {
		correct := s.questions[s.current].CorrectOption()
		snap.CorrectIndex = &correct
	}
	if s.phase == domain.PhaseFinished {
		snap.Ranking = s.ranking
	}
	if p, ok := s.roster[playerID]; ok {
		_, answered := s.answers[answerKey{question: s.current, player: playerID}]
		snap.You = &domain.PlayerView{PlayerID: playerID, Score: p.score, Answered: answered}
	}
	return snap
}

func (s *Session) questionView() domain.QuestionView {
	q := s.questions[s.current]
	options := make([]string, len(q.Options))
	copy(options, q.Options)
	return domain.QuestionView{
		Index:   s.current,
		Total:   len(s.questions),
		Prompt:  q.Prompt,
		Options: options,
	}
}

func (s *Session) rosterEntry(p *player) domain.RosterEntry {
	return domain.RosterEntry{
		PlayerID:    p.identity.UserID,
		DisplayName: p.identity.DisplayName,
		AvatarRef:   p.identity.AvatarRef,
		Score:       p.score,
		Connected:   p.connected,
	}
}

func (s *Session) connectedCount() int {
	n := 0
	for _, p := range s.roster {
		if p.connected {
			n++
		}
	}
	return n
}

func (s *Session) answeredCount() int {
	n := 0
	for key := range s.answers {
		if key.question == s.current {
			n++
		}
	}
	return n
}

func (s *Session) broadcast(eventType string, payload any) {
	if s.out == nil {
		return
	}
	s.out.Broadcast(s.id, domain.Event{Type: eventType, Payload: payload})
}

func (s *Session) send(playerID, eventType string, payload any) {
	if s.out == nil {
		return
	}
	s.out.SendTo(s.id, playerID, domain.Event{Type: eventType, Payload: payload})
}
