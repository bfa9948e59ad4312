package app_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/domain"
	"quiz-session-service/internal/infra/memory"
)

func TestGameRunsToRanking(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig())

	env.join("room-1", "alice")
	env.join("room-1", "bob")
	env.start("room-1", "alice")

	env.submit("room-1", "alice", 0, 1) // correct
	env.submit("room-1", "bob", 0, 0)
	env.expire("room-1", domain.PhaseAnswerReveal)

	snap := env.snapshot("room-1", "alice")
	if snap.CorrectIndex == nil || *snap.CorrectIndex != 1 {
		t.Fatalf("expected correct index 1 during reveal, got %v", snap.CorrectIndex)
	}
	if snap.You == nil || snap.You.Score != 20 {
		t.Fatalf("expected alice to have 20 points, got %+v", snap.You)
	}

	env.expire("room-1", domain.PhaseQuestionActive)
	env.submit("room-1", "bob", 1, 1) // correct
	env.submit("room-1", "alice", 1, 1)
	env.expire("room-1", domain.PhaseAnswerReveal)
	env.expire("room-1", domain.PhaseFinished)

	snap, err := env.service.Snapshot(ctx, "room-1", "")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	want := []domain.RankingEntry{
		{Rank: 1, PlayerID: "alice", DisplayName: "Alice", Score: 40},
		{Rank: 2, PlayerID: "bob", DisplayName: "Bob", Score: 20},
	}
	if !reflect.DeepEqual(snap.Ranking, want) {
		t.Fatalf("unexpected ranking:\n got %+v\nwant %+v", snap.Ranking, want)
	}

	finished, ok := env.out.last(domain.EventGameFinished)
	if !ok {
		t.Fatalf("expected game-finished broadcast")
	}
	if got := finished.Payload.(domain.GameFinishedPayload).Ranking; !reflect.DeepEqual(got, want) {
		t.Fatalf("broadcast ranking differs from snapshot: %+v", got)
	}

	select {
	case result := <-env.results:
		if result.RoomID != "room-1" || result.Questions != 2 || !reflect.DeepEqual(result.Ranking, want) {
			t.Fatalf("unexpected recorded result %+v", result)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected result to be recorded")
	}
}

func TestShowAnswerReportsAwards(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.join("room-1", "alice")
	env.join("room-1", "bob")
	env.start("room-1", "")

	env.submit("room-1", "alice", -1, 1)
	env.expire("room-1", domain.PhaseAnswerReveal)

	event, ok := env.out.last(domain.EventShowAnswer)
	if !ok {
		t.Fatalf("expected show-answer broadcast")
	}
	payload := event.Payload.(domain.ShowAnswerPayload)
	want := []domain.AnswerResult{
		{PlayerID: "alice", Answered: true, OptionIndex: 1, Correct: true, Awarded: 20, Score: 20},
		{PlayerID: "bob", Answered: false, OptionIndex: -1, Correct: false, Awarded: 0, Score: 0},
	}
	if payload.Index != 0 || payload.CorrectIndex != 1 || !reflect.DeepEqual(payload.Results, want) {
		t.Fatalf("unexpected show-answer payload %+v", payload)
	}
}

func TestSubmitAnswerRejections(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig())
	env.join("room-1", "alice")

	err := env.service.SubmitAnswer(ctx, "room-1", "alice", app.Submission{QuestionIndex: -1, OptionIndex: 0})
	if !errors.Is(err, domain.ErrNotAcceptingAnswers) {
		t.Fatalf("expected not accepting answers while waiting, got %v", err)
	}

	env.start("room-1", "alice")

	cases := []struct {
		name   string
		player string
		sub    app.Submission
		want   error
	}{
		{"option out of range", "alice", app.Submission{QuestionIndex: 0, OptionIndex: 3}, domain.ErrOptionOutOfRange},
		{"negative option", "alice", app.Submission{QuestionIndex: 0, OptionIndex: -1}, domain.ErrOptionOutOfRange},
		{"stale question", "alice", app.Submission{QuestionIndex: 1, OptionIndex: 0}, domain.ErrStaleQuestion},
		{"unknown player", "mallory", app.Submission{QuestionIndex: 0, OptionIndex: 0}, domain.ErrPlayerNotInRoom},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := env.service.SubmitAnswer(ctx, "room-1", tc.player, tc.sub)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	env.submit("room-1", "alice", 0, 2)
	err = env.service.SubmitAnswer(ctx, "room-1", "alice", app.Submission{QuestionIndex: 0, OptionIndex: 1})
	if !errors.Is(err, domain.ErrAlreadyAnswered) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}

	env.expire("room-1", domain.PhaseAnswerReveal)
	err = env.service.SubmitAnswer(ctx, "room-1", "alice", app.Submission{QuestionIndex: 0, OptionIndex: 1})
	if !errors.Is(err, domain.ErrNotAcceptingAnswers) {
		t.Fatalf("expected late answer rejection, got %v", err)
	}
	if snap := env.snapshot("room-1", "alice"); snap.You.Score != 0 {
		t.Fatalf("expected first (wrong) answer to stand, score %d", snap.You.Score)
	}

	err = env.service.SubmitAnswer(ctx, "room-unknown", "alice", app.Submission{QuestionIndex: -1})
	if !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("expected unknown room, got %v", err)
	}
}

func TestAnswerAcceptedAndCounted(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.join("room-1", "alice")
	env.join("room-1", "bob")
	env.start("room-1", "alice")

	env.submit("room-1", "bob", 0, 2)
	env.snapshot("room-1", "")

	accepted, ok := env.out.lastTo("bob", domain.EventAnswerAccepted)
	if !ok {
		t.Fatalf("expected answer-accepted unicast to bob")
	}
	if p := accepted.Payload.(domain.AnswerAcceptedPayload); p.Index != 0 || p.OptionIndex != 2 {
		t.Fatalf("unexpected answer-accepted payload %+v", p)
	}
	if _, ok := env.out.lastTo("alice", domain.EventAnswerAccepted); ok {
		t.Fatalf("answer-accepted leaked to another player")
	}
	count, ok := env.out.last(domain.EventAnswerCount)
	if !ok || count.Payload.(domain.AnswerCountPayload).Answered != 1 {
		t.Fatalf("expected answer-count of 1, got %+v", count)
	}
}

func TestReconnectKeepsScore(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig())
	env.join("room-1", "alice")
	env.start("room-1", "alice")
	env.submit("room-1", "alice", 0, 1)
	env.expire("room-1", domain.PhaseAnswerReveal)

	if err := env.service.Leave(ctx, "room-1", "alice", "alice-conn"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	snap := env.snapshot("room-1", "")
	if len(snap.Roster) != 1 || snap.Roster[0].Connected {
		t.Fatalf("expected disconnected roster entry, got %+v", snap.Roster)
	}

	snap, err := env.service.Join(ctx, "room-1", identity("alice"), "alice-conn-2")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if snap.You == nil || snap.You.Score != 20 {
		t.Fatalf("expected score to survive reconnect, got %+v", snap.You)
	}
	if len(snap.Roster) != 1 || !snap.Roster[0].Connected {
		t.Fatalf("expected single connected roster entry, got %+v", snap.Roster)
	}
	if snap.Phase != domain.PhaseAnswerReveal || snap.Question == nil {
		t.Fatalf("expected reveal snapshot with question, got %+v", snap)
	}
}

func TestLeaveFromSupersededConnectionIgnored(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig())
	env.join("room-1", "alice")
	if _, err := env.service.Join(ctx, "room-1", identity("alice"), "alice-new"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}

	if err := env.service.Leave(ctx, "room-1", "alice", "alice-conn"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	snap := env.snapshot("room-1", "")
	if !snap.Roster[0].Connected {
		t.Fatalf("stale connection must not unbind the player")
	}
}

func TestSnapshotPrecedesJoinBroadcast(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.join("room-1", "alice")

	events := env.out.all()
	if len(events) < 2 {
		t.Fatalf("expected snapshot and player-joined, got %+v", events)
	}
	if events[0].to != "alice" || events[0].event.Type != domain.EventSnapshot {
		t.Fatalf("expected snapshot first, got %+v", events[0])
	}
	joined := events[1]
	if joined.to != "" || joined.event.Type != domain.EventPlayerJoined {
		t.Fatalf("expected player-joined broadcast second, got %+v", joined)
	}
	if p := joined.event.Payload.(domain.PlayerJoinedPayload); p.Count != 1 || p.Player.PlayerID != "alice" {
		t.Fatalf("unexpected player-joined payload %+v", p)
	}
}

func TestTiesRankedByJoinOrder(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.join("room-1", "carol")
	env.join("room-1", "alice")
	env.join("room-1", "bob")
	env.start("room-1", "carol")

	env.submit("room-1", "bob", 0, 1)
	env.submit("room-1", "alice", 0, 1)
	env.expire("room-1", domain.PhaseAnswerReveal)
	env.expire("room-1", domain.PhaseQuestionActive)
	env.expire("room-1", domain.PhaseAnswerReveal)
	env.expire("room-1", domain.PhaseFinished)

	snap := env.snapshot("room-1", "")
	var order []string
	for _, entry := range snap.Ranking {
		order = append(order, entry.PlayerID)
	}
	if want := []string{"alice", "bob", "carol"}; !reflect.DeepEqual(order, want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	if snap.Ranking[2].Rank != 3 || snap.Ranking[2].Score != 0 {
		t.Fatalf("unexpected last entry %+v", snap.Ranking[2])
	}
}

func TestAwardsSumToScore(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.join("room-1", "alice")
	env.start("room-1", "alice")

	total := 0
	for i := 0; i < 2; i++ {
		env.submit("room-1", "alice", i, 1)
		env.expire("room-1", domain.PhaseAnswerReveal)
		event, _ := env.out.last(domain.EventShowAnswer)
		total += event.Payload.(domain.ShowAnswerPayload).Results[0].Awarded
		if i == 0 {
			env.expire("room-1", domain.PhaseQuestionActive)
		}
	}
	if snap := env.snapshot("room-1", "alice"); snap.You.Score != total || total != 40 {
		t.Fatalf("expected score %d to equal awarded total 40, got %d", snap.You.Score, total)
	}
}

func TestSameInputsProduceSameEvents(t *testing.T) {
	run := func() []string {
		env := newTestEnv(t, testConfig())
		env.join("room-1", "alice")
		env.join("room-1", "bob")
		env.start("room-1", "bob")
		env.submit("room-1", "bob", 0, 0)
		env.submit("room-1", "alice", 0, 1)
		env.expire("room-1", domain.PhaseAnswerReveal)
		env.expire("room-1", domain.PhaseQuestionActive)
		env.submit("room-1", "alice", 1, 0)
		env.expire("room-1", domain.PhaseAnswerReveal)
		env.expire("room-1", domain.PhaseFinished)
		return env.out.types()
	}
	first, second := run(), run()
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("event sequences differ:\n%v\n%v", first, second)
	}
}

func TestStartGameRules(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.AllowPlayerStart = false
	env := newTestEnv(t, cfg)
	env.join("room-1", "alice")

	if err := env.service.StartGame(ctx, "room-1", "alice"); !errors.Is(err, domain.ErrStartNotAllowed) {
		t.Fatalf("expected player start to be refused, got %v", err)
	}
	if err := env.service.StartGame(ctx, "room-missing", ""); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("expected unknown room, got %v", err)
	}
	env.start("room-1", "")
	if err := env.service.StartGame(ctx, "room-1", ""); !errors.Is(err, domain.ErrGameAlreadyStarted) {
		t.Fatalf("expected second start to be refused, got %v", err)
	}
}

func TestLateJoinerEntersRunningGame(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig())
	env.join("room-1", "alice")
	env.start("room-1", "alice")

	snap, err := env.service.Join(ctx, "room-1", identity("bob"), "bob-conn")
	if err != nil {
		t.Fatalf("late join: %v", err)
	}
	if snap.Phase != domain.PhaseQuestionActive || snap.Question == nil || snap.You == nil {
		t.Fatalf("expected running question in snapshot, got %+v", snap)
	}
	if snap.RemainingMs != 10000 {
		t.Fatalf("expected full question time remaining, got %d", snap.RemainingMs)
	}
	env.submit("room-1", "bob", 0, 1)
}

func TestSpectatorJoinsFinishedRoom(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig())
	env.join("room-1", "alice")
	env.start("room-1", "alice")
	env.finish("room-1")

	snap, err := env.service.Join(ctx, "room-1", identity("bob"), "bob-conn")
	if err != nil {
		t.Fatalf("join finished room: %v", err)
	}
	if snap.Phase != domain.PhaseFinished || snap.You != nil || len(snap.Roster) != 1 || len(snap.Ranking) != 1 {
		t.Fatalf("expected spectator view of finished room, got %+v", snap)
	}
}

func TestLoadFailureFinishesRoom(t *testing.T) {
	env := newTestEnvWithLoader(t, testConfig(), failingLoader{err: errors.New("backend down")})
	env.join("room-1", "alice")
	if err := env.service.StartGame(context.Background(), "room-1", "alice"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForTimers(t, env.clock, 1)

	snap := env.snapshot("room-1", "alice")
	if snap.Phase != domain.PhaseFinished || len(snap.Ranking) != 0 {
		t.Fatalf("expected finished room with empty ranking, got %+v", snap)
	}
	if _, ok := env.out.last(domain.EventRoomError); !ok {
		t.Fatalf("expected room-error broadcast")
	}
	select {
	case result := <-env.results:
		t.Fatalf("no result should be recorded, got %+v", result)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestStalledLoadFinishesRoom(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.LoadTimeout = 50 * time.Millisecond
	loader := &hangingLoader{cancelled: make(chan error, 1)}
	env := newTestEnvWithLoader(t, cfg, loader)
	env.join("room-1", "alice")
	session, _ := env.registry.Get("room-1")

	if err := env.service.StartGame(ctx, "room-1", "alice"); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case err := <-loader.cancelled:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected load deadline, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("question load was never cancelled")
	}
	waitForTimers(t, env.clock, 1)

	if snap := env.snapshot("room-1", ""); snap.Phase != domain.PhaseFinished || len(snap.Ranking) != 0 {
		t.Fatalf("expected finished room with empty ranking, got %+v", snap)
	}
	if _, ok := env.out.last(domain.EventRoomError); !ok {
		t.Fatalf("expected room-error broadcast")
	}
	if err := env.service.StartGame(ctx, "room-1", "alice"); !errors.Is(err, domain.ErrGameAlreadyStarted) {
		t.Fatalf("expected already started, got %v", err)
	}

	if err := env.service.Leave(ctx, "room-1", "alice", "alice-conn"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	env.clock.Advance(30 * time.Second)
	waitClosed(t, session)
}

func TestEmptyQuestionSetFinishesRoom(t *testing.T) {
	loader := memory.NewStaticQuestionLoader(map[string]domain.QuestionSet{
		"room-1": {RoomID: "room-1"},
	})
	env := newTestEnvWithLoader(t, testConfig(), loader)
	env.join("room-1", "alice")
	if err := env.service.StartGame(context.Background(), "room-1", "alice"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForTimers(t, env.clock, 1)
	if snap := env.snapshot("room-1", ""); snap.Phase != domain.PhaseFinished {
		t.Fatalf("expected finished phase, got %s", snap.Phase)
	}
}

func TestFinishedRoomEvictedAfterGrace(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig())
	env.join("room-1", "alice")
	env.start("room-1", "alice")
	env.finish("room-1")

	session, ok := env.registry.Get("room-1")
	if !ok {
		t.Fatalf("expected live session")
	}

	// Grace elapses while alice is still connected: the room stays.
	env.clock.Advance(30 * time.Second)
	select {
	case <-session.Done():
		t.Fatalf("room closed while a player was connected")
	case <-time.After(50 * time.Millisecond):
	}

	if err := env.service.Leave(ctx, "room-1", "alice", "alice-conn"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	waitClosed(t, session)
	if _, ok := env.registry.Get("room-1"); ok {
		t.Fatalf("expected room to be evicted")
	}
	if _, err := env.service.Snapshot(ctx, "room-1", ""); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("expected room not found, got %v", err)
	}
}

func TestFinishedRoomWithoutPlayersEvicted(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig())
	env.join("room-1", "alice")
	env.start("room-1", "alice")
	env.finish("room-1")
	session, _ := env.registry.Get("room-1")

	if err := env.service.Leave(ctx, "room-1", "alice", "alice-conn"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	select {
	case <-session.Done():
		t.Fatalf("room closed before grace period")
	default:
	}
	env.clock.Advance(30 * time.Second)
	waitClosed(t, session)
}

func TestIdleWaitingRoomEvicted(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.IdleTimeout = time.Minute
	env := newTestEnv(t, cfg)
	env.join("room-1", "alice")
	session, _ := env.registry.Get("room-1")

	waitForTimers(t, env.clock, 1)
	env.clock.Advance(time.Minute)
	// Still occupied: the idle timer re-arms.
	waitForTimers(t, env.clock, 1)
	env.snapshot("room-1", "")

	if err := env.service.Leave(ctx, "room-1", "alice", "alice-conn"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	env.clock.Advance(time.Minute)
	waitClosed(t, session)

	closed, ok := env.out.last(domain.EventRoomClosed)
	if !ok || closed.Payload.(domain.RoomClosedPayload).Reason != "idle" {
		t.Fatalf("expected idle room-closed broadcast, got %+v", closed)
	}

	snap, err := env.service.Join(ctx, "room-1", identity("bob"), "bob-conn")
	if err != nil {
		t.Fatalf("join after eviction: %v", err)
	}
	if len(snap.Roster) != 1 || snap.Roster[0].PlayerID != "bob" {
		t.Fatalf("expected a fresh room, got %+v", snap.Roster)
	}
}

func TestEarlyRevealWhenAllAnswered(t *testing.T) {
	cfg := testConfig()
	cfg.EarlyReveal = true
	env := newTestEnv(t, cfg)
	env.join("room-1", "alice")
	env.join("room-1", "bob")
	env.start("room-1", "alice")

	env.submit("room-1", "alice", 0, 1)
	if snap := env.snapshot("room-1", ""); snap.Phase != domain.PhaseQuestionActive {
		t.Fatalf("expected question to stay open, got %s", snap.Phase)
	}
	env.submit("room-1", "bob", 0, 1)
	if snap := env.snapshot("room-1", ""); snap.Phase != domain.PhaseAnswerReveal {
		t.Fatalf("expected early reveal, got %s", snap.Phase)
	}
}

func TestAutoStartAtMinimumPlayers(t *testing.T) {
	cfg := testConfig()
	cfg.AutoStartPlayers = 2
	env := newTestEnv(t, cfg)
	env.join("room-1", "alice")
	if snap := env.snapshot("room-1", ""); snap.Phase != domain.PhaseWaiting {
		t.Fatalf("expected to wait for a second player, got %s", snap.Phase)
	}
	env.join("room-1", "bob")
	waitForTimers(t, env.clock, 1)
	if snap := env.snapshot("room-1", ""); snap.Phase != domain.PhaseQuestionActive {
		t.Fatalf("expected auto start, got %s", snap.Phase)
	}
}

func TestAdvanceSkipsRemainingTime(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig())
	env.join("room-1", "alice")

	if err := env.service.Advance(ctx, "room-1"); !errors.Is(err, domain.ErrNotAcceptingAnswers) {
		t.Fatalf("expected advance to be refused while waiting, got %v", err)
	}
	env.start("room-1", "alice")
	if err := env.service.Advance(ctx, "room-1"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if snap := env.snapshot("room-1", ""); snap.Phase != domain.PhaseAnswerReveal {
		t.Fatalf("expected reveal, got %s", snap.Phase)
	}
	if err := env.service.Advance(ctx, "room-1"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if snap := env.snapshot("room-1", ""); snap.Phase != domain.PhaseQuestionActive || snap.QuestionIndex != 1 {
		t.Fatalf("expected second question, got %s/%d", snap.Phase, snap.QuestionIndex)
	}
}

func TestPanicClosesRoom(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig())
	env.join("room-1", "alice")
	env.start("room-1", "alice")
	session, _ := env.registry.Get("room-1")

	env.out.panicOn(domain.EventAnswerCount)
	err := env.service.SubmitAnswer(ctx, "room-1", "alice", app.Submission{QuestionIndex: 0, OptionIndex: 1})
	if !errors.Is(err, domain.ErrRoomClosed) {
		t.Fatalf("expected room closed after panic, got %v", err)
	}
	waitClosed(t, session)
	if _, ok := env.out.last(domain.EventRoomClosed); !ok {
		t.Fatalf("expected room-closed broadcast")
	}
	if _, ok := env.registry.Get("room-1"); ok {
		t.Fatalf("expected crashed room to be removed")
	}
}

func TestGetOrCreateSharesOneSession(t *testing.T) {
	env := newTestEnv(t, testConfig())

	const callers = 64
	sessions := make([]*app.Session, callers)
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-release
			sessions[i] = env.registry.GetOrCreate("room-x")
		}()
	}
	close(release)
	wg.Wait()

	for i, s := range sessions {
		if s == nil || s != sessions[0] {
			t.Fatalf("caller %d got a different session", i)
		}
	}
	if ids := env.registry.RoomIDs(); len(ids) != 1 || ids[0] != "room-x" {
		t.Fatalf("expected a single room, got %v", ids)
	}
}

func TestJoinRecreatesClosedRoom(t *testing.T) {
	ctx := context.Background()
	store := &staleOnceStore{SessionStore: memory.NewSessionStore()}
	registry := app.NewRegistry(store, app.SessionDeps{
		Config: testConfig(),
		Loader: memory.NewStaticQuestionLoader(map[string]domain.QuestionSet{"room-1": sampleQuestions("room-1")}),
		Out:    &recordingBroadcaster{},
		Timers: app.NewTimerService(clockwork.NewFakeClock()),
	})
	service := app.NewQuizService(registry)
	t.Cleanup(func() { _ = service.Shutdown(context.Background()) })

	if _, err := service.Join(ctx, "room-1", identity("alice"), "alice-conn"); err != nil {
		t.Fatalf("join alice: %v", err)
	}
	old, _ := registry.Get("room-1")
	if err := service.CloseRoom(ctx, "room-1", "closed by operator"); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitClosed(t, old)
	if _, err := old.Join(ctx, identity("bob"), "bob-conn"); !errors.Is(err, domain.ErrRoomClosed) {
		t.Fatalf("expected closed room to refuse joins, got %v", err)
	}

	// The next lookup still hands out the closed session once.
	store.returnOnce(old)
	snap, err := service.Join(ctx, "room-1", identity("bob"), "bob-conn")
	if err != nil {
		t.Fatalf("join bob: %v", err)
	}
	fresh, ok := registry.Get("room-1")
	if !ok || fresh == old {
		t.Fatalf("expected a fresh session for room-1")
	}
	if snap.Phase != domain.PhaseWaiting || len(snap.Roster) != 1 || snap.Roster[0].PlayerID != "bob" {
		t.Fatalf("expected a new waiting room with bob only, got %+v", snap)
	}
}

func TestShutdownClosesRooms(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.join("room-1", "alice")
	env.join("room-2", "bob")

	rooms, err := env.service.Rooms(context.Background())
	if err != nil || len(rooms) != 2 || rooms[0].RoomID != "room-1" {
		t.Fatalf("expected two rooms, got %+v (%v)", rooms, err)
	}
	if err := env.service.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if ids := env.registry.RoomIDs(); len(ids) != 0 {
		t.Fatalf("expected no rooms after shutdown, got %v", ids)
	}
}

func TestResultSinksJoinErrors(t *testing.T) {
	ok := &recordingSink{ch: make(chan domain.GameResult, 1)}
	boom := errors.New("boom")
	sinks := app.ResultSinks{ok, nil, failingSink{err: boom}}

	err := sinks.RecordResult(context.Background(), domain.GameResult{RoomID: "room-1"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if got := <-ok.ch; got.RoomID != "room-1" {
		t.Fatalf("expected healthy sink to still record, got %+v", got)
	}
}

type testEnv struct {
	t        *testing.T
	service  *app.QuizService
	registry *app.Registry
	clock    *clockwork.FakeClock
	out      *recordingBroadcaster
	results  chan domain.GameResult
}

func testConfig() app.SessionConfig {
	cfg := app.DefaultSessionConfig()
	cfg.IdleTimeout = 0
	return cfg
}

func newTestEnv(t *testing.T, cfg app.SessionConfig) *testEnv {
	loader := memory.NewStaticQuestionLoader(map[string]domain.QuestionSet{
		"room-1": sampleQuestions("room-1"),
		"room-2": sampleQuestions("room-2"),
	})
	return newTestEnvWithLoader(t, cfg, loader)
}

func newTestEnvWithLoader(t *testing.T, cfg app.SessionConfig, loader app.QuestionLoader) *testEnv {
	t.Helper()
	clock := clockwork.NewFakeClock()
	out := &recordingBroadcaster{}
	sink := &recordingSink{ch: make(chan domain.GameResult, 4)}
	registry := app.NewRegistry(memory.NewSessionStore(), app.SessionDeps{
		Config: cfg,
		Loader: loader,
		Out:    out,
		Sink:   sink,
		Timers: app.NewTimerService(clock),
	})
	service := app.NewQuizService(registry)
	t.Cleanup(func() {
		_ = service.Shutdown(context.Background())
	})
	return &testEnv{
		t:        t,
		service:  service,
		registry: registry,
		clock:    clock,
		out:      out,
		results:  sink.ch,
	}
}

func (e *testEnv) join(roomID, playerID string) {
	e.t.Helper()
	if _, err := e.service.Join(context.Background(), roomID, identity(playerID), playerID+"-conn"); err != nil {
		e.t.Fatalf("join %s: %v", playerID, err)
	}
}

// start begins the game and waits until the first question is running.
func (e *testEnv) start(roomID, playerID string) {
	e.t.Helper()
	if err := e.service.StartGame(context.Background(), roomID, playerID); err != nil {
		e.t.Fatalf("start: %v", err)
	}
	waitForTimers(e.t, e.clock, 1)
	if snap := e.snapshot(roomID, ""); snap.Phase != domain.PhaseQuestionActive {
		e.t.Fatalf("expected first question after start, got %s", snap.Phase)
	}
}

func (e *testEnv) submit(roomID, playerID string, question, option int) {
	e.t.Helper()
	sub := app.Submission{QuestionIndex: question, OptionIndex: option}
	if err := e.service.SubmitAnswer(context.Background(), roomID, playerID, sub); err != nil {
		e.t.Fatalf("submit %s: %v", playerID, err)
	}
}

// expire lets the running phase timer fire and waits for the next phase.
func (e *testEnv) expire(roomID string, next domain.Phase) {
	e.t.Helper()
	e.clock.Advance(10 * time.Second)
	waitForTimers(e.t, e.clock, 1)
	if snap := e.snapshot(roomID, ""); snap.Phase != next {
		e.t.Fatalf("expected phase %s, got %s", next, snap.Phase)
	}
}

// finish plays out every remaining question.
func (e *testEnv) finish(roomID string) {
	e.t.Helper()
	e.expire(roomID, domain.PhaseAnswerReveal)
	e.expire(roomID, domain.PhaseQuestionActive)
	e.expire(roomID, domain.PhaseAnswerReveal)
	e.expire(roomID, domain.PhaseFinished)
}

func (e *testEnv) snapshot(roomID, playerID string) domain.Snapshot {
	e.t.Helper()
	snap, err := e.service.Snapshot(context.Background(), roomID, playerID)
	if err != nil {
		e.t.Fatalf("snapshot: %v", err)
	}
	return snap
}

func waitClosed(t *testing.T, session *app.Session) {
	t.Helper()
	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s did not close", session.ID())
	}
}

func identity(playerID string) domain.Identity {
	name := map[string]string{"alice": "Alice", "bob": "Bob", "carol": "Carol"}[playerID]
	return domain.Identity{UserID: playerID, DisplayName: name}
}

func sampleQuestions(roomID string) domain.QuestionSet {
	return domain.QuestionSet{
		RoomID: roomID,
		Questions: []domain.Question{
			{Prompt: "What is 2 + 2?", Options: []string{"3", "4", "5"}, AnswerIndex: 2},
			{Prompt: "Capital of France?", Options: []string{"Berlin", "Paris"}, AnswerIndex: 2},
		},
	}
}

type recordedEvent struct {
	to    string
	event domain.Event
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []recordedEvent
	panics string
}

func (b *recordingBroadcaster) Broadcast(_ string, event domain.Event) {
	b.record("", event)
}

func (b *recordingBroadcaster) SendTo(_ string, playerID string, event domain.Event) {
	b.record(playerID, event)
}

func (b *recordingBroadcaster) record(to string, event domain.Event) {
	b.mu.Lock()
	panics := b.panics
	b.events = append(b.events, recordedEvent{to: to, event: event})
	b.mu.Unlock()
	if panics != "" && event.Type == panics {
		panic("broadcast failure")
	}
}

func (b *recordingBroadcaster) panicOn(eventType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.panics = eventType
}

func (b *recordingBroadcaster) all() []recordedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]recordedEvent(nil), b.events...)
}

func (b *recordingBroadcaster) types() []string {
	var out []string
	for _, e := range b.all() {
		out = append(out, e.to+":"+e.event.Type)
	}
	return out
}

func (b *recordingBroadcaster) last(eventType string) (domain.Event, bool) {
	return b.lastTo("", eventType)
}

func (b *recordingBroadcaster) lastTo(to, eventType string) (domain.Event, bool) {
	events := b.all()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].to == to && events[i].event.Type == eventType {
			return events[i].event, true
		}
	}
	return domain.Event{}, false
}

type recordingSink struct {
	ch chan domain.GameResult
}

func (s *recordingSink) RecordResult(_ context.Context, result domain.GameResult) error {
	s.ch <- result
	return nil
}

type failingSink struct{ err error }

func (s failingSink) RecordResult(context.Context, domain.GameResult) error { return s.err }

type failingLoader struct{ err error }

func (l failingLoader) LoadQuestions(context.Context, string) (domain.QuestionSet, error) {
	return domain.QuestionSet{}, l.err
}

// hangingLoader blocks until its context ends and reports why.
type hangingLoader struct{ cancelled chan error }

func (l *hangingLoader) LoadQuestions(ctx context.Context, _ string) (domain.QuestionSet, error) {
	<-ctx.Done()
	l.cancelled <- ctx.Err()
	return domain.QuestionSet{}, ctx.Err()
}

// staleOnceStore returns a previously closed session from its next Get.
type staleOnceStore struct {
	*memory.SessionStore
	mu    sync.Mutex
	stale *app.Session
}

func (s *staleOnceStore) returnOnce(session *app.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stale = session
}

func (s *staleOnceStore) Get(roomID string) (*app.Session, bool) {
	s.mu.Lock()
	stale := s.stale
	s.stale = nil
	s.mu.Unlock()
	if stale != nil {
		return stale, true
	}
	return s.SessionStore.Get(roomID)
}
