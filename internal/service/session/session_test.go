package session

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"parlor/internal/domain"
	"parlor/internal/domain/models/chat"
)

func waitFor(t *testing.T, s *Session, desc string, cond func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		st := s.Snapshot()
		if cond(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; state = %+v", desc, st)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func openSession(t *testing.T, api *fakeAPI) *Session {
	t.Helper()
	s := New(Options{ChatID: "chat-1", API: api, Auth: fakeAuth{ok: true}})
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func fiveMessageThread() []chat.Turn {
	return []chat.Turn{
		userTurn("t1", 1, "one", 1, 1),
		assistantTurn("t2", 2, "two", 1, 1),
		userTurn("t3", 3, "three", 1, 2),
		assistantTurn("t4", 4, "four", 2, 3),
		userTurn("t5", 5, "five", 1, 1),
	}
}

func TestOpen(t *testing.T) {
	api := newFakeAPI(
		greetingTurn("g1", "Welcome!"),
		chat.Turn{ID: "sys", TurnNo: 2, AuthorType: chat.AuthorSystem,
			PrimaryCandidate: chat.Candidate{Content: "hidden", IsFinal: true}},
		userTurn("t3", 3, "hello", 1, 1),
		assistantTurn("t4", 4, "", 1, 1),
	)
	api.turns[3].PrimaryCandidate.IsFinal = false
	selection := &fakeSelection{}

	s := New(Options{ChatID: "chat-1", API: api, Selection: selection})
	if st := s.Snapshot(); st.Phase != PhaseLoading || !st.IsLoading {
		t.Fatalf("initial state = %+v", st)
	}

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	st := s.Snapshot()
	if st.Phase != PhaseReady || st.IsLoading || st.IsStreaming {
		t.Errorf("state after open = %+v", st)
	}
	if st.Character == nil || st.Character.Name != "Mira" {
		t.Errorf("character = %+v", st.Character)
	}
	if len(st.Messages) != 2 {
		t.Fatalf("messages = %+v, want greeting and user turn", st.Messages)
	}
	if !st.Messages[0].IsGreeting || st.Messages[0].Navigable() {
		t.Errorf("greeting = %+v", st.Messages[0])
	}
	if selection.get() != "char-1" {
		t.Errorf("selected character = %q", selection.get())
	}

	s.Close()
	if selection.get() != "" {
		t.Errorf("Close should clear the selected character, got %q", selection.get())
	}
}

func TestOpenFailure(t *testing.T) {
	api := newFakeAPI()
	api.listErr = &domain.APIError{Status: 404, Message: "chat not found"}

	s := New(Options{ChatID: "chat-1", API: api})
	err := s.Open(context.Background())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Open() error = %v", err)
	}

	st := s.Snapshot()
	if st.Phase != PhaseError || st.Error != "chat not found" || st.IsLoading {
		t.Errorf("state = %+v", st)
	}
}

func TestOpenRequiresAuth(t *testing.T) {
	api := newFakeAPI()
	s := New(Options{ChatID: "chat-1", API: api, Auth: fakeAuth{ok: false}})

	if err := s.Open(context.Background()); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Errorf("Open() error = %v", err)
	}
	if list, _, _, _, _ := api.counts(); list != 0 {
		t.Errorf("list calls = %d, want 0", list)
	}
}

// Send "hello", stream "Hi" + " there", done with "Hi there!"
func TestSendMessage_ScenarioA(t *testing.T) {
	api := newFakeAPI()
	s := openSession(t, api)

	if err := s.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	st := s.Snapshot()
	if len(st.Messages) != 2 {
		t.Fatalf("messages = %+v, want 2 optimistic messages", st.Messages)
	}
	user, assistant := st.Messages[0], st.Messages[1]
	if user.Role != chat.RoleUser || user.Content != "hello" || !user.IsTemp {
		t.Errorf("user = %+v", user)
	}
	if assistant.Role != chat.RoleAssistant || assistant.Content != "" || !assistant.IsTemp {
		t.Errorf("assistant = %+v", assistant)
	}
	if !st.IsStreaming || st.Phase != PhaseStreaming {
		t.Errorf("state = %+v, want streaming", st)
	}

	stream, err := api.nextStream()
	if err != nil {
		t.Fatal(err)
	}
	stream.chunk("Hi")
	stream.chunk(" there")
	waitFor(t, s, "chunks", func(st State) bool {
		return len(st.Messages) == 2 && st.Messages[1].Content == "Hi there"
	})

	gate := api.gate()
	stream.finish("Hi there!")

	st = waitFor(t, s, "done", func(st State) bool { return !st.IsStreaming })
	if got := st.Messages[1].Content; got != "Hi there!" {
		t.Errorf("assistant content after done = %q, want %q", got, "Hi there!")
	}
	if st.Phase != PhaseReady {
		t.Errorf("phase = %q", st.Phase)
	}

	// server truth replaces the optimistic pair
	api.setTurns(
		userTurn("t1", 1, "hello", 1, 1),
		assistantTurn("t2", 2, "Hi there!", 1, 1),
	)
	close(gate)
	s.Wait()

	st = s.Snapshot()
	want := chat.MessagesFromTurns(api.turns)
	if !reflect.DeepEqual(st.Messages, want) {
		t.Errorf("messages after reload = %+v, want %+v", st.Messages, want)
	}
}

func TestSendMessage_Guards(t *testing.T) {
	t.Run("before load", func(t *testing.T) {
		api := newFakeAPI()
		s := New(Options{ChatID: "chat-1", API: api})
		if err := s.SendMessage(context.Background(), "hi"); !errors.Is(err, domain.ErrNoCharacter) {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("signed out", func(t *testing.T) {
		api := newFakeAPI()
		auth := &switchAuth{ok: true}
		s := New(Options{ChatID: "chat-1", API: api, Auth: auth})
		if err := s.Open(context.Background()); err != nil {
			t.Fatal(err)
		}
		auth.set(false)
		if err := s.SendMessage(context.Background(), "hi"); !errors.Is(err, domain.ErrNotAuthorized) {
			t.Errorf("error = %v", err)
		}
		if len(s.Snapshot().Messages) != 0 {
			t.Error("no optimistic messages should be added")
		}
	})

	t.Run("blank", func(t *testing.T) {
		api := newFakeAPI()
		s := openSession(t, api)
		if err := s.SendMessage(context.Background(), "  "); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("error = %v", err)
		}
		if _, _, send, _, _ := api.counts(); send != 0 {
			t.Errorf("send calls = %d", send)
		}
	})
}

type switchAuth struct {
	mu sync.Mutex
	ok bool
}

func (a *switchAuth) HasToken() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ok
}

func (a *switchAuth) set(ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ok = ok
}

func TestStreamError(t *testing.T) {
	api := newFakeAPI(userTurn("t1", 1, "hi", 1, 1), assistantTurn("t2", 2, "hello", 1, 2))
	s := openSession(t, api)

	if err := s.Regenerate(context.Background(), "t2"); err != nil {
		t.Fatalf("Regenerate() error = %v", err)
	}
	stream, err := api.nextStream()
	if err != nil {
		t.Fatal(err)
	}

	gate := api.gate()
	stream.push(chat.StreamEvent{Type: chat.EventError, Code: "LLM_ERROR", Message: "upstream failed"})

	st := waitFor(t, s, "error marker", func(st State) bool { return !st.IsStreaming })
	if got := st.Messages[1].Content; got != "Error: LLM_ERROR: upstream failed" {
		t.Errorf("content = %q", got)
	}

	close(gate)
	s.Wait()
	if got := s.Snapshot().Messages[1].Content; got != "hello" {
		t.Errorf("content after reload = %q, want server truth", got)
	}
	if list, _, _, _, _ := api.counts(); list != 2 {
		t.Errorf("list calls = %d, want open + reload", list)
	}
}

func TestStreamOpenError(t *testing.T) {
	api := newFakeAPI()
	s := openSession(t, api)
	api.openErr = &domain.ValidationError{Message: "content too long"}

	if err := s.SendMessage(context.Background(), "hi"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	s.Wait()

	st := s.Snapshot()
	if st.IsStreaming {
		t.Error("session should be idle")
	}
	if len(st.Messages) != 0 {
		t.Errorf("reload should replace optimistic messages, got %+v", st.Messages)
	}
}

func TestRegenerate(t *testing.T) {
	api := newFakeAPI(userTurn("t1", 1, "hi", 1, 1), assistantTurn("t2", 2, "hello", 1, 2))
	s := openSession(t, api)

	if err := s.Regenerate(context.Background(), "t2"); err != nil {
		t.Fatalf("Regenerate() error = %v", err)
	}

	st := s.Snapshot()
	m := st.Messages[1]
	if m.Content != "" || m.CandidateNo != 3 || m.CandidateCount != 3 {
		t.Errorf("optimistic regen = %+v, want cleared at 3/3", m)
	}

	stream, err := api.nextStream()
	if err != nil {
		t.Fatal(err)
	}
	stream.chunk("new")
	waitFor(t, s, "chunk", func(st State) bool { return st.Messages[1].Content == "new" })

	api.setTurns(userTurn("t1", 1, "hi", 1, 1), assistantTurn("t2", 2, "new reply", 3, 3))
	stream.finish("new reply")
	s.Wait()

	m = s.Snapshot().Messages[1]
	if m.Content != "new reply" || m.CandidateNo != 3 || m.CandidateCount != 3 {
		t.Errorf("after reload = %+v", m)
	}
}

func TestRegenerate_Guards(t *testing.T) {
	api := newFakeAPI(
		greetingTurn("g1", "Welcome"),
		userTurn("t2", 2, "hi", 1, 1),
		assistantTurn("t3", 3, "full", 10, 10),
	)
	s := openSession(t, api)

	tests := []struct {
		name   string
		turnID string
		want   error
	}{
		{"candidate cap (scenario B)", "t3", domain.ErrCandidateLimit},
		{"user turn", "t2", domain.ErrValidation},
		{"greeting", "g1", domain.ErrNotNavigable},
		{"unknown turn", "nope", domain.ErrTurnNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := s.Snapshot()
			if err := s.Regenerate(context.Background(), tt.turnID); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			if after := s.Snapshot(); !reflect.DeepEqual(before.Messages, after.Messages) {
				t.Error("messages changed on a refused regenerate")
			}
		})
	}

	if _, _, _, regen, _ := api.counts(); regen != 0 {
		t.Errorf("regenerate calls = %d, want 0", regen)
	}
	if got := s.Snapshot().Messages[2].CandidateCount; got != 10 {
		t.Errorf("candidate count = %d, want 10", got)
	}
}

// Edit index 2 of a 5-message thread
func TestEditUserTurn_ScenarioC(t *testing.T) {
	api := newFakeAPI(fiveMessageThread()...)
	s := openSession(t, api)

	if err := s.EditUserTurn(context.Background(), "t3", "three, edited"); err != nil {
		t.Fatalf("EditUserTurn() error = %v", err)
	}

	st := s.Snapshot()
	if len(st.Messages) != 4 {
		t.Fatalf("len(messages) = %d, want 4", len(st.Messages))
	}
	edited := st.Messages[2]
	if edited.ID != "t3" || edited.Content != "three, edited" || edited.CandidateNo != 3 || edited.CandidateCount != 3 {
		t.Errorf("edited = %+v", edited)
	}
	placeholder := st.Messages[3]
	if placeholder.Role != chat.RoleAssistant || !placeholder.IsTemp || placeholder.Content != "" {
		t.Errorf("placeholder = %+v", placeholder)
	}
	if st.Messages[0].ID != "t1" || st.Messages[1].ID != "t2" {
		t.Error("messages before the edit must be kept")
	}

	stream, err := api.nextStream()
	if err != nil {
		t.Fatal(err)
	}
	stream.chunk("re")
	stream.chunk("ply")
	waitFor(t, s, "chunks into placeholder", func(st State) bool {
		return len(st.Messages) == 4 && st.Messages[3].Content == "reply"
	})

	api.setTurns(
		userTurn("t1", 1, "one", 1, 1),
		assistantTurn("t2", 2, "two", 1, 1),
		userTurn("t3", 3, "three, edited", 3, 3),
		assistantTurn("t6", 4, "reply", 1, 1),
	)
	stream.finish("reply")
	s.Wait()

	if got := s.Snapshot().Messages; len(got) != 4 || got[3].ID != "t6" || got[3].IsTemp {
		t.Errorf("after reload = %+v", got)
	}
}

func TestEditUserTurn_Guards(t *testing.T) {
	turns := fiveMessageThread()
	turns[0].CandidateCount = 10
	turns[0].PrimaryCandidate.CandidateNo = 10
	api := newFakeAPI(turns...)
	s := openSession(t, api)

	tests := []struct {
		name    string
		turnID  string
		content string
		want    error
	}{
		{"cap", "t1", "x", domain.ErrCandidateLimit},
		{"assistant turn", "t2", "x", domain.ErrValidation},
		{"missing turn", "zz", "x", domain.ErrTurnNotFound},
		{"blank", "t3", " ", domain.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.EditUserTurn(context.Background(), tt.turnID, tt.content); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, _, _, _, edit := api.counts(); edit != 0 {
		t.Errorf("edit calls = %d", edit)
	}
	if len(s.Snapshot().Messages) != 5 {
		t.Error("refused edits must not truncate")
	}
}

// Regenerate during a send stream is refused
func TestGuardWhileStreaming_ScenarioD(t *testing.T) {
	api := newFakeAPI(userTurn("t1", 1, "hi", 1, 1), assistantTurn("t2", 2, "hello", 1, 1))
	s := openSession(t, api)

	if err := s.SendMessage(context.Background(), "again"); err != nil {
		t.Fatal(err)
	}
	stream, err := api.nextStream()
	if err != nil {
		t.Fatal(err)
	}

	before := s.Snapshot()
	ctx := context.Background()
	calls := []struct {
		name string
		call func() error
	}{
		{"regenerate", func() error { return s.Regenerate(ctx, "t2") }},
		{"edit", func() error { return s.EditUserTurn(ctx, "t1", "x") }},
		{"send", func() error { return s.SendMessage(ctx, "x") }},
		{"select", func() error { return s.SelectCandidate(ctx, "t2", 1) }},
		{"navigate", func() error { return s.Navigate(ctx, "t2", 1) }},
		{"reload", func() error { return s.Reload(ctx) }},
	}
	for _, c := range calls {
		if err := c.call(); !errors.Is(err, domain.ErrStreaming) {
			t.Errorf("%s: error = %v, want ErrStreaming", c.name, err)
		}
	}

	if after := s.Snapshot(); !reflect.DeepEqual(before.Messages, after.Messages) {
		t.Error("messages changed while guarded calls were refused")
	}
	_, sel, send, regen, edit := api.counts()
	if sel != 0 || send != 1 || regen != 0 || edit != 0 {
		t.Errorf("calls select=%d send=%d regen=%d edit=%d", sel, send, regen, edit)
	}

	stream.finish("done")
	s.Wait()
}

// Select candidate 2 of 3
func TestSelectCandidate_ScenarioE(t *testing.T) {
	api := newFakeAPI(userTurn("t1", 1, "hi", 1, 1), assistantTurn("t2", 2, "first", 1, 3))
	s := openSession(t, api)

	api.setTurns(userTurn("t1", 1, "hi", 1, 1), assistantTurn("t2", 2, "second", 2, 3))
	if err := s.SelectCandidate(context.Background(), "t2", 2); err != nil {
		t.Fatalf("SelectCandidate() error = %v", err)
	}

	list, sel, send, regen, edit := api.counts()
	if sel != 1 || send+regen+edit != 0 {
		t.Errorf("calls select=%d streams=%d", sel, send+regen+edit)
	}
	if list != 2 {
		t.Errorf("list calls = %d, want open + reload", list)
	}
	m := s.Snapshot().Messages[1]
	if m.Content != "second" || m.CandidateNo != 2 {
		t.Errorf("after select = %+v", m)
	}
}

func TestSelectCandidate_Errors(t *testing.T) {
	api := newFakeAPI(greetingTurn("g1", "hey"), assistantTurn("t2", 2, "first", 1, 3))
	s := openSession(t, api)

	for _, tt := range []struct {
		name string
		id   string
		no   int
		want error
	}{
		{"past count", "t2", 4, domain.ErrCandidateLimit},
		{"zero", "t2", 0, domain.ErrCandidateLimit},
		{"greeting", "g1", 1, domain.ErrNotNavigable},
	} {
		if err := s.SelectCandidate(context.Background(), tt.id, tt.no); !errors.Is(err, tt.want) {
			t.Errorf("%s: error = %v, want %v", tt.name, err, tt.want)
		}
	}
	if _, sel, _, _, _ := api.counts(); sel != 0 {
		t.Errorf("select calls = %d, want 0", sel)
	}

	api.selectErr = errBoom
	if err := s.SelectCandidate(context.Background(), "t2", 2); err == nil {
		t.Fatal("expected error")
	}
	if st := s.Snapshot(); st.Error != "boom" {
		t.Errorf("Error = %q", st.Error)
	}
}

func TestNavigate(t *testing.T) {
	tests := []struct {
		name      string
		turns     []chat.Turn
		turnID    string
		step      int
		wantErr   error
		wantSel   int
		wantRegen int
		wantNo    int
	}{
		{
			name:   "back before first is a no-op",
			turns:  []chat.Turn{assistantTurn("t1", 1, "a", 1, 3)},
			turnID: "t1", step: -1,
		},
		{
			name:   "forward selects next candidate",
			turns:  []chat.Turn{assistantTurn("t1", 1, "a", 1, 3)},
			turnID: "t1", step: 1, wantSel: 1, wantNo: 2,
		},
		{
			name:   "back selects previous candidate",
			turns:  []chat.Turn{userTurn("t1", 1, "a", 3, 3)},
			turnID: "t1", step: -1, wantSel: 1, wantNo: 2,
		},
		{
			name:   "forward past last assistant candidate regenerates",
			turns:  []chat.Turn{assistantTurn("t1", 1, "a", 2, 2)},
			turnID: "t1", step: 1, wantRegen: 1,
		},
		{
			name:   "forward past last user candidate is a no-op",
			turns:  []chat.Turn{userTurn("t1", 1, "a", 2, 2)},
			turnID: "t1", step: 1,
		},
		{
			name:   "forward at cap is refused",
			turns:  []chat.Turn{assistantTurn("t1", 1, "a", 10, 10)},
			turnID: "t1", step: 1, wantErr: domain.ErrCandidateLimit,
		},
		{
			name:   "greeting is not navigable",
			turns:  []chat.Turn{greetingTurn("g1", "hi")},
			turnID: "g1", step: 1, wantErr: domain.ErrNotNavigable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI(tt.turns...)
			s := openSession(t, api)

			err := s.Navigate(context.Background(), tt.turnID, tt.step)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Navigate() error = %v, want %v", err, tt.wantErr)
			}

			if tt.wantRegen > 0 {
				stream, err := api.nextStream()
				if err != nil {
					t.Fatal(err)
				}
				stream.finish("x")
				s.Wait()
			}

			_, sel, _, regen, _ := api.counts()
			if sel != tt.wantSel || regen != tt.wantRegen {
				t.Errorf("select=%d regen=%d, want %d/%d", sel, regen, tt.wantSel, tt.wantRegen)
			}
			if tt.wantSel > 0 {
				api.mu.Lock()
				no := api.lastSelect[1]
				api.mu.Unlock()
				if no != tt.wantNo {
					t.Errorf("selected candidate = %v, want %d", no, tt.wantNo)
				}
			}
		})
	}
}

// P1: a replaced stream never mutates state again
func TestSingleFlight(t *testing.T) {
	api := newFakeAPI(userTurn("t1", 1, "hi", 1, 1), assistantTurn("t2", 2, "hello", 1, 1))
	api.ignoreCancel = true
	s := openSession(t, api)

	if err := s.SendMessage(context.Background(), "first"); err != nil {
		t.Fatal(err)
	}
	stale, err := api.nextStream()
	if err != nil {
		t.Fatal(err)
	}
	stale.chunk("early")
	waitFor(t, s, "first chunk", func(st State) bool {
		return len(st.Messages) == 4 && st.Messages[3].Content == "early"
	})

	// reopening cancels the stream and resets to server truth
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	fresh := s.Snapshot()
	if len(fresh.Messages) != 2 || fresh.IsStreaming {
		t.Fatalf("after reopen = %+v", fresh)
	}

	stale.chunk(" late")
	stale.push(chat.StreamEvent{Type: chat.EventError, Message: "late failure"})
	s.Wait()

	after := s.Snapshot()
	if !reflect.DeepEqual(fresh.Messages, after.Messages) {
		t.Errorf("stale stream mutated messages: %+v", after.Messages)
	}
	for _, m := range after.Messages {
		if strings.Contains(m.Content, "late") {
			t.Errorf("stale content leaked: %+v", m)
		}
	}
	if list, _, _, _, _ := api.counts(); list != 2 {
		t.Errorf("list calls = %d, want 2 (no reload from the stale stream)", list)
	}
}

// A newer action cancels the reload of a finished stream
func TestNewActionSupersedesPendingReload(t *testing.T) {
	api := newFakeAPI(userTurn("t1", 1, "hi", 1, 1), assistantTurn("t2", 2, "hello", 1, 2))
	s := openSession(t, api)

	if err := s.Regenerate(context.Background(), "t2"); err != nil {
		t.Fatal(err)
	}
	first, err := api.nextStream()
	if err != nil {
		t.Fatal(err)
	}

	gate := api.gate()
	first.finish("regen one")
	waitFor(t, s, "first stream idle", func(st State) bool { return !st.IsStreaming })

	// the first reload is parked on the gate; the second action cancels it
	if err := s.SendMessage(context.Background(), "next"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	second, err := api.nextStream()
	if err != nil {
		t.Fatal(err)
	}

	st := s.Snapshot()
	if len(st.Messages) != 4 || !st.Messages[3].IsTemp {
		t.Fatalf("optimistic messages lost: %+v", st.Messages)
	}

	api.setTurns(
		userTurn("t1", 1, "hi", 1, 1), assistantTurn("t2", 2, "regen one", 2, 2),
		userTurn("t3", 3, "next", 1, 1), assistantTurn("t4", 4, "answer", 1, 1),
	)
	close(gate)
	second.finish("answer")
	s.Wait()

	got := s.Snapshot().Messages
	want := chat.MessagesFromTurns(api.turns)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("messages = %+v, want %+v", got, want)
	}
}

// P4: cancelling produces no error marker and no further stream mutation
func TestCancelStream(t *testing.T) {
	api := newFakeAPI()
	s := openSession(t, api)

	if err := s.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	stream, err := api.nextStream()
	if err != nil {
		t.Fatal(err)
	}
	stream.chunk("par")
	waitFor(t, s, "chunk", func(st State) bool { return len(st.Messages) == 2 && st.Messages[1].Content == "par" })

	if !s.CancelStream() {
		t.Fatal("CancelStream() = false with a stream in flight")
	}
	s.Wait()

	if stream.chunk("tial") {
		t.Error("cancelled stream still accepted events")
	}

	st := s.Snapshot()
	if st.IsStreaming || st.Error != "" {
		t.Errorf("state = %+v", st)
	}
	for _, m := range st.Messages {
		if strings.HasPrefix(m.Content, "Error:") {
			t.Errorf("cancel produced an error marker: %+v", m)
		}
	}
	// reload of truth replaced the optimistic pair
	if len(st.Messages) != 0 {
		t.Errorf("messages = %+v, want server truth (empty)", st.Messages)
	}
	if s.CancelStream() {
		t.Error("CancelStream() = true with nothing in flight")
	}
}

// Events the stream had already produced when the cancel landed are dropped
func TestCancelStream_DropsBufferedEvents(t *testing.T) {
	api := newFakeAPI()
	api.ignoreCancel = true
	s := openSession(t, api)

	var mu sync.Mutex
	var seen []State
	s.Subscribe(func(st State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, st)
	})

	if err := s.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	stream, err := api.nextStream()
	if err != nil {
		t.Fatal(err)
	}

	gate := api.gate()
	if !s.CancelStream() {
		t.Fatal("CancelStream() = false with a stream in flight")
	}
	stream.chunk("LEAKED")
	stream.push(chat.StreamEvent{Type: chat.EventError, Message: "late failure"})
	waitFor(t, s, "idle after cancel", func(st State) bool { return !st.IsStreaming })

	close(gate)
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	for _, st := range seen {
		if st.Error != "" {
			t.Errorf("listener saw error %q after cancel", st.Error)
		}
		for _, m := range st.Messages {
			if strings.Contains(m.Content, "LEAKED") || strings.HasPrefix(m.Content, "Error:") {
				t.Errorf("listener saw %q after cancel", m.Content)
			}
		}
	}

	st := s.Snapshot()
	if st.IsStreaming || st.Error != "" || len(st.Messages) != 0 {
		t.Errorf("state = %+v, want server truth (empty)", st)
	}
}

func TestCallerContextCancel(t *testing.T) {
	api := newFakeAPI()
	s := openSession(t, api)

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.SendMessage(ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	if _, err := api.nextStream(); err != nil {
		t.Fatal(err)
	}
	cancel()
	s.Wait()

	st := s.Snapshot()
	if st.IsStreaming || st.Error != "" || len(st.Messages) != 0 {
		t.Errorf("state = %+v", st)
	}
}

func TestStreamEndsWithoutTerminal(t *testing.T) {
	api := newFakeAPI()
	s := openSession(t, api)

	if err := s.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	stream, err := api.nextStream()
	if err != nil {
		t.Fatal(err)
	}
	api.setTurns(userTurn("t1", 1, "hello", 1, 1))
	stream.chunk("cut")
	stream.end()
	s.Wait()

	st := s.Snapshot()
	if st.IsStreaming || len(st.Messages) != 1 || st.Messages[0].ID != "t1" {
		t.Errorf("state = %+v", st)
	}
}

func TestSwitchChat(t *testing.T) {
	api := newFakeAPI(userTurn("t1", 1, "hi", 1, 1))
	s := openSession(t, api)

	if err := s.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	stream, err := api.nextStream()
	if err != nil {
		t.Fatal(err)
	}

	if err := s.SwitchChat(context.Background(), "chat-2"); err != nil {
		t.Fatal(err)
	}
	s.Wait()
	if stream.chunk("leak") {
		t.Error("stream of the previous chat should be cancelled")
	}

	st := s.Snapshot()
	if st.ChatID != "chat-2" || st.IsStreaming || len(st.Messages) != 1 {
		t.Errorf("state = %+v", st)
	}
}

func TestSubscribe(t *testing.T) {
	api := newFakeAPI()
	s := New(Options{ChatID: "chat-1", API: api})

	var mu sync.Mutex
	var phases []Phase
	unsubscribe := s.Subscribe(func(st State) {
		mu.Lock()
		defer mu.Unlock()
		phases = append(phases, st.Phase)
	})

	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	unsubscribe()
	s.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(phases) != 2 || phases[0] != PhaseLoading || phases[1] != PhaseReady {
		t.Errorf("phases = %v, want [loading ready]", phases)
	}
}

func TestSubscribe_ReentrantListener(t *testing.T) {
	api := newFakeAPI()
	s := New(Options{ChatID: "chat-1", API: api})

	var mu sync.Mutex
	var calls, later int
	var unsubscribe func()
	unsubscribe = s.Subscribe(func(State) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if !first {
			return
		}
		unsubscribe()
		s.Subscribe(func(State) {
			mu.Lock()
			defer mu.Unlock()
			later++
		})
		_ = s.Snapshot()
	})

	done := make(chan error, 1)
	go func() { done <- s.Open(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Open() deadlocked on a listener that subscribes from its callback")
	}
	defer s.Close()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("removed listener called %d times, want 1", calls)
	}
	if later != 1 {
		t.Errorf("listener added from a callback called %d times, want 1 (ready)", later)
	}
}
