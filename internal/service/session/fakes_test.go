package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"parlor/internal/domain"
	"parlor/internal/domain/models/chat"
	chatSvc "parlor/internal/domain/services/chat"
)

// fakeStream behaves like the transport: events pushed by the test are
// forwarded until a terminal event or cancellation. A stream created with
// ignoreCancel keeps forwarding after cancellation, to exercise the
// session's own stale-event checks.
type fakeStream struct {
	in     chan chat.StreamEvent
	out    chan chat.StreamEvent
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newFakeStream(ctx context.Context, ignoreCancel bool) *fakeStream {
	ctx, cancel := context.WithCancel(ctx)
	fs := &fakeStream{
		in:     make(chan chat.StreamEvent),
		out:    make(chan chat.StreamEvent),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	stop := ctx.Done()
	if ignoreCancel {
		stop = nil
	}

	go func() {
		defer close(fs.done)
		defer close(fs.out)
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-fs.in:
				if !ok {
					return
				}
				select {
				case fs.out <- ev:
				case <-stop:
					return
				}
				if ev.IsTerminal() {
					return
				}
			}
		}
	}()
	return fs
}

func (f *fakeStream) Events() <-chan chat.StreamEvent { return f.out }

func (f *fakeStream) Close() { f.cancel() }

// push delivers ev; it reports false if the stream has already ended
func (f *fakeStream) push(ev chat.StreamEvent) bool {
	select {
	case f.in <- ev:
		return true
	case <-f.done:
		return false
	case <-time.After(2 * time.Second):
		return false
	}
}

func (f *fakeStream) chunk(content string) bool {
	return f.push(chat.StreamEvent{Type: chat.EventChunk, Content: content})
}

func (f *fakeStream) finish(full string) bool {
	return f.push(chat.StreamEvent{Type: chat.EventDone, FullContent: full})
}

// end closes the body without a terminal event
func (f *fakeStream) end() {
	close(f.in)
}

// fakeAPI is an in-memory TurnSync
type fakeAPI struct {
	mu        sync.Mutex
	character chat.CharacterSummary
	turns     []chat.Turn
	listErr   error
	selectErr error
	openErr   error

	// listGate, when set, holds ListTurns until a value is received
	listGate chan struct{}

	ignoreCancel bool

	listCalls   int
	selectCalls int
	sendCalls   int
	regenCalls  int
	editCalls   int
	lastSelect  [2]interface{}

	streams chan *fakeStream
}

var _ chatSvc.TurnSync = (*fakeAPI)(nil)

func newFakeAPI(turns ...chat.Turn) *fakeAPI {
	return &fakeAPI{
		character: chat.CharacterSummary{ID: "char-1", Name: "Mira"},
		turns:     turns,
		streams:   make(chan *fakeStream, 8),
	}
}

func (f *fakeAPI) setTurns(turns ...chat.Turn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = turns
}

func (f *fakeAPI) gate() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listGate = make(chan struct{})
	return f.listGate
}

func (f *fakeAPI) counts() (list, sel, send, regen, edit int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, f.selectCalls, f.sendCalls, f.regenCalls, f.editCalls
}

func (f *fakeAPI) ListTurns(ctx context.Context, chatID string, params chatSvc.ListTurnsParams) (*chat.TurnsPage, error) {
	f.mu.Lock()
	f.listCalls++
	gate := f.listGate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &chat.TurnsPage{
		Chat:      chat.Chat{ID: chatID, CharacterID: f.character.ID},
		Character: f.character,
		Turns:     append([]chat.Turn(nil), f.turns...),
	}, nil
}

func (f *fakeAPI) SelectCandidate(ctx context.Context, turnID string, candidateNo int) (*chat.SelectCandidateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selectCalls++
	f.lastSelect = [2]interface{}{turnID, candidateNo}
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	return &chat.SelectCandidateResponse{TurnID: turnID, CandidateNo: candidateNo}, nil
}

func (f *fakeAPI) open(ctx context.Context, counter *int) (chatSvc.EventStream, error) {
	f.mu.Lock()
	*counter++
	err := f.openErr
	ignore := f.ignoreCancel
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	fs := newFakeStream(ctx, ignore)
	f.streams <- fs
	return fs, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, chatID, content string) (chatSvc.EventStream, error) {
	return f.open(ctx, &f.sendCalls)
}

func (f *fakeAPI) RegenerateTurn(ctx context.Context, turnID string) (chatSvc.EventStream, error) {
	return f.open(ctx, &f.regenCalls)
}

func (f *fakeAPI) EditUserTurn(ctx context.Context, turnID, content string) (chatSvc.EventStream, error) {
	return f.open(ctx, &f.editCalls)
}

func (f *fakeAPI) nextStream() (*fakeStream, error) {
	select {
	case fs := <-f.streams:
		return fs, nil
	case <-time.After(2 * time.Second):
		return nil, fmt.Errorf("no stream was opened")
	}
}

// turn builders

func userTurn(id string, no int, content string, candidateNo, count int) chat.Turn {
	parent := fmt.Sprintf("parent-of-%s", id)
	return chat.Turn{
		ID:             id,
		TurnNo:         no,
		AuthorType:     chat.AuthorUser,
		State:          chat.TurnStateOK,
		ParentTurnID:   &parent,
		CandidateCount: count,
		PrimaryCandidate: chat.Candidate{
			ID: id + "-c", CandidateNo: candidateNo, Content: content, IsFinal: true,
		},
	}
}

func assistantTurn(id string, no int, content string, candidateNo, count int) chat.Turn {
	t := userTurn(id, no, content, candidateNo, count)
	t.AuthorType = chat.AuthorCharacter
	return t
}

func greetingTurn(id, content string) chat.Turn {
	return chat.Turn{
		ID:             id,
		TurnNo:         1,
		AuthorType:     chat.AuthorCharacter,
		IsProactive:    true,
		CandidateCount: 1,
		PrimaryCandidate: chat.Candidate{
			ID: id + "-c", CandidateNo: 1, Content: content, IsFinal: true,
		},
	}
}

// fakeSelection records the selected character indicator
type fakeSelection struct {
	mu      sync.Mutex
	current string
	history []string
}

func (f *fakeSelection) SelectCharacter(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = id
	f.history = append(f.history, id)
}

func (f *fakeSelection) get() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

type fakeAuth struct{ ok bool }

func (f fakeAuth) HasToken() bool { return f.ok }

var errBoom = &domain.APIError{Status: 500, Message: "boom"}
