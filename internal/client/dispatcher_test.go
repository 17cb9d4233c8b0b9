package client

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/zot/esm-hmr/internal/hot"
	"github.com/zot/esm-hmr/internal/protocol"
)

type importCall struct {
	id      string
	version int64
}

// fakeImporter returns modules whose exports are the import version
type fakeImporter struct {
	mu    sync.Mutex
	calls []importCall
	fail  map[string]error
	delay map[string]time.Duration
}

func newFakeImporter() *fakeImporter {
	return &fakeImporter{fail: map[string]error{}, delay: map[string]time.Duration{}}
}

func (f *fakeImporter) Import(ctx context.Context, id string, version int64) (*hot.Module, error) {
	f.mu.Lock()
	f.calls = append(f.calls, importCall{id, version})
	err := f.fail[id]
	delay := f.delay[id]
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return &hot.Module{ID: id, Version: version, Exports: map[string]any{"id": id}}, nil
}

func (f *fakeImporter) recorded() []importCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]importCall{}, f.calls...)
}

// fakeOverlay records overlay activity
type fakeOverlay struct {
	mu      sync.Mutex
	shown   []protocol.ErrorMessage
	cleared int
}

func (f *fakeOverlay) Show(info protocol.ErrorMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shown = append(f.shown, info)
}

func (f *fakeOverlay) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
}

type fakeReloader struct {
	mu sync.Mutex
	n  int
}

func (f *fakeReloader) Reload() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
}

func (f *fakeReloader) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

type dispatcherFixture struct {
	registry   *hot.Registry
	importer   *fakeImporter
	overlay    *fakeOverlay
	reloader   *fakeReloader
	dispatcher *Dispatcher
}

func newFixture() *dispatcherFixture {
	f := &dispatcherFixture{
		importer: newFakeImporter(),
		overlay:  &fakeOverlay{},
		reloader: &fakeReloader{},
	}
	f.registry = hot.NewRegistry(nil, f.reloader, nil)
	f.dispatcher = NewDispatcher(f.registry, f.importer, f.overlay, f.reloader, nil)
	return f
}

func (f *dispatcherFixture) accept(t *testing.T, url string, deps []string, fn hot.AcceptFunc) *hot.State {
	t.Helper()
	state, err := f.registry.CreateHotContext(context.Background(), url)
	if err != nil {
		t.Fatalf("CreateHotContext(%s): %v", url, err)
	}
	if err := state.Accept(hot.AcceptOptions{Dependencies: deps, OnUpdate: fn}); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	return state
}

// === RunModuleAccept ===

func TestRunModuleAcceptUnknownModule(t *testing.T) {
	f := newFixture()
	ok, err := f.dispatcher.RunModuleAccept(context.Background(), protocol.UpdateMessage{URL: "/missing.js"})
	if ok || err != nil {
		t.Errorf("RunModuleAccept = %v, %v; want false, nil", ok, err)
	}
	if n := len(f.importer.recorded()); n != 0 {
		t.Errorf("unknown module caused %d imports", n)
	}
}

func TestRunModuleAcceptDeclinedModule(t *testing.T) {
	f := newFixture()
	state := f.accept(t, "/a.js", nil, nil)
	state.Decline()

	ok, err := f.dispatcher.RunModuleAccept(context.Background(), protocol.UpdateMessage{URL: "/a.js"})
	if ok || err != nil {
		t.Errorf("RunModuleAccept = %v, %v; want false, nil", ok, err)
	}
	if n := len(f.importer.recorded()); n != 0 {
		t.Errorf("declined module caused %d imports", n)
	}
}

func TestRunModuleAcceptImportsGraphWithSharedVersion(t *testing.T) {
	f := newFixture()
	var got hot.Update
	f.accept(t, "/x/y.js", []string{"./a", "./b.css"}, func(_ context.Context, u hot.Update) error {
		got = u
		return nil
	})

	ok, err := f.dispatcher.RunModuleAccept(context.Background(), protocol.UpdateMessage{URL: "http://localhost:8080/x/y.js", Bubbled: true})
	if !ok || err != nil {
		t.Fatalf("RunModuleAccept = %v, %v", ok, err)
	}

	calls := f.importer.recorded()
	if len(calls) != 3 {
		t.Fatalf("got %d imports, want 3", len(calls))
	}
	ids := make([]string, len(calls))
	for i, c := range calls {
		ids[i] = c.id
		if c.version != calls[0].version || c.version == 0 {
			t.Errorf("import %s used version %d, batch uses %d", c.id, c.version, calls[0].version)
		}
	}
	sort.Strings(ids)
	want := []string{"/x/a.js", "/x/b.proxy.js", "/x/y.js"}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("imported %v, want %v", ids, want)
			break
		}
	}

	if got.Module == nil || got.Module.ID != "/x/y.js" {
		t.Errorf("callback module = %+v", got.Module)
	}
	if !got.Bubbled {
		t.Error("bubbled flag not passed through")
	}
	if len(got.Deps) != 2 || got.Deps[0].ID != "/x/a.js" || got.Deps[1].ID != "/x/b.proxy.js" {
		t.Errorf("callback deps out of order: %+v", got.Deps)
	}
}

func TestRunModuleAcceptRegistrationOrder(t *testing.T) {
	f := newFixture()
	var order []int
	state := f.accept(t, "/a.js", nil, func(context.Context, hot.Update) error {
		order = append(order, 1)
		return nil
	})
	state.Accept(hot.AcceptOptions{OnUpdate: func(context.Context, hot.Update) error {
		order = append(order, 2)
		return nil
	}})
	// slow first handler import must not let the second overtake it
	f.importer.delay["/a.js"] = 10 * time.Millisecond

	if ok, err := f.dispatcher.RunModuleAccept(context.Background(), protocol.UpdateMessage{URL: "/a.js"}); !ok || err != nil {
		t.Fatalf("RunModuleAccept = %v, %v", ok, err)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("callback order = %v, want [1 2]", order)
	}
}

func TestVersionUniquePerBatch(t *testing.T) {
	f := newFixture()
	fixed := time.UnixMilli(1_700_000_000_000)
	f.dispatcher.now = func() time.Time { return fixed }
	f.accept(t, "/a.js", nil, nil)

	ctx := context.Background()
	f.dispatcher.RunModuleAccept(ctx, protocol.UpdateMessage{URL: "/a.js"})
	f.dispatcher.RunModuleAccept(ctx, protocol.UpdateMessage{URL: "/a.js"})

	calls := f.importer.recorded()
	if len(calls) != 2 {
		t.Fatalf("got %d imports, want 2", len(calls))
	}
	if calls[0].version == calls[1].version {
		t.Errorf("two batches shared version %d", calls[0].version)
	}
	if calls[0].version != fixed.UnixMilli() {
		t.Errorf("first version = %d, want %d", calls[0].version, fixed.UnixMilli())
	}
}

func TestRunModuleAcceptImportFailure(t *testing.T) {
	f := newFixture()
	called := false
	f.accept(t, "/a.js", []string{"./dep"}, func(context.Context, hot.Update) error {
		called = true
		return nil
	})
	f.importer.fail["/dep.js"] = &hot.ImportError{Kind: hot.ResolutionFailed, ID: "/dep.js", Err: errors.New("404")}

	ok, err := f.dispatcher.RunModuleAccept(context.Background(), protocol.UpdateMessage{URL: "/a.js"})
	if ok || err == nil {
		t.Errorf("RunModuleAccept = %v, %v; want failure", ok, err)
	}
	if called {
		t.Error("callback should not run when an import fails")
	}
}

// === HandleUpdate ===

func TestHandleUpdateAppliedClearsOverlay(t *testing.T) {
	f := newFixture()
	f.accept(t, "/a.js", nil, nil)

	if out := f.dispatcher.HandleUpdate(context.Background(), protocol.UpdateMessage{URL: "/a.js"}); out != OutcomeApplied {
		t.Errorf("outcome = %v, want applied", out)
	}
	if f.overlay.cleared != 1 {
		t.Errorf("overlay cleared %d times, want 1", f.overlay.cleared)
	}
	if f.reloader.count() != 0 {
		t.Error("applied update must not reload")
	}
}

func TestHandleUpdateUnregisteredReloads(t *testing.T) {
	f := newFixture()
	if out := f.dispatcher.HandleUpdate(context.Background(), protocol.UpdateMessage{URL: "/missing.js"}); out != OutcomeReloaded {
		t.Errorf("outcome = %v, want reloaded", out)
	}
	if f.reloader.count() != 1 {
		t.Errorf("reload count = %d, want 1", f.reloader.count())
	}
}

func TestHandleUpdateFailureClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      Outcome
		reloads   int
		overlayed int
	}{
		{"malformed source shows overlay only", &hot.ImportError{Kind: hot.MalformedSource, ID: "/a.js", File: "/a.js", Line: 4, Err: errors.New("unexpected symbol")}, OutcomeOverlay, 0, 1},
		{"resolution failure reloads", &hot.ImportError{Kind: hot.ResolutionFailed, ID: "/a.js", Err: errors.New("404")}, OutcomeReloaded, 1, 0},
		{"evaluation failure reloads", &hot.ImportError{Kind: hot.EvaluationFailed, ID: "/a.js", Err: errors.New("nil index")}, OutcomeReloaded, 1, 0},
		{"plain error reloads", errors.New("network down"), OutcomeReloaded, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.accept(t, "/a.js", nil, nil)
			f.importer.fail["/a.js"] = tt.err

			out := f.dispatcher.HandleUpdate(context.Background(), protocol.UpdateMessage{URL: "/a.js"})
			if out != tt.want {
				t.Errorf("outcome = %v, want %v", out, tt.want)
			}
			if f.reloader.count() != tt.reloads {
				t.Errorf("reloads = %d, want %d", f.reloader.count(), tt.reloads)
			}
			if len(f.overlay.shown) != tt.overlayed {
				t.Errorf("overlay shown %d times, want %d", len(f.overlay.shown), tt.overlayed)
			}
		})
	}
}

func TestHandleUpdateSyntaxOverlayContent(t *testing.T) {
	f := newFixture()
	f.accept(t, "/a.js", nil, nil)
	f.importer.fail["/a.js"] = &hot.ImportError{Kind: hot.MalformedSource, ID: "/a.js", File: "/a.js", Line: 4, Err: errors.New("unexpected symbol near 'end'")}

	f.dispatcher.HandleUpdate(context.Background(), protocol.UpdateMessage{URL: "/a.js"})

	info := f.overlay.shown[0]
	if info.Title != "Syntax Error" || info.FileLoc != "/a.js [:4]" || info.ErrorMessage != "unexpected symbol near 'end'" {
		t.Errorf("overlay info = %+v", info)
	}
}

func TestHandleUpdateCallbackFailureReloads(t *testing.T) {
	f := newFixture()
	f.accept(t, "/a.js", nil, func(context.Context, hot.Update) error {
		return errors.New("callback exploded")
	})

	if out := f.dispatcher.HandleUpdate(context.Background(), protocol.UpdateMessage{URL: "/a.js"}); out != OutcomeReloaded {
		t.Errorf("outcome = %v, want reloaded", out)
	}
}

func TestHandleUpdateCallbackPanicReloads(t *testing.T) {
	f := newFixture()
	f.accept(t, "/a.js", nil, func(context.Context, hot.Update) error {
		panic("callback panicked")
	})

	if out := f.dispatcher.HandleUpdate(context.Background(), protocol.UpdateMessage{URL: "/a.js"}); out != OutcomeReloaded {
		t.Errorf("outcome = %v, want reloaded", out)
	}
}

// === HandleMessage ===

func TestHandleMessageReloadIsUnconditional(t *testing.T) {
	f := newFixture()
	f.accept(t, "/a.js", nil, nil)

	f.dispatcher.HandleMessage(context.Background(), protocol.NewReload())
	if f.reloader.count() != 1 {
		t.Errorf("reload count = %d, want 1", f.reloader.count())
	}
}

func TestHandleMessageError(t *testing.T) {
	f := newFixture()
	f.dispatcher.HandleMessage(context.Background(), protocol.NewError(protocol.ErrorMessage{
		Title:        "Build Error",
		FileLoc:      "/a.js:1:5",
		ErrorMessage: "oops",
	}))

	if len(f.overlay.shown) != 1 || f.overlay.shown[0].Title != "Build Error" {
		t.Errorf("overlay = %+v", f.overlay.shown)
	}
	if f.reloader.count() != 0 {
		t.Error("error message must not reload")
	}
}

func TestHandleMessageUnknownIgnored(t *testing.T) {
	f := newFixture()
	f.dispatcher.HandleMessage(context.Background(), &protocol.Message{Type: "connected"})
	f.dispatcher.Wait()
	if f.reloader.count() != 0 || len(f.overlay.shown) != 0 || f.overlay.cleared != 0 {
		t.Error("unknown messages must have no effect")
	}
}

// TestConcurrentUpdatesInterleave verifies a slow update does not block another module
func TestConcurrentUpdatesInterleave(t *testing.T) {
	f := newFixture()
	var mu sync.Mutex
	var applied []string
	record := func(id string) hot.AcceptFunc {
		return func(context.Context, hot.Update) error {
			mu.Lock()
			defer mu.Unlock()
			applied = append(applied, id)
			return nil
		}
	}
	f.accept(t, "/slow.js", nil, record("/slow.js"))
	f.accept(t, "/fast.js", nil, record("/fast.js"))
	f.importer.delay["/slow.js"] = 50 * time.Millisecond

	ctx := context.Background()
	f.dispatcher.HandleMessage(ctx, protocol.NewUpdate("/slow.js", false))
	f.dispatcher.HandleMessage(ctx, protocol.NewUpdate("/fast.js", false))
	f.dispatcher.Wait()

	if len(applied) != 2 || applied[0] != "/fast.js" {
		t.Errorf("applied = %v, want fast before slow", applied)
	}
}
