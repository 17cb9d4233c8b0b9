// Package client implements the HMR client: the connection to the dev server,
// the update dispatcher and the runtime error reporter.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zot/esm-hmr/internal/hot"
	"github.com/zot/esm-hmr/internal/overlay"
	"github.com/zot/esm-hmr/internal/protocol"
)

// Outcome is what handling an update ended in.
type Outcome int

const (
	// OutcomeApplied: every accept callback ran, the overlay was cleared.
	OutcomeApplied Outcome = iota
	// OutcomeReloaded: the update could not be applied and a full reload was requested.
	OutcomeReloaded
	// OutcomeOverlay: the new source is malformed and the error is shown instead.
	OutcomeOverlay
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeReloaded:
		return "reloaded"
	case OutcomeOverlay:
		return "overlay"
	default:
		return "unknown"
	}
}

// Dispatcher interprets server messages and applies hot updates.
type Dispatcher struct {
	registry *hot.Registry
	importer hot.Importer
	overlay  overlay.Overlay
	reloader hot.Reloader
	logger   hot.Logger

	versionMu   sync.Mutex
	lastVersion int64
	now         func() time.Time

	inflight sync.WaitGroup
}

// NewDispatcher creates a dispatcher. The logger may be nil.
func NewDispatcher(registry *hot.Registry, importer hot.Importer, ov overlay.Overlay, reloader hot.Reloader, logger hot.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		importer: importer,
		overlay:  ov,
		reloader: reloader,
		logger:   logger,
		now:      time.Now,
	}
}

func (d *Dispatcher) log(level int, format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Log(level, format, args...)
	}
}

// HandleMessage processes one server message. Updates run on their own
// goroutine so updates to different modules can interleave; use Wait to block
// until they finish.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg *protocol.Message) {
	d.log(2, "[IN] %s", msg.Type)

	switch msg.Type {
	case protocol.MsgReload:
		d.log(1, "message: reload")
		d.reloader.Reload()
	case protocol.MsgError:
		d.overlay.Show(msg.AsError())
	case protocol.MsgUpdate:
		update := msg.AsUpdate()
		d.inflight.Add(1)
		go func() {
			defer d.inflight.Done()
			d.HandleUpdate(ctx, update)
		}()
	default:
		d.log(1, "message: ignoring unknown type %q", msg.Type)
	}
}

// Wait blocks until all updates started by HandleMessage have finished.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// HandleUpdate applies one update and reacts to the result: clear the overlay
// on success, show malformed source in the overlay, reload on anything else.
func (d *Dispatcher) HandleUpdate(ctx context.Context, update protocol.UpdateMessage) Outcome {
	d.log(1, "message: update %s (bubbled=%v)", update.URL, update.Bubbled)

	ok, err := d.RunModuleAccept(ctx, update)
	switch {
	case err != nil && hot.KindOf(err) == hot.MalformedSource:
		d.log(0, "Hot Update Error: %v", err)
		d.overlay.Show(syntaxErrorInfo(update.URL, err))
		return OutcomeOverlay
	case err != nil:
		d.log(0, "Hot Update Error: %v", err)
		d.reloader.Reload()
		return OutcomeReloaded
	case !ok:
		d.log(1, "update %s cannot be applied, reloading", update.URL)
		d.reloader.Reload()
		return OutcomeReloaded
	default:
		d.overlay.Clear()
		return OutcomeApplied
	}
}

// RunModuleAccept re-imports the updated module and the dependencies of each
// accept registration, then calls the registration's callback with the fresh
// modules. Registrations are processed in order; imports within one
// registration run concurrently. All imports of one call share a version token.
// Returns false without importing anything when the module is unknown or
// declined.
func (d *Dispatcher) RunModuleAccept(ctx context.Context, update protocol.UpdateMessage) (bool, error) {
	id, err := hot.ModuleID(update.URL)
	if err != nil {
		return false, err
	}
	state, ok := d.registry.Lookup(id)
	if !ok || state.IsDeclined() {
		return false, nil
	}

	version := d.nextVersion()
	for _, handler := range state.AcceptHandlers() {
		targets := append([]string{id}, handler.Deps...)
		modules := make([]*hot.Module, len(targets))

		g, gctx := errgroup.WithContext(ctx)
		for i, target := range targets {
			g.Go(func() error {
				m, err := d.importer.Import(gctx, target, version)
				if err != nil {
					return err
				}
				modules[i] = m
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return false, err
		}

		info := hot.Update{Module: modules[0], Bubbled: update.Bubbled, Deps: modules[1:]}
		if err := hot.CallSafely(id, func() error { return handler.OnUpdate(ctx, info) }); err != nil {
			return false, err
		}
	}
	return true, nil
}

// nextVersion returns a millisecond timestamp, bumped when needed so no two
// batches share a token.
func (d *Dispatcher) nextVersion() int64 {
	d.versionMu.Lock()
	defer d.versionMu.Unlock()
	v := d.now().UnixMilli()
	if v <= d.lastVersion {
		v = d.lastVersion + 1
	}
	d.lastVersion = v
	return v
}

func syntaxErrorInfo(url string, err error) protocol.ErrorMessage {
	info := protocol.ErrorMessage{
		Title:        "Syntax Error",
		FileLoc:      url,
		ErrorMessage: err.Error(),
	}
	var ie *hot.ImportError
	if errors.As(err, &ie) {
		file := ie.File
		if file == "" {
			file = ie.ID
		}
		info.FileLoc = FileLoc(file, ie.Line, ie.Column)
		if ie.Err != nil {
			info.ErrorMessage = ie.Err.Error()
		}
		info.ErrorStackTrace = ie.Stack
	}
	return info
}
