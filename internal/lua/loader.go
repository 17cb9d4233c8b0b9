package lua

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/zot/esm-hmr/internal/hot"
)

type moduleKey struct {
	id      string
	version int64
}

// moduleEntry is a cached instance; done closes once loading finishes.
type moduleEntry struct {
	done   chan struct{}
	module *hot.Module
	err    error
}

// locationPattern matches the "chunk:line: message" form of Lua runtime errors.
var locationPattern = regexp.MustCompile(`(?s)^([^:\s]+):(\d+): (.*)$`)

// Import fetches and evaluates the module id at version, sharing the instance
// with every other import of the same identity and version. Failed imports
// are not cached.
func (r *Runtime) Import(ctx context.Context, id string, version int64) (*hot.Module, error) {
	key := moduleKey{id: id, version: version}

	r.mu.Lock()
	entry, ok := r.modules[key]
	if !ok {
		entry = &moduleEntry{done: make(chan struct{})}
		r.modules[key] = entry
	}
	r.mu.Unlock()

	if ok {
		return r.await(ctx, key, entry)
	}

	entry.module, entry.err = r.load(ctx, id, version)
	if entry.err != nil {
		r.mu.Lock()
		delete(r.modules, key)
		r.mu.Unlock()
	}
	close(entry.done)
	return entry.module, entry.err
}

func (r *Runtime) await(ctx context.Context, key moduleKey, entry *moduleEntry) (*hot.Module, error) {
	select {
	case <-entry.done:
		return entry.module, entry.err
	default:
	}

	if r.onExecutor(ctx) {
		if r.evaluating[key] {
			return nil, &hot.ImportError{
				Kind: hot.EvaluationFailed,
				ID:   key.id,
				Err:  fmt.Errorf("circular import of %s", hot.VersionedURL(key.id, key.version)),
			}
		}
		// Another goroutine is still fetching this instance and needs the
		// executor to evaluate it, so waiting here would never finish. The
		// instance loaded here is not the cached one; Session.Update keeps
		// out-of-band updates off the entry load so this stays rare.
		return r.load(ctx, key.id, key.version)
	}

	select {
	case <-entry.done:
		return entry.module, entry.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Runtime) load(ctx context.Context, id string, version int64) (*hot.Module, error) {
	src, err := r.fetch(ctx, id, version)
	if err != nil {
		return nil, err
	}

	var exports lua.LValue
	err = r.execute(ctx, func(ctx context.Context) error {
		var err error
		exports, err = r.evaluate(id, version, src)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.log(2, "lua: loaded %s", hot.VersionedURL(id, version))
	return &hot.Module{ID: id, Version: version, Exports: exports}, nil
}

// moduleURL is the absolute URL of an instance.
func (r *Runtime) moduleURL(id string, version int64) string {
	return r.origin + hot.VersionedURL(id, version)
}

// fetch retrieves module source with a GET of origin + versioned identity.
func (r *Runtime) fetch(ctx context.Context, id string, version int64) (string, error) {
	if r.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.fetchTimeout)
		defer cancel()
	}

	target := r.moduleURL(id, version)
	r.log(3, "lua: fetching %s", target)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", &hot.ImportError{Kind: hot.ResolutionFailed, ID: id, Err: err}
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", &hot.ImportError{Kind: hot.ResolutionFailed, ID: id, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &hot.ImportError{
			Kind: hot.ResolutionFailed,
			ID:   id,
			Err:  fmt.Errorf("GET %s: %s", target, resp.Status),
		}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &hot.ImportError{Kind: hot.ResolutionFailed, ID: id, Err: fmt.Errorf("failed to read %s: %w", target, err)}
	}
	return string(body), nil
}

// evaluate compiles and runs a module body. Must run on the executor.
func (r *Runtime) evaluate(id string, version int64, src string) (lua.LValue, error) {
	L := r.State
	fn, err := L.Load(strings.NewReader(src), id)
	if err != nil {
		return nil, syntaxError(id, err)
	}

	key := moduleKey{id: id, version: version}
	r.evaluating[key] = true
	defer delete(r.evaluating, key)

	meta := L.NewTable()
	meta.RawSetString("url", lua.LString(r.moduleURL(id, version)))
	meta.RawSetString("id", lua.LString(id))
	meta.RawSetString("version", lua.LNumber(version))

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, meta); err != nil {
		return nil, luaError(hot.EvaluationFailed, id, err)
	}
	exports := L.Get(-1)
	L.Pop(1)
	return exports, nil
}

// syntaxError classifies a load failure as malformed source, keeping the
// parser's position.
func syntaxError(id string, err error) error {
	ie := &hot.ImportError{Kind: hot.MalformedSource, ID: id, File: id, Err: err}
	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) || apiErr.Cause == nil {
		return ie
	}
	ie.Err = apiErr.Cause
	switch cause := apiErr.Cause.(type) {
	case *parse.Error:
		ie.Line = cause.Pos.Line
		ie.Column = cause.Pos.Column
		ie.Err = fmt.Errorf("%s near '%s'", strings.TrimSpace(cause.Message), cause.Token)
	case *lua.CompileError:
		ie.Line = cause.Line
		ie.Err = errors.New(cause.Message)
	}
	return ie
}

// luaError converts an error raised while running Lua. Errors raised by the
// host bindings travel as userdata and keep their own classification.
func luaError(kind hot.ErrorKind, id string, err error) error {
	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) {
		return &hot.ImportError{Kind: kind, ID: id, Err: err}
	}
	if ud, ok := apiErr.Object.(*lua.LUserData); ok {
		if cause, ok := ud.Value.(error); ok {
			var ie *hot.ImportError
			if errors.As(cause, &ie) {
				return cause
			}
			return &hot.ImportError{Kind: kind, ID: id, Stack: apiErr.StackTrace, Err: cause}
		}
	}

	ie := &hot.ImportError{Kind: kind, ID: id, Stack: apiErr.StackTrace}
	msg := apiErr.Object.String()
	if m := locationPattern.FindStringSubmatch(msg); m != nil {
		ie.File = m[1]
		ie.Line, _ = strconv.Atoi(m[2])
		msg = m[3]
	}
	ie.Err = errors.New(msg)
	return ie
}

// raise aborts the running Lua function with err, preserving it for luaError.
func raise(L *lua.LState, err error) {
	ud := L.NewUserData()
	ud.Value = err
	L.Error(ud, 1)
}
