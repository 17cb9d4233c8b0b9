// Package overlay provides the error overlay the client shows build and
// runtime errors in.
package overlay

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/zot/esm-hmr/internal/protocol"
)

// TagName is the element name overlay instances are registered under.
const TagName = "esm-hmr-error-overlay"

// Overlay displays error data objects.
type Overlay interface {
	// Show removes every existing overlay instance, then shows a new one.
	Show(info protocol.ErrorMessage)
	// Clear removes every overlay instance.
	Clear()
}

type instance struct {
	id   int
	info protocol.ErrorMessage
}

// Console is an Overlay that renders instances as text blocks.
type Console struct {
	mu     sync.Mutex
	out    io.Writer
	shown  []instance
	nextID int
}

// NewConsole creates a console overlay writing to out (stderr when nil).
func NewConsole(out io.Writer) *Console {
	if out == nil {
		out = os.Stderr
	}
	return &Console{out: out}
}

// Show implements Overlay.
func (c *Console) Show(info protocol.ErrorMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeAllLocked()
	c.nextID++
	inst := instance{id: c.nextID, info: info}
	c.shown = append(c.shown, inst)
	fmt.Fprint(c.out, render(inst))
}

// Clear implements Overlay.
func (c *Console) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeAllLocked()
}

func (c *Console) removeAllLocked() {
	for _, inst := range c.shown {
		fmt.Fprintf(c.out, "<%s #%d removed>\n", TagName, inst.id)
	}
	c.shown = nil
}

// Visible returns the data objects of the instances currently shown.
func (c *Console) Visible() []protocol.ErrorMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	infos := make([]protocol.ErrorMessage, len(c.shown))
	for i, inst := range c.shown {
		infos[i] = inst.info
	}
	return infos
}

func render(inst instance) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<%s #%d>\n", TagName, inst.id)
	fmt.Fprintf(&b, "  %s\n", inst.info.Title)
	if inst.info.FileLoc != "" {
		fmt.Fprintf(&b, "  at %s\n", inst.info.FileLoc)
	}
	for _, line := range strings.Split(inst.info.ErrorMessage, "\n") {
		fmt.Fprintf(&b, "  %s\n", line)
	}
	if inst.info.ErrorStackTrace != "" {
		for _, line := range strings.Split(inst.info.ErrorStackTrace, "\n") {
			fmt.Fprintf(&b, "    %s\n", line)
		}
	}
	fmt.Fprintf(&b, "</%s>\n", TagName)
	return b.String()
}
