// Package menu is the two-line LCD menu. Every screen is a Node driven by
// four keys (next, previous, execute, cancel); the Navigator keeps the path
// from the root to the focused node.
package menu

import (
	"fmt"
	"log/slog"
	"sync"
)

// Display is the content of the two LCD lines.
type Display struct {
	Line1 string `json:"line1"`
	Line2 string `json:"line2"`
}

// Node is one screen.
type Node interface {
	Title() string
	// Focus runs when the node becomes the focused one, including on return
	// from a child.
	Focus() error
	// Blur runs when the navigator leaves the node for its parent.
	Blur()
	Next()
	Previous()
	// Execute returns a child to descend into, or nil to stay.
	Execute() (Node, error)
	// Cancel reports whether the node consumed the key; false means go back.
	Cancel() bool
	Display() Display
}

// Redraw coalesces change notifications from sessions that move on their
// own (metronome ticks, playback completion) so a console can repaint
// without waiting for its next poll. A nil *Redraw drops notifications.
type Redraw struct {
	c chan struct{}
}

func NewRedraw() *Redraw {
	return &Redraw{c: make(chan struct{}, 1)}
}

// Notify never blocks; pending notifications merge into one.
func (r *Redraw) Notify() {
	if r == nil {
		return
	}
	select {
	case r.c <- struct{}{}:
	default:
	}
}

// C delivers one value per burst of notifications.
func (r *Redraw) C() <-chan struct{} {
	if r == nil {
		return nil
	}
	return r.c
}

// Navigator routes keys to the focused node. It is safe for concurrent use
// by the console and the HTTP surface.
type Navigator struct {
	mu      sync.Mutex
	stack   []Node
	lastErr error
	log     *slog.Logger
}

func NewNavigator(root Node, log *slog.Logger) *Navigator {
	if log == nil {
		log = slog.Default()
	}
	n := &Navigator{stack: []Node{root}, log: log.With("component", "menu")}
	if err := root.Focus(); err != nil {
		n.log.Warn("menu: focus failed", "node", root.Title(), "err", err)
	}
	return n
}

func (n *Navigator) top() Node { return n.stack[len(n.stack)-1] }

func (n *Navigator) Next() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastErr = nil
	n.top().Next()
}

func (n *Navigator) Previous() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastErr = nil
	n.top().Previous()
}

// Execute lets the focused node act and descends into the child it returns.
func (n *Navigator) Execute() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastErr = nil
	cur := n.top()
	child, err := cur.Execute()
	if err != nil {
		n.lastErr = err
		n.log.Error("menu: execute failed", "node", cur.Title(), "err", err)
		return
	}
	if child == nil {
		return
	}
	if err := child.Focus(); err != nil {
		n.lastErr = err
		n.log.Error("menu: focus failed", "node", child.Title(), "err", err)
		return
	}
	n.stack = append(n.stack, child)
	n.log.Debug("menu: enter", "node", child.Title(), "depth", len(n.stack))
}

// Cancel lets the focused node back out of its own state first; an idle
// node is left for its parent. The root is never left.
func (n *Navigator) Cancel() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastErr = nil
	cur := n.top()
	if cur.Cancel() || len(n.stack) == 1 {
		return
	}
	cur.Blur()
	n.stack = n.stack[:len(n.stack)-1]
	parent := n.top()
	if err := parent.Focus(); err != nil {
		n.lastErr = err
		n.log.Warn("menu: refocus failed", "node", parent.Title(), "err", err)
	}
	n.log.Debug("menu: leave", "node", cur.Title(), "depth", len(n.stack))
}

// Display renders the focused node. An error from the last key replaces the
// second line until the next key.
func (n *Navigator) Display() Display {
	n.mu.Lock()
	defer n.mu.Unlock()
	d := n.top().Display()
	if n.lastErr != nil {
		d.Line2 = "Error: " + n.lastErr.Error()
	}
	return d
}

// Path lists node titles from the root to the focused node.
func (n *Navigator) Path() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.stack))
	for i, node := range n.stack {
		out[i] = node.Title()
	}
	return out
}

// -------------------- Branch --------------------

// Branch is a plain navigation node listing its children.
type Branch struct {
	title    string
	children []Node
	cursor   int
}

func NewBranch(title string, children ...Node) *Branch {
	return &Branch{title: title, children: children}
}

func (b *Branch) Title() string { return b.title }
func (b *Branch) Focus() error  { return nil }
func (b *Branch) Blur()         {}

func (b *Branch) Next() {
	if len(b.children) == 0 {
		return
	}
	b.cursor = (b.cursor + 1) % len(b.children)
}

func (b *Branch) Previous() {
	if len(b.children) == 0 {
		return
	}
	b.cursor = (b.cursor - 1 + len(b.children)) % len(b.children)
}

func (b *Branch) Execute() (Node, error) {
	if len(b.children) == 0 {
		return nil, nil
	}
	return b.children[b.cursor], nil
}

func (b *Branch) Cancel() bool { return false }

func (b *Branch) Display() Display {
	if len(b.children) == 0 {
		return Display{Line1: b.title, Line2: "empty"}
	}
	return Display{
		Line1: b.children[b.cursor].Title(),
		Line2: fmt.Sprintf("%d/%d", b.cursor+1, len(b.children)),
	}
}
