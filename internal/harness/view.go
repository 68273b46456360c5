package harness

import (
	"fmt"
	"io"
	"sync"
)

// View is what the harness drives in place of a page: a login panel, a chat
// panel with a message log, and an input field.
type View interface {
	SetPanels(loginVisible, chatVisible bool)
	AppendMessage(text string)
	ClearInput()
}

// TerminalView renders the view as plain lines on a writer.
type TerminalView struct {
	mu          sync.Mutex
	w           io.Writer
	chatVisible bool
}

// NewTerminalView creates a TerminalView writing to w.
func NewTerminalView(w io.Writer) *TerminalView {
	return &TerminalView{w: w}
}

// SetPanels implements View.
func (v *TerminalView) SetPanels(loginVisible, chatVisible bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if chatVisible && !v.chatVisible {
		fmt.Fprintln(v.w, "Type your messages (or 'quit' to exit):")
	}
	if loginVisible && !chatVisible {
		fmt.Fprintln(v.w, "Not connected.")
	}
	v.chatVisible = chatVisible
}

// AppendMessage implements View.
func (v *TerminalView) AppendMessage(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.w, text)
}

// ClearInput implements View. Terminal input is consumed line by line, so
// there is nothing left to clear.
func (v *TerminalView) ClearInput() {}
