package messenger

// FocusPolicy tracks which conversation is rendered as the open room.
// At most one conversation is focused; every other one is unfocused.
type FocusPolicy struct {
	focused string
}

// FocusChange describes a transition produced by Focus.
type FocusChange struct {
	// Demoted is the conversation that lost focus, if any.
	Demoted string
	// Entered is set when conversationID went from unfocused to focused.
	// Only then do history reload, mark-as-read and ResetUnread run.
	Entered bool
}

// Focus makes conversationID the focused conversation, demoting the
// previous one first.
func (p *FocusPolicy) Focus(conversationID string) FocusChange {
	if conversationID == "" || p.focused == conversationID {
		return FocusChange{}
	}
	change := FocusChange{Demoted: p.focused, Entered: true}
	p.focused = conversationID
	return change
}

// Blur unfocuses conversationID. It is a local flag flip; it reports whether
// anything changed.
func (p *FocusPolicy) Blur(conversationID string) bool {
	if conversationID == "" || p.focused != conversationID {
		return false
	}
	p.focused = ""
	return true
}

// IsFocused reports whether conversationID is the open room.
func (p *FocusPolicy) IsFocused(conversationID string) bool {
	return conversationID != "" && p.focused == conversationID
}

// Current returns the focused conversation, or "".
func (p *FocusPolicy) Current() string {
	return p.focused
}
