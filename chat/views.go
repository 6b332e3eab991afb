package chat

// View exposes read-only projections over controller state for the UI
// layer.
type View struct {
	c *Controller
}

func (c *Controller) View() *View {
	return &View{c: c}
}

// ChatID returns the active chat id, "" before bootstrap.
func (v *View) ChatID() string {
	return v.c.cell.Get().ChatID
}

// Connected reports whether the UI is looking at live data.
func (v *View) Connected() bool {
	return v.c.cell.Get().Connected
}

// Unread counts partner messages sent after the last MarkRead call
// observed by this controller.
func (v *View) Unread() int {
	v.c.mu.Lock()
	uid := v.c.uid
	lastRead := v.c.lastRead
	v.c.mu.Unlock()

	n := 0
	for _, m := range v.c.cell.Get().Messages {
		if m.SenderID != uid && m.SentAt.After(lastRead) {
			n++
		}
	}
	return n
}
