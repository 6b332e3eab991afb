package chat

import (
	"github.com/golang/glog"

	"github.com/ckfuturetech19/chat-app-sub002/presence"
)

// Lifecycle maps host application foreground/background transitions to
// controller and presence calls.
type Lifecycle struct {
	ctrl *Controller
	pres presence.Client
}

func NewLifecycle(ctrl *Controller, pres presence.Client) *Lifecycle {
	if pres == nil {
		pres = presence.Noop{}
	}
	return &Lifecycle{ctrl: ctrl, pres: pres}
}

// Foreground marks the user online, refreshes the stream and clears
// the unread badge.
func (l *Lifecycle) Foreground() {
	glog.V(5).Info("lifecycle: foreground")
	l.pres.SetOnline()
	l.ctrl.Refresh()
	l.ctrl.MarkRead()
}

// Background lowers the typing flag and marks the user offline.
func (l *Lifecycle) Background() {
	glog.V(5).Info("lifecycle: background")
	l.ctrl.UpdateTyping(false)
	l.pres.SetOffline()
}
