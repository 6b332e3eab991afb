package presence

import "github.com/golang/glog"

// Client is the online-status collaborator. It is consumed only by the
// lifecycle adapter, never by the controller itself.
type Client interface {
	SetOnline()
	SetOffline()
}

// Noop is the default client for deployments without a presence
// service.
type Noop struct{}

func (Noop) SetOnline()  { glog.V(5).Info("presence: online (noop)") }
func (Noop) SetOffline() { glog.V(5).Info("presence: offline (noop)") }
