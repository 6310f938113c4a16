package endpoint

// Observer receives stream events. Every method runs on the loop goroutine
// with no stream lock held, so it may call back into the stream.
type Observer interface {
	// OnReceive is called after new bytes were buffered. Returning false
	// discards whatever is still buffered.
	OnReceive(s *Stream) (keepBuffered bool)
	// OnClose is called exactly once when the peer side of the stream ends.
	// The handle is still open at that point and a last Send is accepted;
	// the stream is torn down when OnClose returns.
	OnClose(s *Stream)
	// OnError precedes OnClose when the stream ends on an unexpected error.
	OnError(s *Stream, err error)
}

// NopObserver leaves received data buffered and ignores close and error.
type NopObserver struct{}

func (NopObserver) OnReceive(*Stream) bool { return true }
func (NopObserver) OnClose(*Stream)        {}
func (NopObserver) OnError(*Stream, error) {}

// ObserverFuncs adapts plain functions to Observer. Nil fields behave like
// NopObserver.
type ObserverFuncs struct {
	Receive func(s *Stream) bool
	Close   func(s *Stream)
	Error   func(s *Stream, err error)
}

func (o ObserverFuncs) OnReceive(s *Stream) bool {
	if o.Receive == nil {
		return true
	}
	return o.Receive(s)
}

func (o ObserverFuncs) OnClose(s *Stream) {
	if o.Close != nil {
		o.Close(s)
	}
}

func (o ObserverFuncs) OnError(s *Stream, err error) {
	if o.Error != nil {
		o.Error(s, err)
	}
}

// ListenerHandler decides what happens to accepted connections.
type ListenerHandler interface {
	// OnAccept takes ownership of h when it returns true. When it returns
	// false the listener shuts h down and closes it.
	OnAccept(l *Listener, h *Handle) (accepted bool, err error)
	// OnAcceptError reports accept and handshake failures. Only the affected
	// connection is torn down.
	OnAcceptError(l *Listener, err error)
}

// AcceptFunc is a ListenerHandler that only handles accepted connections.
type AcceptFunc func(l *Listener, h *Handle) (bool, error)

func (f AcceptFunc) OnAccept(l *Listener, h *Handle) (bool, error) { return f(l, h) }
func (f AcceptFunc) OnAcceptError(*Listener, error)                {}

// ConnectHandler receives the outcome of a Connector.
type ConnectHandler interface {
	// OnConnect takes ownership of h when it returns true; otherwise the
	// connector closes h.
	OnConnect(c *Connector, h *Handle) (accepted bool, err error)
	OnConnectError(c *Connector, err error)
}

// ConnectFuncs adapts plain functions to ConnectHandler.
type ConnectFuncs struct {
	Connect func(c *Connector, h *Handle) (bool, error)
	Error   func(c *Connector, err error)
}

func (f ConnectFuncs) OnConnect(c *Connector, h *Handle) (bool, error) {
	if f.Connect == nil {
		return false, nil
	}
	return f.Connect(c, h)
}

func (f ConnectFuncs) OnConnectError(c *Connector, err error) {
	if f.Error != nil {
		f.Error(c, err)
	}
}
