package models

// Handler receives events routed by category. Implementations must provide a
// method for every category, so adding a category breaks every handler until
// it is handled.
type Handler interface {
	OnMessage(Event)
	OnTyping(Event)
	OnPresence(Event)
	OnNotification(Event)
}

// HandlerFuncs adapts optional callbacks to Handler. Nil callbacks ignore the
// event.
type HandlerFuncs struct {
	Message      func(Event)
	Typing       func(Event)
	Presence     func(Event)
	Notification func(Event)
}

func (h HandlerFuncs) OnMessage(e Event)      { call(h.Message, e) }
func (h HandlerFuncs) OnTyping(e Event)       { call(h.Typing, e) }
func (h HandlerFuncs) OnPresence(e Event)     { call(h.Presence, e) }
func (h HandlerFuncs) OnNotification(e Event) { call(h.Notification, e) }

func call(fn func(Event), e Event) {
	if fn != nil {
		fn(e)
	}
}

// Dispatch routes e to exactly one hook of h. Unknown types return
// ErrUnknownEventType and reach no hook.
func Dispatch(h Handler, e Event) error {
	category, err := e.Type.Category()
	if err != nil {
		return err
	}

	switch category {
	case CategoryMessage:
		h.OnMessage(e)
	case CategoryTyping:
		h.OnTyping(e)
	case CategoryPresence:
		h.OnPresence(e)
	case CategoryNotification:
		h.OnNotification(e)
	default:
		panic("models: category without a handler hook")
	}
	return nil
}
