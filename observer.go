package statekit

import "log/slog"

// Observer receives one-way lifecycle notifications from containers and
// routers. Implementations must not block; every hook is fire-and-forget and
// the engine behaves identically whether or not an observer is attached.
//
// A panicking observer never affects event processing: hook invocations are
// wrapped with recovery and failures are logged at Warn.
type Observer interface {
	// ContainerCreated is called once when a container is constructed.
	ContainerCreated(container string)

	// ContainerRegistered is called when a router takes ownership of a
	// container.
	ContainerRegistered(container, router string)

	// EventReceived is called for every event accepted by a container's Add,
	// before its handlers run.
	EventReceived(container string, event any)

	// StateChanged is called after a container publishes a new state value.
	StateChanged(container string, state any)

	// ContainerClosed is called once when a container is closed.
	ContainerClosed(container string)
}

// Observers fans out lifecycle notifications to multiple observers in order.
type Observers []Observer

func (o Observers) ContainerCreated(container string) {
	for _, ob := range o {
		ob.ContainerCreated(container)
	}
}

func (o Observers) ContainerRegistered(container, router string) {
	for _, ob := range o {
		ob.ContainerRegistered(container, router)
	}
}

func (o Observers) EventReceived(container string, event any) {
	for _, ob := range o {
		ob.EventReceived(container, event)
	}
}

func (o Observers) StateChanged(container string, state any) {
	for _, ob := range o {
		ob.StateChanged(container, state)
	}
}

func (o Observers) ContainerClosed(container string) {
	for _, ob := range o {
		ob.ContainerClosed(container)
	}
}

// notifyObserver invokes one hook with panic isolation.
func notifyObserver(logger *slog.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("observer panic", "panic", r)
		}
	}()
	fn()
}

// Compile-time interface check
var _ Observer = (Observers)(nil)
