package nukleus

import "errors"

// ErrRouteMiss is returned by an unroute operation naming a binding that
// was never routed, or was already unrouted.
var ErrRouteMiss = errors.New("nukleus: no matching route")

// ErrNoChannel is returned when a route names a target with no registered
// fabric.Channel.
var ErrNoChannel = errors.New("nukleus: no channel registered for target")

// ErrQueueFull is returned by Handle when the command queue does not drain
// within its deadline, meaning Run is not being serviced.
var ErrQueueFull = errors.New("nukleus: command queue full")
