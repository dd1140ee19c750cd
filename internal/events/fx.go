package events

import "go.uber.org/fx"

var Module = fx.Module("events",
	fx.Provide(NewOutbox),
	fx.Provide(func(o *Outbox) Publisher { return o }),
	fx.Provide(ProvideDispatcherConfig),
	fx.Provide(ProvideRelay),
	fx.Provide(NewDispatcher),
)
