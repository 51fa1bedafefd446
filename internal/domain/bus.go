package domain

// EventFeed receives inbound events from transports.
type EventFeed interface {
	Publish(ev InboundEvent)
}
