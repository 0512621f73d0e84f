package domain

// NotificationEvent is what a subscription's generator carries for each
// delivered Twitch notification (spec.md §4.6 step "notification(p)").
type NotificationEvent struct {
	Type         string
	Version      string
	Subscription map[string]any
	Condition    map[string]any
	Event        any
}
