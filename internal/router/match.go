package router

import "github.com/liyaqa/hookline/internal/model"

// Matches reports whether a subscription's event list covers eventType.
// A subscription matches on the exact event type string or on the "*"
// wildcard; there is no prefix or glob matching.
func Matches(events []string, eventType string) bool {
	for _, e := range events {
		if e == model.EventWildcard || e == eventType {
			return true
		}
	}
	return false
}
