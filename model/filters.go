// SPDX-License-Identifier: MIT

package model

// MatchAny re-validates the filters against the actual event, tag
// filters included. Relays are untrusted and may return
// under-filtered results, so this runs on every received event.
func MatchAny(filters Filters, event *Event) bool {
	for idx := range filters {
		if filters[idx].Matches(&event.Event) {
			return true
		}
	}

	return false
}
