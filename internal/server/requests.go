package server

import "github.com/jimmingcheng/pi-robot/internal/eventlog"

// defaultEventsLimit is the page size when a request leaves limit unset.
const defaultEventsLimit = 50

// EventsRequest is the request body for events/get and the query of
// GET /api/events.
type EventsRequest struct {
	Limit  int    `json:"limit" validate:"omitempty,gte=1,lte=500"`
	Offset int    `json:"offset" validate:"gte=0"`
	Filter string `json:"filter" validate:"omitempty,oneof=session utterance reply archive"`
}

// EventsResult is a page of the event log, newest first.
type EventsResult struct {
	Events  []eventlog.Event `json:"events"`
	HasMore bool             `json:"has_more"`
}

func (r EventsRequest) limit() int {
	if r.Limit == 0 {
		return defaultEventsLimit
	}
	return min(r.Limit, eventlog.MaxReadLimit)
}

// Validate checks the request against its struct tags.
func (r *EventsRequest) Validate() error {
	return validate.Struct(r)
}

// ReadEvents reads the page described by r.
func (r EventsRequest) ReadEvents(events EventReader) ([]eventlog.Event, bool, error) {
	return events.ReadLast(r.limit(), r.Offset, eventlog.TypeFilter(r.Filter))
}
