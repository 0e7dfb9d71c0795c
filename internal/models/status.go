package models

// Status is the reservation lifecycle state. Transitions follow a fixed graph
// and never skip validation; CANCELED is reachable from any non-terminal
// state, REPEALED only from a driver-owned offer.
type Status string

const (
	StatusSearching  Status = "SEARCHING"
	StatusChoosing   Status = "CHOOSING"
	StatusPending    Status = "PENDING"
	StatusSuggestion Status = "SUGGESTION"
	StatusMatched    Status = "MATCHED"
	StatusStarted    Status = "STARTED"
	StatusFinished   Status = "FINISHED"
	StatusCanceled   Status = "CANCELED"
	StatusRepealed   Status = "REPEALED"
)

var transitions = map[Status][]Status{
	StatusSearching:  {StatusChoosing, StatusPending, StatusSuggestion, StatusCanceled, StatusRepealed},
	StatusChoosing:   {StatusMatched, StatusSearching, StatusCanceled, StatusRepealed},
	StatusPending:    {StatusMatched, StatusSearching, StatusCanceled, StatusRepealed},
	StatusSuggestion: {StatusMatched, StatusCanceled, StatusRepealed},
	StatusMatched:    {StatusStarted, StatusSearching, StatusCanceled, StatusRepealed},
	StatusStarted:    {StatusFinished, StatusCanceled, StatusRepealed},
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusFinished, StatusCanceled, StatusRepealed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal move on the state graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
