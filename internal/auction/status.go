package auction

type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusScheduled Status = "SCHEDULED"
	StatusActive    Status = "ACTIVE"
	StatusEnded     Status = "ENDED"
	StatusSold      Status = "SOLD"
	StatusCancelled Status = "CANCELLED"
)

var validNext = map[Status]map[Status]bool{
	StatusDraft:     {StatusScheduled: true, StatusActive: true, StatusCancelled: true},
	StatusScheduled: {StatusActive: true, StatusCancelled: true},
	StatusActive:    {StatusEnded: true, StatusCancelled: true},
	StatusEnded:     {StatusSold: true},
	StatusSold:      {},
	StatusCancelled: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Terminal reports whether no further transition is possible.
func Terminal(s Status) bool { return len(validNext[s]) == 0 }
