package types

import "time"

// Entity carries the timestamps shared by persisted tally records.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntity creates a new Entity with current timestamps.
func NewEntity() Entity {
	now := time.Now().UTC()
	return Entity{
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch updates the UpdatedAt timestamp to now.
func (e *Entity) Touch() {
	e.UpdatedAt = time.Now().UTC()
}

// MonthKey returns the key under which usage for t's calendar month is
// recorded: the month number without padding, "6" for June.
func MonthKey(t time.Time) string {
	return monthKeys[t.Month()-1]
}

// SameMonth reports whether a and b fall in the same calendar month of the same year.
func SameMonth(a, b time.Time) bool {
	ay, am, _ := a.Date()
	by, bm, _ := b.Date()
	return ay == by && am == bm
}

var monthKeys = [12]string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10", "11", "12"}
