package expense

import "time"

// Category labels what an expense is for. The distribution flows only
// generate loss entries; the rest exist for manual bookkeeping.
type Category string

const (
	CategoryLoss     Category = "loss"
	CategoryFuel     Category = "fuel"
	CategoryMaintain Category = "maintenance"
	CategoryOther    Category = "other"
)

// Record is a single expense entry.
type Record struct {
	ID          int64     `json:"id"`
	Reference   string    `json:"reference"`
	Category    Category  `json:"category"`
	Amount      float64   `json:"amount"`
	Date        time.Time `json:"date"`
	Description string    `json:"description,omitempty"`
	ActorID     int64     `json:"actor_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ListFilter narrows expense listings.
type ListFilter struct {
	Category Category
	From     *time.Time
	To       *time.Time
	Limit    int
}
