package entities

import (
	"fmt"
	"time"
)

type Entity struct {
	ID         int       `json:"id"`
	Name       string    `json:"name"`
	Price      float64   `json:"currentPrice"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// Equal reports whether both entities share the same id and name.
// Price and LastUpdate do not take part in identity.
func (e Entity) Equal(other Entity) bool {
	return e.ID == other.ID && e.Name == other.Name
}

func (e Entity) String() string {
	return fmt.Sprintf("[id=%d, name=%s, currentPrice=%g, lastUpdate=%s]",
		e.ID, e.Name, e.Price, e.LastUpdate.Format(time.RFC3339Nano))
}

type Entities struct {
	Entities []Entity `json:"entities"`
}
