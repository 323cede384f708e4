package client

import (
	"fmt"
	"time"
)

type HttpError struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

func (e HttpError) Error() string {
	return fmt.Sprintf("StatusCode: %d Message: %s", e.StatusCode, e.Message)
}

type Entity struct {
	ID         int       `json:"id"`
	Name       string    `json:"name"`
	Price      float64   `json:"currentPrice"`
	LastUpdate time.Time `json:"lastUpdate"`
}

type Entities struct {
	Entities []Entity `json:"entities"`
}

type ActionPerformed struct {
	Description string `json:"description"`
}
