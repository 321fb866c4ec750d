package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned by Get methods when no row matches.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned by conditional updates when the row exists but
// is not in a state that permits the transition.
var ErrConflict = errors.New("conflicting state")

type Store struct {
	Webhooks   *WebhookStore
	Deliveries *DeliveryStore
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Webhooks:   &WebhookStore{pool: pool},
		Deliveries: &DeliveryStore{pool: pool},
	}
}
