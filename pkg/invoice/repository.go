package invoice

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stored is an invoice accepted by a MemoryRepository.
type Stored struct {
	ID        string
	Draft     Draft
	CreatedAt time.Time
}

// MemoryRepository is an in-process invoice store with the same contract as
// the HTTP persister. Construct one per process or test.
type MemoryRepository struct {
	mu       sync.RWMutex
	byID     map[string]*Stored
	byNumber map[string]string
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:     make(map[string]*Stored),
		byNumber: make(map[string]string),
	}
}

// Create stores the draft. A second invoice with the same number is a conflict.
func (r *MemoryRepository) Create(_ context.Context, d *Draft) (string, error) {
	if err := validate(d); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byNumber[d.Number]; ok {
		return "", &ConflictError{Number: d.Number, Message: "already stored as " + existing}
	}

	id := "inv-" + uuid.NewString()
	cp := *d
	cp.Items = append([]Item(nil), d.Items...)
	r.byID[id] = &Stored{ID: id, Draft: cp, CreatedAt: time.Now()}
	r.byNumber[d.Number] = id
	return id, nil
}

// Get returns the invoice stored under id.
func (r *MemoryRepository) Get(id string) (Stored, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	if !ok {
		return Stored{}, false
	}
	return *s, true
}

// List returns all invoices ordered by number.
func (r *MemoryRepository) List() []Stored {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Stored, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Draft.Number < out[j].Draft.Number })
	return out
}

// Len returns the number of stored invoices.
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// validate applies the required-field rules of the invoice application.
func validate(d *Draft) error {
	switch {
	case d == nil:
		return &ValidationError{Message: "draft is nil"}
	case d.Number == "":
		return &ValidationError{Message: "invoice number is required"}
	case d.Customer.Name == "":
		return &ValidationError{Number: d.Number, Message: "customer name is required"}
	case len(d.Items) == 0:
		return &ValidationError{Number: d.Number, Message: "at least one item is required"}
	}
	if d.Subtotal+d.TaxAmount != d.Total {
		return &ValidationError{Number: d.Number, Message: fmt.Sprintf("subtotal %s + tax %s != total %s", d.Subtotal, d.TaxAmount, d.Total)}
	}
	return nil
}
