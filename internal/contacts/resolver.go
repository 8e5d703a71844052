// Package contacts resolves extracted identity fields to a canonical contact.
package contacts

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"campaign-dialer/internal/campaign"
	"campaign-dialer/internal/store"
)

var ErrMissingIdentity = errors.New("contacts: identity has no name and no phone")

// Identity is what ingestion or dispatch knows about a person.
type Identity struct {
	FirstName string
	LastName  string
	DOB       string // YYYY-MM-DD
	Phone     string
	OrgID     string
}

func (i Identity) Hash() string {
	return Hash(i.FirstName, i.LastName, i.DOB, i.Phone)
}

func (i Identity) empty() bool {
	return strings.TrimSpace(i.FirstName) == "" && strings.TrimSpace(i.LastName) == "" && Digits(i.Phone) == ""
}

// Resolution is the outcome of FindOrCreate.
type Resolution struct {
	ContactID string
	Hash      string
	IsNew     bool
}

// Resolver finds or creates contacts.
//
// Concurrent calls for the same identity are safe: creation goes through
// ContactStore.UpsertContact, which is backed by a unique constraint on hash.
type Resolver struct {
	store store.ContactStore
	clock func() time.Time
	newID func() string
}

func NewResolver(s store.ContactStore) *Resolver {
	return &Resolver{store: s, clock: time.Now, newID: uuid.NewString}
}

// FindOrCreate returns the contact for id, linking it to id.OrgID.
func (r *Resolver) FindOrCreate(ctx context.Context, id Identity) (Resolution, error) {
	const op = "resolve contact"
	if id.empty() {
		return Resolution{}, campaign.Validationf(op, "%v", ErrMissingIdentity)
	}

	existing, found, err := r.find(ctx, id)
	if err != nil {
		return Resolution{}, campaign.PersistenceError(op, err)
	}
	if found {
		if err := r.link(ctx, id.OrgID, existing.ID); err != nil {
			return Resolution{}, campaign.PersistenceError(op, err)
		}
		return Resolution{ContactID: existing.ID, Hash: existing.Hash, IsNew: false}, nil
	}

	stored, created, err := r.store.UpsertContact(ctx, campaign.Contact{
		ID:        r.newID(),
		FirstName: strings.TrimSpace(id.FirstName),
		LastName:  strings.TrimSpace(id.LastName),
		DOB:       strings.TrimSpace(id.DOB),
		Phone:     Digits(id.Phone),
		Hash:      id.Hash(),
		CreatedAt: r.clock().UTC(),
	})
	if err != nil {
		return Resolution{}, campaign.PersistenceError(op, err)
	}
	if err := r.link(ctx, id.OrgID, stored.ID); err != nil {
		return Resolution{}, campaign.PersistenceError(op, err)
	}
	return Resolution{ContactID: stored.ID, Hash: stored.Hash, IsNew: created}, nil
}

// Lookup is the read-only half of FindOrCreate. It never writes; found is
// false when no contact matches.
func (r *Resolver) Lookup(ctx context.Context, id Identity) (Resolution, bool, error) {
	if id.empty() {
		return Resolution{}, false, nil
	}
	c, found, err := r.find(ctx, id)
	if err != nil {
		return Resolution{}, false, campaign.PersistenceError("lookup contact", err)
	}
	if !found {
		return Resolution{Hash: id.Hash()}, false, nil
	}
	return Resolution{ContactID: c.ID, Hash: c.Hash}, true, nil
}

// find looks up by hash, then by phone.
func (r *Resolver) find(ctx context.Context, id Identity) (campaign.Contact, bool, error) {
	c, err := r.store.FindContactByHash(ctx, id.Hash())
	if err == nil {
		return c, true, nil
	}
	if !store.IsNotFound(err) {
		return campaign.Contact{}, false, err
	}

	phone := Digits(id.Phone)
	if phone == "" {
		return campaign.Contact{}, false, nil
	}
	c, err = r.store.FindContactByPhone(ctx, phone)
	if err == nil {
		return c, true, nil
	}
	if store.IsNotFound(err) {
		return campaign.Contact{}, false, nil
	}
	return campaign.Contact{}, false, err
}

func (r *Resolver) link(ctx context.Context, orgID, contactID string) error {
	if orgID == "" {
		return nil
	}
	return r.store.EnsureOrgLink(ctx, orgID, contactID)
}
