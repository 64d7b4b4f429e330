package configsync

import (
	"fmt"
	"maps"
	"slices"

	"golang.org/x/text/unicode/norm"
)

// Contact is a 1:1 counterparty tracked in the Contacts variant.
type Contact struct {
	ID         PubKey
	Name       string
	Nickname   string
	Approved   bool
	ApprovedMe bool
	Blocked    bool
	// Priority: PriorityHidden hides, 0 is default, positive pins.
	Priority        int64
	Picture         ProfilePicture
	ExpirationMode  ExpirationMode
	ExpirationTimer int64
	// CreatedAt is unix seconds.
	CreatedAt int64
}

// Hidden reports whether the contact carries the hidden priority.
func (c Contact) Hidden() bool {
	return c.Priority == PriorityHidden
}

// ContactsConfig is the Contacts variant, one record per contact id.
type ContactsConfig struct {
	*Wrapper
}

func newContacts(s sealer, dump []byte) (*ContactsConfig, error) {
	w, err := newWrapper(Contacts, s, dump)
	if err != nil {
		return nil, err
	}

	return &ContactsConfig{Wrapper: w}, nil
}

func contactFromRecord(id string, rec Record) Contact {
	mode := fieldValue[ExpirationMode](rec, "exp_mode")
	if mode == "" {
		mode = ExpirationOff
	}

	return Contact{
		ID:              PubKey(id),
		Name:            fieldValue[string](rec, "name"),
		Nickname:        fieldValue[string](rec, "nickname"),
		Approved:        fieldValue[bool](rec, "approved"),
		ApprovedMe:      fieldValue[bool](rec, "approved_me"),
		Blocked:         fieldValue[bool](rec, "blocked"),
		Priority:        fieldValue[int64](rec, "priority"),
		Picture:         fieldValue[ProfilePicture](rec, "pic"),
		ExpirationMode:  mode,
		ExpirationTimer: fieldValue[int64](rec, "exp_timer"),
		CreatedAt:       fieldValue[int64](rec, "created"),
	}
}

// Get returns the contact with id.
func (c *ContactsConfig) Get(id PubKey) (Contact, bool) {
	rec, ok := c.record(string(id))
	if !ok {
		return Contact{}, false
	}

	return contactFromRecord(string(id), rec), true
}

// Set creates or updates a contact. Only changed fields are written.
func (c *ContactsConfig) Set(ct Contact) error {
	if !ct.ID.IsUser() {
		return fmt.Errorf("contact id %q is not an account id", ct.ID.Short())
	}

	mode := ct.ExpirationMode
	if mode == "" {
		mode = ExpirationOff
	}

	timer := ct.ExpirationTimer
	if mode == ExpirationOff {
		timer = 0
	}

	_, err := c.setFields(string(ct.ID), map[string]any{
		"name":        norm.NFC.String(ct.Name),
		"nickname":    norm.NFC.String(ct.Nickname),
		"approved":    ct.Approved,
		"approved_me": ct.ApprovedMe,
		"blocked":     ct.Blocked,
		"priority":    ct.Priority,
		"pic":         ct.Picture,
		"exp_mode":    mode,
		"exp_timer":   timer,
		"created":     ct.CreatedAt,
	})

	return err
}

// Erase removes a contact. It reports whether the contact existed.
func (c *ContactsConfig) Erase(id PubKey) bool {
	return c.removeRecord(string(id))
}

// All returns every contact ordered by id.
func (c *ContactsConfig) All() []Contact {
	recs := c.records()
	out := make([]Contact, 0, len(recs))

	for _, id := range slices.Sorted(maps.Keys(recs)) {
		out = append(out, contactFromRecord(id, recs[id]))
	}

	return out
}
