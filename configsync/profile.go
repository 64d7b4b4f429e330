package configsync

import (
	"golang.org/x/text/unicode/norm"
)

// Priority values shared by contacts, groups and note-to-self.
const (
	// PriorityHidden hides a conversation without deleting it.
	PriorityHidden int64 = -1
	// PriorityVisible is the default.
	PriorityVisible int64 = 0
)

// ExpirationMode is a disappearing-messages setting.
type ExpirationMode string

const (
	ExpirationOff       ExpirationMode = "off"
	ExpirationAfterSend ExpirationMode = "after_send"
	ExpirationAfterRead ExpirationMode = "after_read"
)

// ProfilePicture points to an encrypted avatar.
type ProfilePicture struct {
	URL string `cbor:"url"`
	Key []byte `cbor:"key"`
}

// IsSet reports whether both the URL and key are present.
func (p ProfilePicture) IsSet() bool {
	return p.URL != "" && len(p.Key) > 0
}

const profileRecord = "profile"

// Profile is the UserProfile variant: display name, avatar and
// note-to-self settings.
type Profile struct {
	*Wrapper
}

func newProfile(s sealer, dump []byte) (*Profile, error) {
	w, err := newWrapper(UserProfile, s, dump)
	if err != nil {
		return nil, err
	}

	return &Profile{Wrapper: w}, nil
}

func (p *Profile) rec() Record {
	rec, _ := p.record(profileRecord)
	return rec
}

// Name returns the display name.
func (p *Profile) Name() string {
	return fieldValue[string](p.rec(), "name")
}

// SetName sets the display name, NFC-normalized.
func (p *Profile) SetName(name string) error {
	_, err := p.setFields(profileRecord, map[string]any{"name": norm.NFC.String(name)})
	return err
}

// Picture returns the avatar pointer.
func (p *Profile) Picture() ProfilePicture {
	return fieldValue[ProfilePicture](p.rec(), "pic")
}

// SetPicture replaces the avatar pointer. An empty value clears it.
func (p *Profile) SetPicture(pic ProfilePicture) error {
	_, err := p.setFields(profileRecord, map[string]any{"pic": pic})
	return err
}

// NoteToSelfPriority returns the pin/hide priority of note-to-self.
func (p *Profile) NoteToSelfPriority() int64 {
	return fieldValue[int64](p.rec(), "nts_priority")
}

// SetNoteToSelfPriority sets the note-to-self priority.
func (p *Profile) SetNoteToSelfPriority(priority int64) error {
	_, err := p.setFields(profileRecord, map[string]any{"nts_priority": priority})
	return err
}

// NoteToSelfExpiry returns the disappearing timer for note-to-self in
// seconds, or zero when off.
func (p *Profile) NoteToSelfExpiry() int64 {
	return fieldValue[int64](p.rec(), "nts_expiry")
}

// SetNoteToSelfExpiry sets the note-to-self timer in seconds.
func (p *Profile) SetNoteToSelfExpiry(seconds int64) error {
	_, err := p.setFields(profileRecord, map[string]any{"nts_expiry": max(seconds, 0)})
	return err
}

// BlindedMessageRequests reports whether message requests from
// community members are accepted.
func (p *Profile) BlindedMessageRequests() bool {
	return fieldValue[bool](p.rec(), "blinded_msgreqs")
}

// SetBlindedMessageRequests toggles community message requests.
func (p *Profile) SetBlindedMessageRequests(enabled bool) error {
	_, err := p.setFields(profileRecord, map[string]any{"blinded_msgreqs": enabled})
	return err
}
