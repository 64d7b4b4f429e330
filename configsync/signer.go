package configsync

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	apperrors "github.com/alexjbarnes/confsync/internal/errors"
	"github.com/alexjbarnes/confsync/internal/swarm"
)

// Signer authenticates storage requests. The account swarm is signed
// with the account key; a group swarm with the group key when this
// device is an admin, otherwise with the account key.
type Signer struct {
	reg *Registry
}

// NewSigner creates a signer over the registry's keys.
func NewSigner(reg *Registry) *Signer {
	return &Signer{reg: reg}
}

// SignFor signs payload for requests to dest.
func (s *Signer) SignFor(dest string, payload []byte) (swarm.Auth, error) {
	id := s.reg.Identity()
	if id == nil {
		return swarm.Auth{}, fmt.Errorf("%w: no account key", apperrors.ErrMissingKey)
	}

	if pk := PubKey(dest); pk.IsGroup() {
		if key := s.groupKey(pk); key != nil {
			return swarm.Auth{
				PubKeyEd25519: hex.EncodeToString(key.Public().(ed25519.PublicKey)),
				Signature:     ed25519.Sign(key, payload),
			}, nil
		}
	}

	return swarm.Auth{
		PubKeyEd25519: hex.EncodeToString(id.Ed25519Public()),
		Signature:     id.Sign(payload),
	}, nil
}

func (s *Signer) groupKey(group PubKey) ed25519.PrivateKey {
	groups, err := s.reg.UserGroups()
	if err != nil {
		return nil
	}

	g, ok := groups.GetGroup(group)
	if !ok {
		return nil
	}

	return adminKey(g)
}
