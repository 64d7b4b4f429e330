package configsync

import (
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/confsync/internal/state"
)

// DumpBackend is the key-value table dumps are written to.
type DumpBackend interface {
	SaveDump(rec state.DumpRecord) error
	LoadAllDumps() ([]state.DumpRecord, error)
	DeleteAllDumpsFor(owner string) error
}

// DumpRecord is one decrypted dump.
type DumpRecord struct {
	Owner PubKey
	// Name is the variant column, e.g. "ContactsConfig" or
	// "MetaGroupConfig-03..".
	Name string
	Data []byte
}

// DumpStore seals wrapper dumps with a key derived from the account
// seed and persists them by (owner, name).
type DumpStore struct {
	backend DumpBackend
	sealer  *symmetricSealer
	logger  *slog.Logger
}

// dumper is anything that can be snapshotted and marked durable.
type dumper interface {
	NeedsDump() bool
	Dump() (DumpData, error)
	MarkDumped(generation uint64)
}

// NewDumpStore creates a dump store sealing with the account's dump key.
func NewDumpStore(backend DumpBackend, id *Identity, logger *slog.Logger) (*DumpStore, error) {
	s, err := newSymmetricSealer(id.DeriveKey("dump"))
	if err != nil {
		return nil, err
	}

	return &DumpStore{
		backend: backend,
		sealer:  s,
		logger:  logger.With(slog.String("component", "dumpstore")),
	}, nil
}

// LoadAll returns every dump that opens with the account key. Dumps
// that do not are logged and skipped; their wrapper starts fresh.
func (d *DumpStore) LoadAll() ([]DumpRecord, error) {
	recs, err := d.backend.LoadAllDumps()
	if err != nil {
		return nil, fmt.Errorf("loading dumps: %w", err)
	}

	out := make([]DumpRecord, 0, len(recs))

	for _, rec := range recs {
		data, err := d.sealer.open(rec.Data)
		if err != nil {
			d.logger.Warn("skipping unreadable dump",
				slog.String("owner", PubKey(rec.Owner).Short()),
				slog.String("variant", rec.Variant),
				slog.String("error", err.Error()),
			)

			continue
		}

		out = append(out, DumpRecord{Owner: PubKey(rec.Owner), Name: rec.Variant, Data: data})
	}

	return out, nil
}

// Save seals and upserts one dump.
func (d *DumpStore) Save(owner PubKey, name string, data []byte) error {
	sealed, err := d.sealer.seal(data)
	if err != nil {
		return fmt.Errorf("sealing dump %s: %w", name, err)
	}

	if err := d.backend.SaveDump(state.DumpRecord{Owner: string(owner), Variant: name, Data: sealed}); err != nil {
		return fmt.Errorf("saving dump %s for %s: %w", name, owner.Short(), err)
	}

	return nil
}

// DeleteAllFor removes every dump of owner.
func (d *DumpStore) DeleteAllFor(owner PubKey) error {
	if err := d.backend.DeleteAllDumpsFor(string(owner)); err != nil {
		return fmt.Errorf("deleting dumps for %s: %w", owner.Short(), err)
	}

	return nil
}

// persist writes w if it needs a dump, then marks it durable.
func (d *DumpStore) persist(owner PubKey, name string, w dumper) error {
	if !w.NeedsDump() {
		return nil
	}

	return d.persistNow(owner, name, w)
}

// persistNow writes w unconditionally.
func (d *DumpStore) persistNow(owner PubKey, name string, w dumper) error {
	dump, err := w.Dump()
	if err != nil {
		return err
	}

	if err := d.Save(owner, name, dump.Data); err != nil {
		return err
	}

	w.MarkDumped(dump.Generation)

	return nil
}

// SaveDirty persists every wrapper of owner that needs a dump.
func (d *DumpStore) SaveDirty(reg *Registry, owner PubKey) error {
	if owner.IsGroup() {
		m, err := reg.Group(owner)
		if err != nil {
			return err
		}

		return d.persist(owner, MetaGroupDumpName(owner), m)
	}

	for _, v := range RequiredUserVariants {
		w, err := reg.User(v)
		if err != nil {
			continue
		}

		if err := d.persist(owner, v.DumpName(), w); err != nil {
			return err
		}
	}

	return nil
}
