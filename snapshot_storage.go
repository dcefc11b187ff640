package raft

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/skiff-io/raft/internal/errors"
)

// Snapshot is a point-in-time capture of the state machine. All log entries
// up to and including LastIncludedIndex are covered by the snapshot.
type Snapshot struct {
	// The snapshot replaces all entries up to and including this index.
	LastIncludedIndex uint64

	// The term of the entry at LastIncludedIndex.
	LastIncludedTerm uint64

	// The serialized state of the state machine.
	Data []byte
}

// SnapshotStorage represents the component of Raft that manages durably
// storing snapshots of the state machine.
type SnapshotStorage interface {
	// SaveSnapshot durably stores the provided snapshot.
	SaveSnapshot(snapshot *Snapshot) error

	// LastSnapshot returns the most recently saved snapshot. If no snapshot
	// has been saved, a zero-valued snapshot is returned.
	LastSnapshot() (Snapshot, error)

	// ListSnapshots returns all saved snapshots in the order they were taken.
	ListSnapshots() ([]Snapshot, error)
}

// persistentSnapshotStorage implements the SnapshotStorage interface. This
// implementation is not concurrent safe.
type persistentSnapshotStorage struct {
	// The directory where snapshots are persisted.
	snapshotDir string

	// The unique ID that will be assigned to the next snapshot.
	id uint64
}

// NewSnapshotStorage creates a new snapshot storage. Snapshots will be stored
// at path/snapshots, with directories created as necessary.
func NewSnapshotStorage(path string) (SnapshotStorage, error) {
	snapshotDir := filepath.Join(path, "snapshots")
	if err := os.MkdirAll(snapshotDir, os.ModePerm); err != nil {
		return nil, err
	}

	storage := &persistentSnapshotStorage{snapshotDir: snapshotDir}
	ids, err := storage.snapshotIDs()
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		storage.id = ids[len(ids)-1]
	}
	storage.id++

	return storage, nil
}

func (p *persistentSnapshotStorage) SaveSnapshot(snapshot *Snapshot) error {
	tmpFile, err := os.CreateTemp(p.snapshotDir, "tmp-")
	if err != nil {
		return errors.WrapError(err, "failed to save snapshot")
	}
	if err := encodeSnapshot(tmpFile, snapshot); err != nil {
		return errors.WrapError(err, "failed to save snapshot")
	}
	if err := tmpFile.Sync(); err != nil {
		return errors.WrapError(err, "failed to save snapshot")
	}
	if err := tmpFile.Close(); err != nil {
		return errors.WrapError(err, "failed to save snapshot")
	}

	name := filepath.Join(p.snapshotDir, fmt.Sprintf("snapshot-%d.bin", p.id))
	if err := os.Rename(tmpFile.Name(), name); err != nil {
		return errors.WrapError(err, "failed to save snapshot")
	}
	p.id++

	return nil
}

func (p *persistentSnapshotStorage) LastSnapshot() (Snapshot, error) {
	ids, err := p.snapshotIDs()
	if err != nil {
		return Snapshot{}, err
	}
	if len(ids) == 0 {
		return Snapshot{}, nil
	}
	return p.readSnapshot(ids[len(ids)-1])
}

func (p *persistentSnapshotStorage) ListSnapshots() ([]Snapshot, error) {
	ids, err := p.snapshotIDs()
	if err != nil {
		return nil, err
	}
	snapshots := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		snapshot, err := p.readSnapshot(id)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}

func (p *persistentSnapshotStorage) readSnapshot(id uint64) (Snapshot, error) {
	name := filepath.Join(p.snapshotDir, fmt.Sprintf("snapshot-%d.bin", id))
	file, err := os.Open(name)
	if err != nil {
		return Snapshot{}, errors.WrapError(err, "failed to read snapshot")
	}
	defer file.Close()

	snapshot, err := decodeSnapshot(file)
	if err != nil {
		return Snapshot{}, errors.WrapError(err, "failed to decode snapshot")
	}
	return snapshot, nil
}

// snapshotIDs returns the IDs of all snapshots in the snapshot directory in
// ascending order.
func (p *persistentSnapshotStorage) snapshotIDs() ([]uint64, error) {
	pattern := filepath.Join(p.snapshotDir, "snapshot-*.bin")
	names, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errors.WrapError(err, "failed to list snapshots")
	}

	ids := make([]uint64, 0, len(names))
	for _, name := range names {
		var id uint64
		if _, err := fmt.Sscanf(filepath.Base(name), "snapshot-%d.bin", &id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids, nil
}
