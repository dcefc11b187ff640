package raft

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"
)

// All records are framed the same way: a big-endian int32 carrying the size
// of the encoded record, followed by the record itself. The frame makes it
// possible to replay a file of records sequentially and to truncate it at
// an exact record boundary.

func writeRecord(w io.Writer, record any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(record); err != nil {
		return err
	}
	size := int32(buf.Len())
	if err := binary.Write(w, binary.BigEndian, size); err != nil {
		return err
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	return nil
}

func readRecord(r io.Reader, record any) error {
	var size int32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return err
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	return gob.NewDecoder(bytes.NewReader(buf)).Decode(record)
}

func encodeLogEntry(w io.Writer, entry *LogEntry) error {
	return writeRecord(w, entry)
}

func decodeLogEntry(r io.Reader) (LogEntry, error) {
	var entry LogEntry
	err := readRecord(r, &entry)
	return entry, err
}

// stateRecord is the wire form of the persistent term and vote.
type stateRecord struct {
	Term     uint64
	VotedFor string
}

func encodePersistentState(w io.Writer, state *persistentState) error {
	return writeRecord(w, &stateRecord{Term: state.term, VotedFor: state.votedFor})
}

func decodePersistentState(r io.Reader) (persistentState, error) {
	var record stateRecord
	if err := readRecord(r, &record); err != nil {
		return persistentState{}, err
	}
	return persistentState{term: record.Term, votedFor: record.VotedFor}, nil
}

func encodeSnapshot(w io.Writer, snapshot *Snapshot) error {
	return writeRecord(w, snapshot)
}

func decodeSnapshot(r io.Reader) (Snapshot, error) {
	var snapshot Snapshot
	err := readRecord(r, &snapshot)
	return snapshot, err
}
