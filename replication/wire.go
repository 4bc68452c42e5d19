// Package replication implements the epoch-indexed wire protocol between a
// master and its slaves (spec §4.2): handshake, log-consistency
// reconciliation, streaming transfer, offset reporting, and confirm-offset
// computation. Framing is fixed-width and big-endian throughout, following
// the teacher's own fixed binary framing discipline in the HA connection
// it's adapted from (broker/append_fsm.go's header-then-body RPC shape,
// generalized here to a raw-socket byte protocol per spec §6).
package replication

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"go.brokerha.dev/core/epoch"
)

// TransferState tags a TransferHeader sent slave→master.
type TransferState uint32

const (
	// TransferHandshake is sent once, as the first message of a new
	// connection, to request the master's epoch list and maxOffset.
	TransferHandshake TransferState = iota
	// TransferReportOffset is sent periodically (and after every applied
	// data message) to report the slave's current max offset.
	TransferReportOffset
)

// transferHeaderSize is the 12-byte wire width of TransferHeader: a u32
// state followed by an i64 offset, per spec §4.2/§6.
const transferHeaderSize = 4 + 8

// TransferHeader is sent by the slave to the master.
type TransferHeader struct {
	State  TransferState
	Offset int64
}

// WriteTo encodes h and writes it to w.
func (h TransferHeader) WriteTo(w io.Writer) (int64, error) {
	var buf [transferHeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.State))
	binary.BigEndian.PutUint64(buf[4:12], uint64(h.Offset))
	var n, err = w.Write(buf[:])
	return int64(n), err
}

// ReadTransferHeader reads and decodes a TransferHeader from r.
func ReadTransferHeader(r io.Reader) (TransferHeader, error) {
	var buf [transferHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return TransferHeader{}, err
	}
	return TransferHeader{
		State:  TransferState(binary.BigEndian.Uint32(buf[0:4])),
		Offset: int64(binary.BigEndian.Uint64(buf[4:12])),
	}, nil
}

// MasterState tags a DataHeader sent master→slave.
type MasterState uint32

const (
	// MasterStateHandshake marks the handshake reply: the body carries the
	// master's full epoch entry list, and Offset carries the master's
	// current maxOffset.
	MasterStateHandshake MasterState = iota
	// MasterStateData marks a normal streamed append: the body is raw
	// commit-log bytes to be appended at Offset.
	MasterStateData
	// MasterStateReset tells the slave its reported offset cannot be
	// served (it's below the master's retained minimum); the slave must
	// discard its pipeline state and re-enter HANDSHAKE.
	MasterStateReset
)

// dataHeaderSize is the 28-byte wire width of DataHeader, per spec §4.2/§6:
// a u32 masterState, u32 bodySize, i64 masterOffset, u32 masterEpoch, i64
// confirmOffset.
const dataHeaderSize = 4 + 4 + 8 + 4 + 8

// DataHeader precedes every master→slave message body.
type DataHeader struct {
	MasterState   MasterState
	BodySize      uint32
	MasterOffset  int64
	MasterEpoch   uint32
	ConfirmOffset int64
}

// WriteTo encodes h and writes it to w.
func (h DataHeader) WriteTo(w io.Writer) (int64, error) {
	var buf [dataHeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.MasterState))
	binary.BigEndian.PutUint32(buf[4:8], h.BodySize)
	binary.BigEndian.PutUint64(buf[8:16], uint64(h.MasterOffset))
	binary.BigEndian.PutUint32(buf[16:20], h.MasterEpoch)
	binary.BigEndian.PutUint64(buf[20:28], uint64(h.ConfirmOffset))
	var n, err = w.Write(buf[:])
	return int64(n), err
}

// ReadDataHeader reads and decodes a DataHeader from r.
func ReadDataHeader(r io.Reader) (DataHeader, error) {
	var buf [dataHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return DataHeader{}, err
	}
	return DataHeader{
		MasterState:   MasterState(binary.BigEndian.Uint32(buf[0:4])),
		BodySize:      binary.BigEndian.Uint32(buf[4:8]),
		MasterOffset:  int64(binary.BigEndian.Uint64(buf[8:16])),
		MasterEpoch:   binary.BigEndian.Uint32(buf[16:20]),
		ConfirmOffset: int64(binary.BigEndian.Uint64(buf[20:28])),
	}, nil
}

// encodeEpochEntries serializes entries using the same fixed 12-byte
// (epoch:u32, startOffset:i64) record format the epoch package persists
// to disk, so the handshake body is just that file's format in flight.
func encodeEpochEntries(entries []epoch.Entry) []byte {
	var buf = make([]byte, len(entries)*12)
	for i, e := range entries {
		binary.BigEndian.PutUint32(buf[i*12:i*12+4], e.Epoch)
		binary.BigEndian.PutUint64(buf[i*12+4:i*12+12], uint64(e.StartOffset))
	}
	return buf
}

func decodeEpochEntries(buf []byte) ([]epoch.Entry, error) {
	if len(buf)%12 != 0 {
		return nil, errors.Errorf("replication: handshake body length %d is not a multiple of 12", len(buf))
	}
	var entries = make([]epoch.Entry, len(buf)/12)
	for i := range entries {
		entries[i] = epoch.Entry{
			Epoch:       binary.BigEndian.Uint32(buf[i*12 : i*12+4]),
			StartOffset: int64(binary.BigEndian.Uint64(buf[i*12+4 : i*12+12])),
		}
	}
	return entries, nil
}
