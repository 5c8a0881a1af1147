package updatelog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/google/uuid"

	"pkt.systems/dtxn/internal/routing"
	"pkt.systems/dtxn/internal/update"
)

const (
	recordMagic      = uint32(0x4c445055) // "UPDL"
	recordVersion    = uint8(2)
	recordHeaderSize = 32

	logHeaderMagic   = uint32(0x48445055) // "UPDH"
	logHeaderVersion = uint8(1)
	logHeaderSize    = 48
)

type recordType uint8

const (
	recordBatch recordType = 1
	// recordAbort cancels this log's earlier record of the same batch id.
	recordAbort recordType = 2
)

const flagPrimary uint16 = 1 << 0

type frameHeader struct {
	recType     recordType
	flags       uint16
	participant uint32
	payloadLen  uint32
	payloadCRC  uint32
	transno     uint64
}

func encodeFrameHeader(buf []byte, hdr frameHeader) {
	binary.LittleEndian.PutUint32(buf[0:4], recordMagic)
	buf[4] = recordVersion
	buf[5] = byte(hdr.recType)
	binary.LittleEndian.PutUint16(buf[6:8], hdr.flags)
	binary.LittleEndian.PutUint32(buf[8:12], hdr.participant)
	binary.LittleEndian.PutUint32(buf[12:16], hdr.payloadLen)
	binary.LittleEndian.PutUint32(buf[16:20], hdr.payloadCRC)
	binary.LittleEndian.PutUint64(buf[20:28], hdr.transno)
	binary.LittleEndian.PutUint32(buf[28:32], crc32.ChecksumIEEE(buf[0:28]))
}

func decodeFrameHeader(buf []byte) (frameHeader, error) {
	if len(buf) < recordHeaderSize {
		return frameHeader{}, fmt.Errorf("%w: record header short read", ErrCorrupt)
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != recordMagic {
		return frameHeader{}, fmt.Errorf("%w: record magic mismatch", ErrCorrupt)
	}
	if buf[4] != recordVersion {
		return frameHeader{}, fmt.Errorf("%w: record version %d", ErrCorrupt, buf[4])
	}
	if crc32.ChecksumIEEE(buf[0:28]) != binary.LittleEndian.Uint32(buf[28:32]) {
		return frameHeader{}, fmt.Errorf("%w: record header checksum mismatch", ErrCorrupt)
	}
	hdr := frameHeader{
		recType:     recordType(buf[5]),
		flags:       binary.LittleEndian.Uint16(buf[6:8]),
		participant: binary.LittleEndian.Uint32(buf[8:12]),
		payloadLen:  binary.LittleEndian.Uint32(buf[12:16]),
		payloadCRC:  binary.LittleEndian.Uint32(buf[16:20]),
		transno:     binary.LittleEndian.Uint64(buf[20:28]),
	}
	if hdr.recType != recordBatch && hdr.recType != recordAbort {
		return frameHeader{}, fmt.Errorf("%w: record type %d", ErrCorrupt, hdr.recType)
	}
	return hdr, nil
}

// encodeFrame serializes rec as header plus encoded batch.
func encodeFrame(rec Record) []byte {
	payload := update.Encode(rec.Batch)
	frame := make([]byte, recordHeaderSize+len(payload))
	hdr := frameHeader{
		recType:     recordBatch,
		participant: uint32(rec.Participant),
		payloadLen:  uint32(len(payload)),
		payloadCRC:  crc32.ChecksumIEEE(payload),
		transno:     rec.Transno,
	}
	if rec.Aborted {
		hdr.recType = recordAbort
	}
	if rec.Primary {
		hdr.flags |= flagPrimary
	}
	encodeFrameHeader(frame, hdr)
	copy(frame[recordHeaderSize:], payload)
	return frame
}

// decodePayload validates and decodes the payload belonging to hdr.
func decodePayload(hdr frameHeader, payload []byte, offset uint64) (Record, error) {
	if uint32(len(payload)) != hdr.payloadLen {
		return Record{}, fmt.Errorf("%w: payload length %d, header says %d", ErrCorrupt, len(payload), hdr.payloadLen)
	}
	if crc32.ChecksumIEEE(payload) != hdr.payloadCRC {
		return Record{}, fmt.Errorf("%w: payload checksum mismatch at offset %d", ErrCorrupt, offset)
	}
	batch, err := update.Decode(payload)
	if err != nil {
		return Record{}, fmt.Errorf("%w: offset %d: %v", ErrCorrupt, offset, err)
	}
	return Record{
		Participant: routing.ParticipantID(hdr.participant),
		Primary:     hdr.flags&flagPrimary != 0,
		Aborted:     hdr.recType == recordAbort,
		Transno:     hdr.transno,
		Batch:       batch,
		Offset:      offset,
	}, nil
}

func decodeFrame(frame []byte, offset uint64) (Record, error) {
	hdr, err := decodeFrameHeader(frame)
	if err != nil {
		return Record{}, err
	}
	return decodePayload(hdr, frame[recordHeaderSize:], offset)
}

func encodeLogHeader(h Header) []byte {
	buf := make([]byte, logHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], logHeaderMagic)
	buf[4] = logHeaderVersion
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.Participant))
	copy(buf[16:32], h.WriterID[:])
	binary.LittleEndian.PutUint64(buf[32:40], uint64(h.Created.UnixNano()))
	binary.LittleEndian.PutUint32(buf[40:44], crc32.ChecksumIEEE(buf[0:40]))
	return buf
}

func decodeLogHeader(buf []byte) (Header, error) {
	if len(buf) < logHeaderSize {
		return Header{}, fmt.Errorf("%w: log header short read", ErrCorrupt)
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != logHeaderMagic {
		return Header{}, fmt.Errorf("%w: log header magic mismatch", ErrCorrupt)
	}
	if buf[4] != logHeaderVersion {
		return Header{}, fmt.Errorf("%w: log header version %d", ErrCorrupt, buf[4])
	}
	if crc32.ChecksumIEEE(buf[0:40]) != binary.LittleEndian.Uint32(buf[40:44]) {
		return Header{}, fmt.Errorf("%w: log header checksum mismatch", ErrCorrupt)
	}
	var h Header
	h.Participant = routing.ParticipantID(binary.LittleEndian.Uint32(buf[8:12]))
	id, err := uuid.FromBytes(buf[16:32])
	if err != nil {
		return Header{}, fmt.Errorf("%w: writer id: %v", ErrCorrupt, err)
	}
	h.WriterID = id
	h.Created = time.Unix(0, int64(binary.LittleEndian.Uint64(buf[32:40]))).UTC()
	return h, nil
}
