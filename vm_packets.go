// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import "fmt"

// Sector sizes used when linking virtual media.
const (
	OpticalSectorSize = 2048
	DiskSectorSize    = 512
)

const (
	vmOffsetPos      = 9
	vmWriteCountPos  = 13
	vmReadMinLength  = 13
	maxVMReadCount   = 65536
	vmCountFieldSize = 2
)

// VMLink is the reply announcing local media to the appliance.
type VMLink struct {
	Optical     bool
	ReadOnly    bool
	SectorSize  uint32
	SectorCount uint32
}

// Bytes encodes the 16-byte link reply.
func (l VMLink) Bytes() []byte {
	b := make([]byte, VMLinkLength)
	b[0] = byte(WriteVMLink)
	if l.Optical {
		b[4] = 1
	}
	if l.ReadOnly {
		b[5] = 1
	}
	putU32BE(b[8:], l.SectorSize)
	putU32BE(b[12:], l.SectorCount)
	return b
}

// ParseVMLink decodes a 16-byte link reply.
func ParseVMLink(b []byte) (VMLink, error) {
	if err := requireLength("ParseVMLink", b, VMLinkLength); err != nil {
		return VMLink{}, err
	}
	return VMLink{
		Optical:     b[4] == 1,
		ReadOnly:    b[5] == 1,
		SectorSize:  u32BE(b, 8),
		SectorCount: u32BE(b, 12),
	}, nil
}

// NewVMLink describes backend for media. It fails with ErrStorageUnavailable
// when the backend reports no sectors.
func NewVMLink(media MediaDescriptor, backend DiskBackend) (VMLink, error) {
	if backend == nil {
		return VMLink{}, storageUnavailableError("NewVMLink", "no disk backend", nil)
	}
	count := backend.SectorCount()
	if int32(count) <= 0 { // #nosec G115 - mirrors the signed count of the wire format
		return VMLink{}, storageUnavailableError("NewVMLink",
			fmt.Sprintf("media %s has no sectors", media.Path), nil)
	}
	return VMLink{
		Optical:     media.Kind.Optical(),
		ReadOnly:    !media.Writable,
		SectorSize:  backend.SectorSize(),
		SectorCount: count,
	}, nil
}

// VMReadRequest asks for Count bytes of media starting at byte Offset.
type VMReadRequest struct {
	Offset uint32
	Count  int
}

// Bytes encodes the request in the appliance's framing: offset at 9 and the
// count in the trailing two bytes.
func (r VMReadRequest) Bytes() []byte {
	b := make([]byte, vmReadMinLength+vmCountFieldSize)
	b[0] = byte(ReadVMRead)
	putU32BE(b[vmOffsetPos:], r.Offset)
	putU16BE(b[len(b)-vmCountFieldSize:], uint16(r.Count)) // #nosec G115 - 65536 wraps to zero on the wire
	return b
}

// ParseVMReadRequest decodes a read request. A zero count means 65536.
func ParseVMReadRequest(b []byte) (VMReadRequest, error) {
	if err := requireLength("ParseVMReadRequest", b, vmReadMinLength+vmCountFieldSize); err != nil {
		return VMReadRequest{}, err
	}
	count := int(u16BE(b, len(b)-vmCountFieldSize))
	if count == 0 {
		count = maxVMReadCount
	}
	return VMReadRequest{Offset: u32BE(b, vmOffsetPos), Count: count}, nil
}

// EncodeVMReadReply builds [12, 0, 0, 0, count BE u16, data]. Only the low
// 16 bits of the count are sent.
func EncodeVMReadReply(count int, data []byte) []byte {
	b := make([]byte, VMReadReplyHeaderLength+len(data))
	b[0] = byte(WriteVMData)
	putU16BE(b[4:], uint16(count)) // #nosec G115 - truncation is part of the wire format
	copy(b[VMReadReplyHeaderLength:], data)
	return b
}

// VMWriteRequest carries media bytes to store at byte Offset.
type VMWriteRequest struct {
	Offset uint32
	Data   []byte
}

// Bytes encodes the request with its 15-byte header.
func (r VMWriteRequest) Bytes() []byte {
	b := make([]byte, VMWriteHeaderLength+len(r.Data))
	b[0] = byte(ReadVMWrite)
	putU32BE(b[vmOffsetPos:], r.Offset)
	putU16BE(b[vmWriteCountPos:], uint16(len(r.Data))) // #nosec G115 - payload is at most 65535 bytes
	copy(b[VMWriteHeaderLength:], r.Data)
	return b
}

// VMWriteLength returns the framed size of the write request at the start of b.
func VMWriteLength(b []byte) (int, error) {
	if err := requireLength("VMWriteLength", b, VMWriteHeaderLength); err != nil {
		return 0, err
	}
	return VMWriteHeaderLength + int(u16BE(b, vmWriteCountPos)), nil
}

// ParseVMWriteRequest decodes a write request. The declared count is clamped
// to the bytes actually present after the header.
func ParseVMWriteRequest(b []byte) (VMWriteRequest, error) {
	if err := requireLength("ParseVMWriteRequest", b, VMWriteHeaderLength); err != nil {
		return VMWriteRequest{}, err
	}
	count := min(int(u16BE(b, vmWriteCountPos)), len(b)-VMWriteHeaderLength)
	data := make([]byte, count)
	copy(data, b[VMWriteHeaderLength:VMWriteHeaderLength+count])
	return VMWriteRequest{Offset: u32BE(b, vmOffsetPos), Data: data}, nil
}
