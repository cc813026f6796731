// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import "fmt"

// Segmenter splits the inbound byte stream into complete protocol records.
// The connection stage is supplied on every call. The only state kept is
// whether the centralize sub-type byte has been consumed, so one Segmenter
// must be used per connection.
type Segmenter struct {
	centralizeTypeSeen bool
}

// Next returns the length of the first complete record in buf. When buf holds
// only part of a record it returns an ErrIncomplete error and the caller
// should retry with more bytes, leaving buf untouched. Any other error means
// the stream cannot be framed.
func (s *Segmenter) Next(stage Stage, buf []byte) (int, error) {
	if stage != StageCentralizeTypes {
		s.centralizeTypeSeen = false
	}

	switch stage {
	case StageProtocolVersion:
		return versionRecordLength(buf)
	case StageSecurityTypes:
		return securityOfferLength(buf)
	case StageCentralizeTypes:
		if !s.centralizeTypeSeen {
			if err := requireLength("Segmenter.Next", buf, 1); err != nil {
				return 0, err
			}
			s.centralizeTypeSeen = true
			return 1, nil
		}
		if err := requireLength("Segmenter.Next", buf, SecurityChallengeLength); err != nil {
			return 0, err
		}
		s.centralizeTypeSeen = false
		return SecurityChallengeLength, nil
	case StageSecurity:
		if err := requireLength("Segmenter.Next", buf, SecurityChallengeLength); err != nil {
			return 0, err
		}
		return SecurityChallengeLength, nil
	case StageSecurityResult:
		return complete(buf, AuthResultLength)
	case StageInitialisation:
		return complete(buf, ServerInitLength)
	case StageNormal:
		return normalRecordLength(buf)
	default:
		return 0, protocolViolation("Segmenter.Next", fmt.Sprintf("no framing for stage %s", stage), nil)
	}
}

// complete resolves the declared length of the record at the start of buf
// and checks that all of it has arrived.
func complete(buf []byte, length func([]byte) (int, error)) (int, error) {
	n, err := length(buf)
	if err != nil {
		return 0, err
	}
	if err := requireLength("Segmenter.Next", buf, n); err != nil {
		return 0, err
	}
	return n, nil
}

// versionRecordLength frames the version string plus device block, and the
// security list that may follow it in the same record.
func versionRecordLength(buf []byte) (int, error) {
	size, err := complete(buf, DeviceBlockLength)
	if err != nil {
		return 0, err
	}
	if len(buf) > size {
		if offer := 1 + int(buf[size]); len(buf) >= size+offer {
			return size + offer, nil
		}
	}
	return size, nil
}

func securityOfferLength(buf []byte) (int, error) {
	if err := requireLength("Segmenter.Next", buf, 1); err != nil {
		return 0, err
	}
	n := 1 + int(buf[0])
	if err := requireLength("Segmenter.Next", buf, n); err != nil {
		return 0, err
	}
	return n, nil
}

// fixedNormalLengths holds the normal-stage messages with a constant size.
var fixedNormalLengths = map[ReadType]int{
	ReadVideoParam:         VideoParamLength,
	ReadKeyStatus:          KeyStatusLength,
	ReadAudioParam:         AudioParamLength,
	ReadMouseType:          MouseTypeLength,
	ReadBroadcastStatus:    BroadcastLength,
	ReadBroadcastSetStatus: BroadcastLength,
}

// normalRecordLength frames a normal-stage message by its type byte. Types
// without a known framing consume the whole buffer.
func normalRecordLength(buf []byte) (int, error) {
	if err := requireLength("Segmenter.Next", buf, headerLength); err != nil {
		return 0, err
	}

	t := ReadType(buf[0])
	switch t {
	case ReadFrameBufferUpdate:
		if buf[3] > videoSubtypeWithImage {
			return len(buf), nil
		}
		return complete(buf, VideoFrameLength)
	case ReadAudioBufferUpdate:
		return complete(buf, AudioFrameLength)
	case ReadVMWrite:
		return complete(buf, VMWriteLength)
	}

	if n, ok := fixedNormalLengths[t]; ok {
		if err := requireLength("Segmenter.Next", buf, n); err != nil {
			return 0, err
		}
		return n, nil
	}
	return len(buf), nil
}
