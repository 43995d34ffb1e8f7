package packet

import (
	"encoding/binary"
	"errors"
	"strings"
)

// ErrNameTooLong indicates a domain name exceeds RFC 1035 limits on encode.
var ErrNameTooLong = errors.New("domain name too long to encode")

// Encoder serializes a Message back to wire format, truncating per RFC 1035
// section 4.1.1 (TC bit) when the result would exceed maxSize.
//
// Unlike Parser, Encoder performs best-effort name compression: each encoded
// name is checked against previously-written names and, on a suffix match,
// replaced with a backward pointer. This keeps responses compact without
// requiring every caller to pre-compute compression tables.
type Encoder struct {
	buf    []byte
	names  map[string]int // fully-qualified lowercase name -> offset it was first written at
}

// NewEncoder creates an encoder with an empty output buffer.
func NewEncoder() *Encoder {
	return &Encoder{
		names: make(map[string]int),
	}
}

// Encode serializes m to wire format. If the encoded message would exceed
// maxSize, records are dropped from the tail of Additional first, then
// Authority, then Answer, and the TC bit is set, matching the truncation
// convention miekg/dns's Msg.PackBuffer uses for UDP responses.
func Encode(m *Message, maxSize int) ([]byte, error) {
	e := NewEncoder()
	truncated := false
	answer := m.Answer
	authority := m.Authority
	additional := m.Additional

	for {
		e.reset()
		if err := e.writeHeader(headerWithCounts(m.Header, len(m.Question), len(answer), len(authority), len(additional), truncated), len(m.Question), len(answer), len(authority), len(additional)); err != nil {
			return nil, err
		}
		for _, q := range m.Question {
			if err := e.writeQuestion(q); err != nil {
				return nil, err
			}
		}
		for _, rr := range answer {
			if err := e.writeRR(rr); err != nil {
				return nil, err
			}
		}
		for _, rr := range authority {
			if err := e.writeRR(rr); err != nil {
				return nil, err
			}
		}
		for _, rr := range additional {
			if err := e.writeRR(rr); err != nil {
				return nil, err
			}
		}

		if len(e.buf) <= maxSize || maxSize <= 0 {
			return e.buf, nil
		}

		// Shed records, additional first, then authority, then answer,
		// and mark the message truncated.
		truncated = true
		switch {
		case len(additional) > 0:
			additional = additional[:len(additional)-1]
		case len(authority) > 0:
			authority = authority[:len(authority)-1]
		case len(answer) > 0:
			answer = answer[:len(answer)-1]
		default:
			// Nothing left to drop; return the minimal header+question as-is.
			return e.buf, nil
		}
	}
}

func headerWithCounts(h Header, qd, an, ns, ar int, truncated bool) Header {
	h.TC = h.TC || truncated
	h.QDCount = uint16(qd)
	h.ANCount = uint16(an)
	h.NSCount = uint16(ns)
	h.ARCount = uint16(ar)
	return h
}

func (e *Encoder) reset() {
	e.buf = e.buf[:0]
	for k := range e.names {
		delete(e.names, k)
	}
}

func (e *Encoder) writeHeader(h Header, qd, an, ns, ar int) error {
	var hdr [headerSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], h.ID)

	var flags uint16
	if h.QR {
		flags |= 0x8000
	}
	flags |= uint16(h.Opcode&0x0F) << 11
	if h.AA {
		flags |= 0x0400
	}
	if h.TC {
		flags |= 0x0200
	}
	if h.RD {
		flags |= 0x0100
	}
	if h.RA {
		flags |= 0x0080
	}
	flags |= uint16(h.Z&0x07) << 4
	flags |= uint16(h.Rcode & 0x0F)
	binary.BigEndian.PutUint16(hdr[2:4], flags)

	binary.BigEndian.PutUint16(hdr[4:6], uint16(qd))
	binary.BigEndian.PutUint16(hdr[6:8], uint16(an))
	binary.BigEndian.PutUint16(hdr[8:10], uint16(ns))
	binary.BigEndian.PutUint16(hdr[10:12], uint16(ar))

	e.buf = append(e.buf, hdr[:]...)
	return nil
}

func (e *Encoder) writeQuestion(q Question) error {
	if err := e.writeName(q.Name); err != nil {
		return err
	}
	var rest [4]byte
	binary.BigEndian.PutUint16(rest[0:2], q.Type)
	binary.BigEndian.PutUint16(rest[2:4], q.Class)
	e.buf = append(e.buf, rest[:]...)
	return nil
}

func (e *Encoder) writeRR(rr ResourceRecord) error {
	if err := e.writeName(rr.Name); err != nil {
		return err
	}
	var rest [10]byte
	binary.BigEndian.PutUint16(rest[0:2], rr.Type)
	binary.BigEndian.PutUint16(rest[2:4], rr.Class)
	binary.BigEndian.PutUint32(rest[4:8], rr.TTL)
	binary.BigEndian.PutUint16(rest[8:10], uint16(len(rr.RData)))
	e.buf = append(e.buf, rest[:]...)
	e.buf = append(e.buf, rr.RData...)
	return nil
}

// writeName encodes a domain name, compressing against the longest
// previously-seen suffix when one exists within pointer range (offset <= 0x3FFF).
func (e *Encoder) writeName(name string) error {
	if name == "" || name == "." {
		e.buf = append(e.buf, 0)
		return nil
	}

	labels := splitLabels(name)
	for i := 0; i < len(labels); i++ {
		suffix := strings.ToLower(joinLabels(labels[i:]))
		if off, ok := e.names[suffix]; ok && off <= 0x3FFF {
			ptr := uint16(0xC000) | uint16(off)
			var b [2]byte
			binary.BigEndian.PutUint16(b[:], ptr)
			e.buf = append(e.buf, b[:]...)
			return nil
		}
		if len(e.buf) <= 0x3FFF {
			e.names[suffix] = len(e.buf)
		}
		label := labels[i]
		if len(label) > maxLabelLength {
			return ErrNameTooLong
		}
		e.buf = append(e.buf, byte(len(label)))
		e.buf = append(e.buf, label...)
	}
	e.buf = append(e.buf, 0)
	return nil
}

func splitLabels(name string) []string {
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		return nil
	}
	return strings.Split(name, ".")
}

func joinLabels(labels []string) string {
	if len(labels) == 0 {
		return ""
	}
	return strings.Join(labels, ".") + "."
}
