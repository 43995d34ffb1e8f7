package packet

import "testing"

func TestEncodeRoundTrip(t *testing.T) {
	m := &Message{
		Header: Header{ID: 0x1234, QR: true, RD: true, RA: true, Rcode: 0},
		Question: []Question{
			{Name: "example.com.", Type: 1, Class: 1},
		},
		Answer: []ResourceRecord{
			{Name: "example.com.", Type: 1, Class: 1, TTL: 300, RData: []byte{1, 2, 3, 4}},
		},
	}

	wire, err := Encode(m, 0)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	p := NewParser(wire)
	got, err := p.Parse()
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}

	if got.Header.ID != m.Header.ID {
		t.Errorf("ID = %x, want %x", got.Header.ID, m.Header.ID)
	}
	if len(got.Answer) != 1 {
		t.Fatalf("Answer len = %d, want 1", len(got.Answer))
	}
	if got.Answer[0].Name != "example.com." {
		t.Errorf("answer name = %q", got.Answer[0].Name)
	}
}

func TestEncodeCompression(t *testing.T) {
	m := &Message{
		Header: Header{ID: 1, QR: true},
		Question: []Question{
			{Name: "www.example.com.", Type: 1, Class: 1},
		},
		Answer: []ResourceRecord{
			{Name: "www.example.com.", Type: 1, Class: 1, TTL: 60, RData: []byte{1, 1, 1, 1}},
			{Name: "www.example.com.", Type: 1, Class: 1, TTL: 60, RData: []byte{2, 2, 2, 2}},
		},
	}

	uncompressed := 0
	for _, q := range m.Question {
		uncompressed += len(q.Name) + 1
	}
	for _, rr := range m.Answer {
		uncompressed += len(rr.Name) + 1
	}

	wire, err := Encode(m, 0)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	// The second occurrence of www.example.com. should compress to a
	// 2-byte pointer, so the wire form should be well under the naive
	// sum of every name spelled out in full.
	if len(wire) >= uncompressed+headerSize+20 {
		t.Errorf("wire len %d shows no compression (naive name bytes %d)", len(wire), uncompressed)
	}
}

func TestEncodeTruncates(t *testing.T) {
	m := &Message{
		Header: Header{ID: 7, QR: true},
		Question: []Question{
			{Name: "example.com.", Type: 1, Class: 1},
		},
	}
	for i := 0; i < 50; i++ {
		m.Answer = append(m.Answer, ResourceRecord{
			Name: "example.com.", Type: 1, Class: 1, TTL: 60,
			RData: make([]byte, 200),
		})
	}

	wire, err := Encode(m, 512)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if len(wire) > 512 {
		t.Fatalf("wire len %d exceeds maxSize 512", len(wire))
	}

	p := NewParser(wire)
	got, err := p.Parse()
	if err != nil {
		t.Fatalf("reparse truncated message: %v", err)
	}
	if !got.Header.TC {
		t.Error("expected TC bit set on truncated message")
	}
}
