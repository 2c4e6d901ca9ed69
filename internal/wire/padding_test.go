package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestPadRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 42, 158, 159, 160, 161, 500} {
		msg := bytes.Repeat([]byte{0xAB}, n)
		padded := Pad(msg)
		if len(padded)%paddedBlockSize != 0 {
			t.Errorf("len %d: padded length %d not a multiple of %d", n, len(padded), paddedBlockSize)
		}
		if len(padded) <= len(msg) {
			t.Errorf("len %d: padding did not grow the message", n)
		}
		got, err := StripPadding(padded)
		if err != nil {
			t.Fatalf("len %d: strip: %v", n, err)
		}
		if !bytes.Equal(got, msg) {
			t.Errorf("len %d: round trip mismatch", n)
		}
	}
}

func TestPadBlockBoundary(t *testing.T) {
	// A message of exactly blocksize-1 still needs the marker, pushing it
	// into the next block.
	msg := bytes.Repeat([]byte{1}, paddedBlockSize-1)
	if got := len(Pad(msg)); got != paddedBlockSize {
		t.Errorf("padded length = %d, want %d", got, paddedBlockSize)
	}
	msg = bytes.Repeat([]byte{1}, paddedBlockSize)
	if got := len(Pad(msg)); got != 2*paddedBlockSize {
		t.Errorf("padded length = %d, want %d", got, 2*paddedBlockSize)
	}
}

func TestStripPaddingCorrupt(t *testing.T) {
	cases := map[string][]byte{
		"empty":            {},
		"all zeros":        make([]byte, paddedBlockSize),
		"garbage tail":     append(append([]byte("hi"), 0x80), 0x01),
		"no marker at all": bytes.Repeat([]byte{0x42}, 8),
	}
	for name, data := range cases {
		if _, err := StripPadding(data); !errors.Is(err, ErrBadPadding) {
			t.Errorf("%s: err = %v, want ErrBadPadding", name, err)
		}
	}
}

func TestStripPaddingMarkerOnly(t *testing.T) {
	got, err := StripPadding([]byte{0x80})
	if err != nil {
		t.Fatalf("strip: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d bytes, want empty", len(got))
	}
}

func TestEnvelopeDecodeValidation(t *testing.T) {
	cases := []struct {
		name    string
		env     RawEnvelope
		wantErr bool
	}{
		{"ciphertext ok", RawEnvelope{Kind: KindCiphertext, SourceACI: "alice", SourceDevice: 1, Content: []byte{1}}, false},
		{"ciphertext without source", RawEnvelope{Kind: KindCiphertext, Content: []byte{1}}, true},
		{"ciphertext without body", RawEnvelope{Kind: KindCiphertext, SourceACI: "alice"}, true},
		{"sealed sender keeps source hidden", RawEnvelope{Kind: KindSealedSender, Content: []byte{1}}, false},
		{"receipt needs no body", RawEnvelope{Kind: KindServerReceipt, SourceACI: "alice"}, false},
		{"unknown kind", RawEnvelope{Kind: 99, SourceACI: "alice", Content: []byte{1}}, true},
	}
	for _, tc := range cases {
		_, err := tc.env.Decode()
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
	}
}

func TestEnvelopeWireRoundTrip(t *testing.T) {
	env := &RawEnvelope{
		Kind:            KindPreKeyBundle,
		SourceACI:       "bob",
		SourceDevice:    2,
		Destination:     "aci",
		Timestamp:       1700000000000,
		ServerTimestamp: 1700000000500,
		Content:         []byte("ciphertext"),
	}
	data, err := env.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParseRawEnvelope(data)
	if err != nil {
		t.Fatal(err)
	}
	typed, err := parsed.Decode()
	if err != nil {
		t.Fatal(err)
	}
	pk, ok := typed.(*PreKeyBundle)
	if !ok {
		t.Fatalf("decoded to %T, want *PreKeyBundle", typed)
	}
	if pk.Source.ACI != "bob" || pk.Source.Device != 2 {
		t.Errorf("source = %v", pk.Source)
	}
	if !bytes.Equal(pk.Body, []byte("ciphertext")) {
		t.Error("body mismatch")
	}
}
