package core

import (
	"PerpOracle/internal/oracle"
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

func TestComputeStateDigest_LongMarketLengthPrefix(t *testing.T) {
	o, err := oracle.New(100, 0, 0, 500)
	if err != nil {
		t.Fatalf("new oracle: %v", err)
	}
	st := o.State()

	long := strings.Repeat("A", 300)
	digest := computeStateDigest(long, st)

	n, width := binary.Uvarint(digest)
	if width <= 0 || n != 300 {
		t.Fatalf("length prefix: got %d (width %d), want 300", n, width)
	}
	if !bytes.Equal(digest[width:width+300], []byte(long)) {
		t.Error("market bytes must follow the length prefix")
	}

	// 256 and 0 collided when the length was a single byte.
	if bytes.Equal(computeStateDigest(strings.Repeat("B", 256), st)[:1], computeStateDigest("", st)[:1]) {
		t.Error("256-byte market id must not share a prefix with the empty id")
	}
}
