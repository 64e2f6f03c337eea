// Package idgen produces compact, sortable session and trace identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"os"
	"sync/atomic"
	"time"
)

var (
	nodeID   [3]byte
	sequence uint32

	encoding = base32.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567").WithPadding(base32.NoPadding)
)

func init() {
	if _, err := rand.Read(nodeID[:]); err != nil {
		hostname, _ := os.Hostname()
		copy(nodeID[:], hostname)
	}
}

// New returns a 12-byte identifier encoded as base32: 4 bytes of unix
// timestamp, 3 bytes of node id, 2 bytes of sequence and 3 random bytes.
// Identifiers from one process sort roughly by creation time.
func New() string {
	var raw [12]byte
	binary.BigEndian.PutUint32(raw[0:4], uint32(time.Now().Unix()))
	copy(raw[4:7], nodeID[:])
	seq := atomic.AddUint32(&sequence, 1)
	binary.BigEndian.PutUint16(raw[7:9], uint16(seq))
	if _, err := rand.Read(raw[9:12]); err != nil {
		binary.BigEndian.PutUint16(raw[9:11], uint16(seq>>16))
	}
	return encoding.EncodeToString(raw[:])
}
