package helpers

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/emersion/go-imap/v2"
)

func init() {
	gob.Register(&imap.BodyStructureSinglePart{})
	gob.Register(&imap.BodyStructureMultiPart{})
}

// bodyStructureEnvelope wraps the interface value so gob can round-trip the
// concrete part types registered above.
type bodyStructureEnvelope struct {
	BS imap.BodyStructure
}

// SerializeBodyStructure encodes a body structure for storage in the message
// row, so FETCH BODYSTRUCTURE does not have to re-read and re-parse content.
func SerializeBodyStructure(bs imap.BodyStructure) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&bodyStructureEnvelope{BS: bs}); err != nil {
		return nil, fmt.Errorf("encode body structure: %w", err)
	}
	return buf.Bytes(), nil
}

// DeserializeBodyStructure decodes a body structure stored by
// SerializeBodyStructure.
func DeserializeBodyStructure(data []byte) (imap.BodyStructure, error) {
	var env bodyStructureEnvelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode body structure: %w", err)
	}
	return env.BS, nil
}
