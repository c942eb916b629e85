package binary

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const RefRecordSize = 16

// RefRecord is the value stored for each digest in the reference index.
type RefRecord struct {
	Count  int64
	Length int64
}

func EncodeRefRecord(rec RefRecord) ([]byte, error) {
	buf := new(bytes.Buffer)

	// count (int64, 8 bytes)
	if err := binary.Write(buf, binary.LittleEndian, rec.Count); err != nil {
		return nil, fmt.Errorf("failed to encode count: %w", err)
	}

	// length (int64, 8 bytes)
	if err := binary.Write(buf, binary.LittleEndian, rec.Length); err != nil {
		return nil, fmt.Errorf("failed to encode length: %w", err)
	}

	return buf.Bytes(), nil
}

func DecodeRefRecord(data []byte) (RefRecord, error) {
	var rec RefRecord
	if len(data) != RefRecordSize {
		return rec, fmt.Errorf("ref record: want %d bytes, got %d", RefRecordSize, len(data))
	}

	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.LittleEndian, &rec.Count); err != nil {
		return rec, fmt.Errorf("failed to decode count: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &rec.Length); err != nil {
		return rec, fmt.Errorf("failed to decode length: %w", err)
	}

	return rec, nil
}
