package binary

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefRecordLayout(t *testing.T) {
	data, err := EncodeRefRecord(RefRecord{Count: 2, Length: 258})
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 0, 0, 0, 0, 0, 0, 0, 2, 1, 0, 0, 0, 0, 0, 0}, data)

	rec, err := DecodeRefRecord(data)
	require.NoError(t, err)
	assert.Equal(t, RefRecord{Count: 2, Length: 258}, rec)
}

func TestDecodeRefRecordRejectsShortInput(t *testing.T) {
	_, err := DecodeRefRecord([]byte{1, 2, 3})
	assert.Error(t, err)
}
