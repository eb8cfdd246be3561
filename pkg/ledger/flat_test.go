package ledger

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlatRoundTrip(t *testing.T) {
	t0 := time.UnixMilli(1714550400123).UTC()
	m1 := &MessageRecord{
		Number:          7,
		Time:            t0,
		QueryIDHash:     HashQueryID("q7"),
		Message:         []byte("<Envelope>|pipes|and\nnewlines</Envelope>"),
		Signature:       []byte{0x30, 0x82, 0x01},
		TimestampNumber: 2,
	}
	m1.HashChain = ComputeHashChain(nil, m1)
	m2 := &MessageRecord{Number: 8, Time: t0, QueryIDHash: HashQueryID("q8"), Message: []byte("x"), TimestampNumber: 2}
	m2.HashChain = ComputeHashChain(m1.HashChain, m2)
	ts := &TimestampRecord{
		Number:         2,
		Time:           t0.Add(time.Minute),
		Records:        []uint64{7, 8},
		Token:          []byte("token-bytes"),
		HashAlgorithm:  "SHA-256",
		ManifestDigest: []byte{0xde, 0xad},
	}

	var buf bytes.Buffer
	fw := NewFlatWriter(&buf)
	require.NoError(t, fw.WriteMessage(m1))
	require.NoError(t, fw.WriteMessage(m2))
	require.NoError(t, fw.WriteTimestamp(ts))
	require.NoError(t, fw.Flush())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.True(t, strings.HasPrefix(lines[0], "SOAP|7|1714550400123|"))
	assert.True(t, strings.HasPrefix(lines[1], "SIGNATURE|7|"))
	assert.Equal(t, "SIGNATURE|8|", lines[3])
	assert.True(t, strings.HasPrefix(lines[4], "TIMESTAMP|2|"))

	fr := NewFlatReader(&buf)
	e, err := fr.Next()
	require.NoError(t, err)
	require.NotNil(t, e.Message)
	assert.Equal(t, m1.Message, e.Message.Message)
	assert.Equal(t, m1.Signature, e.Message.Signature)
	assert.Equal(t, m1.HashChain, e.Message.HashChain)
	assert.True(t, m1.Time.Equal(e.Message.Time))
	assert.Equal(t, uint64(2), e.Message.TimestampNumber)

	e, err = fr.Next()
	require.NoError(t, err)
	assert.Equal(t, ComputeHashChain(m1.HashChain, e.Message), e.Message.HashChain)
	assert.Empty(t, e.Message.Signature)

	e, err = fr.Next()
	require.NoError(t, err)
	require.NotNil(t, e.Timestamp)
	assert.Equal(t, ts.Records, e.Timestamp.Records)
	assert.Equal(t, ts.Token, e.Timestamp.Token)
	assert.Equal(t, "SHA-256", e.Timestamp.HashAlgorithm)

	_, err = fr.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFlatReaderRejectsMalformed(t *testing.T) {
	for name, input := range map[string]string{
		"UnknownTag":       "BOGUS|1\n",
		"MissingSignature": "SOAP|1|0|00|00|0|\n",
		"WrongSignature":   "SOAP|1|0|00|00|0|\nSIGNATURE|2|\n",
		"BadBase64":        "SOAP|1|0|00|00|0|!!!\nSIGNATURE|1|\n",
		"ShortTimestamp":   "TIMESTAMP|1|0\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewFlatReader(strings.NewReader(input)).Next()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrFlatFormat), "got %v", err)
		})
	}
}
