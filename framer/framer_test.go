package framer

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleLineFillingBuffer(t *testing.T) {
	f := New(16)
	lines, err := f.Add(1, []byte("12345678123456\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"12345678123456"}, lines)
}

func TestMultipleLinesInOneChunk(t *testing.T) {
	f := New(16)
	lines, err := f.Add(1, []byte("1234\r\n12345678\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"1234", "12345678"}, lines)
}

func TestLineSplitAcrossChunks(t *testing.T) {
	f := New(16)
	lines, err := f.Add(1, []byte("123456781234\r\n1234567812345"))
	require.NoError(t, err)
	assert.Equal(t, []string{"123456781234"}, lines)

	lines, err = f.Add(1, []byte("\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"1234567812345"}, lines)
}

func TestOverrun(t *testing.T) {
	f := New(16)
	lines, err := f.Add(1, []byte("1234567812345678\r\n"))
	assert.ErrorIs(t, err, ErrOverrun)
	assert.Empty(t, lines)

	// Terminal for the stream
	lines, err = f.Add(1, []byte("ok\r\n"))
	assert.ErrorIs(t, err, ErrOverrun)
	assert.Empty(t, lines)
}

func TestOverrunAcrossChunks(t *testing.T) {
	f := New(16)
	_, err := f.Add(1, []byte("12345678"))
	require.NoError(t, err)
	_, err = f.Add(1, []byte("12345678"))
	assert.ErrorIs(t, err, ErrOverrun)
}

func TestOverrunKeepsEarlierLines(t *testing.T) {
	f := New(16)
	lines, err := f.Add(1, []byte("ok\r\n1234567812345678\r\n"))
	assert.ErrorIs(t, err, ErrOverrun)
	assert.Equal(t, []string{"ok"}, lines)
}

func TestEmptyInput(t *testing.T) {
	f := New(16)
	lines, err := f.Add(1, nil)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestBareCarriageReturnIsBuffered(t *testing.T) {
	b := NewBuffer(16)
	lines, err := b.Add([]byte("abc\r"))
	require.NoError(t, err)
	assert.Empty(t, lines)
	assert.Equal(t, 4, b.Buffered())

	lines, err = b.Add([]byte("\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"abc"}, lines)
	assert.Equal(t, 0, b.Buffered())
}

func TestBareNewline(t *testing.T) {
	b := NewBuffer(16)
	lines, err := b.Add([]byte("a\nb\n\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", ""}, lines)
}

func TestInvalidUTF8IsReplaced(t *testing.T) {
	b := NewBuffer(16)
	lines, err := b.Add([]byte{'h', 0xff, 'i', '\r', '\n'})
	require.NoError(t, err)
	assert.Equal(t, []string{"h�i"}, lines)
}

func TestConnectionsAreIndependent(t *testing.T) {
	f := New(16)
	_, err := f.Add(1, []byte("one"))
	require.NoError(t, err)
	lines, err := f.Add(2, []byte("two\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"two"}, lines)

	lines, err = f.Add(1, []byte("\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, lines)

	f.Remove(1)
	assert.Equal(t, 1, f.Len())
}

// Splitting the same stream at arbitrary points yields the same lines.
func TestArbitrarySplits(t *testing.T) {
	stream := []byte("NICK nick\r\nUSER u * * :real name\r\nJOIN #chan\nPRIVMSG #chan :hi there\r\n")

	whole := NewBuffer(64)
	expected, err := whole.Add(stream)
	require.NoError(t, err)
	require.Len(t, expected, 4)

	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		b := NewBuffer(64)
		var got []string
		rest := stream
		for len(rest) > 0 {
			n := rng.Intn(len(rest)) + 1
			lines, err := b.Add(rest[:n])
			require.NoError(t, err)
			got = append(got, lines...)
			rest = rest[n:]
		}
		assert.Equal(t, expected, got)
	}
}
