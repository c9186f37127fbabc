package protocol

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoderSplitsCoalescedFrames(t *testing.T) {
	d := NewDecoder(strings.NewReader("NICKNAME:alice\nJOIN:devops\r\nMSG:hello"), 0)

	for _, want := range []string{"NICKNAME:alice", "JOIN:devops", "MSG:hello"} {
		line, err := d.ReadLine()
		require.NoError(t, err)
		assert.Equal(t, want, line)
	}

	_, err := d.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoderJoinsSplitFrames(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		pw.Write([]byte("MSG:hel"))
		pw.Write([]byte("lo wor"))
		pw.Write([]byte("ld\nQUIT\n"))
		pw.Close()
	}()

	d := NewDecoder(pr, 0)
	line, err := d.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "MSG:hello world", line)

	line, err = d.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "QUIT", line)
}

func TestDecoderLineTooLong(t *testing.T) {
	long := strings.Repeat("x", 10000)
	d := NewDecoder(strings.NewReader("MSG:"+long+"\nMSG:ok\n"), 64)

	_, err := d.ReadLine()
	assert.ErrorIs(t, err, ErrLineTooLong)

	// the oversized line is consumed entirely
	line, err := d.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "MSG:ok", line)
}

func TestDecoderUnterminatedLineTooLong(t *testing.T) {
	d := NewDecoder(strings.NewReader("MSG:"+strings.Repeat("x", 10000)), 64)

	_, err := d.ReadLine()
	assert.ErrorIs(t, err, ErrLineTooLong)

	_, err = d.ReadLine()
	assert.ErrorIs(t, err, io.EOF)

	d = NewDecoder(strings.NewReader(strings.Repeat("z", 17)), 16)
	_, err = d.ReadLine()
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestDecoderExactLimit(t *testing.T) {
	exact := strings.Repeat("y", 16)
	d := NewDecoder(strings.NewReader(exact+"\r\n"+exact+"z\n"), 16)

	line, err := d.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, exact, line)

	_, err = d.ReadLine()
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestDecoderInvalidUTF8(t *testing.T) {
	d := NewDecoder(bytes.NewReader([]byte("MSG:a\xffb\n")), 0)
	line, err := d.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "MSG:a�b", line)
}

func TestWriteLine(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteLine(&buf, NewQuit().Encode()))
	require.NoError(t, WriteLine(&buf, "INFO:10.00:bye"))
	assert.Equal(t, "QUIT\nINFO:10.00:bye\n", buf.String())
}
