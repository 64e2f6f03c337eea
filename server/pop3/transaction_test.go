package pop3

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDotStuff(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no dots", "hello\r\nworld\r\n", "hello\r\nworld\r\n"},
		{"dot at start", ".hidden\r\n", "..hidden\r\n"},
		{"dot mid line", "a.b\r\n", "a.b\r\n"},
		{"dot after newline", "first\r\n.second\r\n", "first\r\n..second\r\n"},
		{"lone dot line", "a\r\n.\r\nb\r\n", "a\r\n..\r\nb\r\n"},
		{"double dot", "..already\r\n", "...already\r\n"},
		{"empty", "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, string(dotStuff([]byte(tc.in))))
		})
	}
}

func TestSplitHeader(t *testing.T) {
	header, body := splitHeader([]byte("A: 1\r\nB: 2\r\n\r\nbody text\r\n"))
	assert.Equal(t, "A: 1\r\nB: 2\r\n", string(header))
	assert.Equal(t, "body text\r\n", string(body))

	header, body = splitHeader([]byte("A: 1\nB: 2\n\nbody\n"))
	assert.Equal(t, "A: 1\nB: 2\n", string(header))
	assert.Equal(t, "body\n", string(body))

	header, body = splitHeader([]byte("A: 1\r\nB: 2\r\n"))
	assert.Equal(t, "A: 1\r\nB: 2\r\n", string(header))
	assert.Nil(t, body)
}

func TestTopLines(t *testing.T) {
	body := []byte("one\r\ntwo\r\nthree\r\n")
	assert.Nil(t, topLines(body, 0))
	assert.Equal(t, []string{"one"}, topLines(body, 1))
	assert.Equal(t, []string{"one", "two", "three"}, topLines(body, 3))
	assert.Equal(t, []string{"one", "two", "three"}, topLines(body, 10))
	assert.Nil(t, topLines(nil, 5))
}
