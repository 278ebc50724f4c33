package transport

import (
	"bufio"
	"bytes"
)

func newTestReader(data []byte) *bufio.Reader {
	return bufio.NewReader(bytes.NewReader(data))
}
