package machine

import (
	"errors"
	"io"
	"sync"
)

// ErrUnmapped is returned when reading memory that holds no text.
var ErrUnmapped = errors.New("address not mapped")

// Text is sparse instruction memory. Reports carry an instruction pointer
// and the dump decodes what sits there.
type Text struct {
	mu  sync.Mutex
	mem map[int64]byte
}

// NewText returns empty memory.
func NewText() *Text {
	return &Text{mem: map[int64]byte{}}
}

// WriteAt implements io.WriterAt.
func (t *Text) WriteAt(b []byte, off int64) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, c := range b {
		t.mem[off+int64(i)] = c
	}

	return len(b), nil
}

// ReadAt implements io.ReaderAt.
func (t *Text) ReadAt(b []byte, off int64) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range b {
		c, ok := t.mem[off+int64(i)]
		if !ok {
			if i == 0 {
				return 0, ErrUnmapped
			}

			return i, io.EOF
		}

		b[i] = c
	}

	return len(b), nil
}
