package pool

import "bytes"

// StreamToken is a single streamed model chunk.
type StreamToken struct {
	Stage string
	Index int
	Text  string
}

func (t *StreamToken) reset() {
	t.Stage = ""
	t.Index = 0
	t.Text = ""
}

// Capacity caps for objects kept by BufferPool and StringPool.
const (
	maxRetainedBuffer = 64 * 1024
	maxRetainedString = 16 * 1024
)

// StringBuf builds short strings. Unlike strings.Builder its storage
// survives Reset, so a pooled StringBuf stops allocating once warm.
type StringBuf struct {
	b []byte
}

// WriteString appends s.
func (s *StringBuf) WriteString(v string) (int, error) {
	s.b = append(s.b, v...)
	return len(v), nil
}

// WriteByte appends c.
func (s *StringBuf) WriteByte(c byte) error {
	s.b = append(s.b, c)
	return nil
}

// String returns a copy of the contents.
func (s *StringBuf) String() string { return string(s.b) }

// Len returns the number of bytes written.
func (s *StringBuf) Len() int { return len(s.b) }

// Cap returns the capacity of the underlying storage.
func (s *StringBuf) Cap() int { return cap(s.b) }

// Reset empties the buffer and keeps its storage.
func (s *StringBuf) Reset() { s.b = s.b[:0] }

// TokenPool pools *StreamToken values.
type TokenPool = Pool[*StreamToken]

// BufferPool pools *bytes.Buffer values.
type BufferPool = Pool[*bytes.Buffer]

// StringPool pools *StringBuf values for small strings.
type StringPool = Pool[*StringBuf]

// NewTokenPool creates a pool of stream tokens.
func NewTokenPool(cfg Config) *TokenPool {
	return New(cfg,
		func() *StreamToken { return &StreamToken{} },
		func(t *StreamToken) { t.reset() },
	)
}

// NewBufferPool creates a pool of byte buffers. Buffers that grew past
// 64 KiB are truncated to a fresh buffer on reset.
func NewBufferPool(cfg Config) *BufferPool {
	return New(cfg,
		func() *bytes.Buffer { return new(bytes.Buffer) },
		func(b *bytes.Buffer) {
			if b.Cap() > maxRetainedBuffer {
				*b = bytes.Buffer{}
				return
			}
			b.Reset()
		},
	)
}

// NewStringPool creates a pool of string buffers. Buffers that grew past
// 16 KiB give up their storage on reset.
func NewStringPool(cfg Config) *StringPool {
	return New(cfg,
		func() *StringBuf { return &StringBuf{} },
		func(sb *StringBuf) {
			if sb.Cap() > maxRetainedString {
				sb.b = nil
				return
			}
			sb.Reset()
		},
	)
}

// SetConfig sizes every pool in a Set.
type SetConfig struct {
	Tokens  Config `koanf:"tokens" json:"tokens"`
	Buffers Config `koanf:"buffers" json:"buffers"`
	Strings Config `koanf:"strings" json:"strings"`
}

// DefaultSetConfig returns sizes suited to a handful of concurrent runs.
func DefaultSetConfig() SetConfig {
	return SetConfig{
		Tokens:  Config{Initial: 256, Max: 4096},
		Buffers: Config{Initial: 8, Max: 64},
		Strings: Config{Initial: 32, Max: 512},
	}
}

// Set bundles the pools shared by concurrently running requests. It is built
// once at startup and passed to the components that need it.
type Set struct {
	Tokens  *TokenPool
	Buffers *BufferPool
	Strings *StringPool
}

// NewSet creates all pools from cfg.
func NewSet(cfg SetConfig) *Set {
	return &Set{
		Tokens:  NewTokenPool(cfg.Tokens),
		Buffers: NewBufferPool(cfg.Buffers),
		Strings: NewStringPool(cfg.Strings),
	}
}

// SetStats reports statistics for each pool of a Set.
type SetStats struct {
	Tokens  Stats `json:"tokens"`
	Buffers Stats `json:"buffers"`
	Strings Stats `json:"strings"`
}

// Stats returns statistics for every pool.
func (s *Set) Stats() SetStats {
	return SetStats{
		Tokens:  s.Tokens.Stats(),
		Buffers: s.Buffers.Stats(),
		Strings: s.Strings.Stats(),
	}
}
