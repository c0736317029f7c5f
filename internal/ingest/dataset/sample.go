package dataset

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/zeebo/xxh3"
)

const DefaultReservoirSize = 200

// Sampler keeps a uniform reservoir of non-null values per column over one
// streaming pass.
type Sampler struct {
	size    int
	rows    int
	seen    map[string]int
	samples map[string][]any
	rnd     *rand.Rand
}

func NewSampler(size int, seed uint64) *Sampler {
	if size <= 0 {
		size = DefaultReservoirSize
	}
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Sampler{
		size:    size,
		seen:    map[string]int{},
		samples: map[string][]any{},
		rnd:     rand.New(rand.NewPCG(seed, ^seed)),
	}
}

func (s *Sampler) Observe(row Row) {
	s.rows++
	for i := 0; i < row.Len(); i++ {
		col, v := row.At(i)
		if IsNull(v) {
			continue
		}
		n := s.seen[col]
		s.seen[col] = n + 1
		if n < s.size {
			s.samples[col] = append(s.samples[col], v)
			continue
		}
		if j := s.rnd.IntN(n + 1); j < s.size {
			s.samples[col][j] = v
		}
	}
}

// Rows is the number of rows observed.
func (s *Sampler) Rows() int { return s.rows }

// NonNull returns how many non-null values were seen in col.
func (s *Sampler) NonNull(col string) int { return s.seen[col] }

func (s *Sampler) Columns() map[string][]any {
	out := make(map[string][]any, len(s.samples))
	for k, v := range s.samples {
		out[k] = append([]any(nil), v...)
	}
	return out
}

// Fingerprint identifies a dataset file by path, size, modification time and
// the first 64 KiB of content.
func Fingerprint(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return "", err
	}

	h := xxh3.New()
	_, _ = h.WriteString(abs)
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(st.Size()))
	binary.LittleEndian.PutUint64(buf[8:], uint64(st.ModTime().UnixNano()))
	_, _ = h.Write(buf[:])
	if _, err := io.CopyN(h, f, 64<<10); err != nil && err != io.EOF {
		return "", err
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}
