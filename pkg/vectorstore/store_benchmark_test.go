//go:build unix

package vectorstore

import (
	"path/filepath"
	"testing"
)

func BenchmarkStore_Get(b *testing.B) {
	s, err := Open[float32](filepath.Join(b.TempDir(), "bench.f32"), 128, Create)
	if err != nil {
		b.Fatal(err)
	}
	defer s.Close()
	if _, err := s.Append(makeVectors(10000, 128, 0)...); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = s.Get(i % 10000)
	}
}

func BenchmarkStore_Append(b *testing.B) {
	s, err := Open[float32](filepath.Join(b.TempDir(), "bench.f32"), 128, Create)
	if err != nil {
		b.Fatal(err)
	}
	defer s.Close()
	vecs := makeVectors(64, 128, 0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Append(vecs...); err != nil {
			b.Fatal(err)
		}
	}
}
