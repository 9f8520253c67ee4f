package shm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStrHash(t *testing.T) {
	// Fixed vectors: the hash is embedded in segment file names, so any
	// change here breaks compatibility with existing repositories.
	tests := []struct {
		in   string
		want uint32
	}{
		{"", 0x00000000},
		{"a", 0xca2e9442},
		{"ietf-interfaces", 0x2b64690c},
		{"/ietf-interfaces:interfaces/interface", 0x0a3d7930},
		{"The quick brown fox jumps over the lazy dog", 0x519e91f5},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StrHash(tt.in), "StrHash(%q)", tt.in)
	}
}

func TestStrHashDistinguishesPaths(t *testing.T) {
	assert.NotEqual(t, StrHash("/m:a"), StrHash("/m:b"))
	assert.NotEqual(t, StrHash("/m:a"), StrHash("/m:a/b"))
}
