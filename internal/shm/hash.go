package shm

// StrHash is Bob Jenkins' one-at-a-time hash, unseeded. Segment files for
// per-path subscriptions embed this hash of the path in their name, so the
// algorithm is part of the on-disk compatibility surface and must not change.
func StrHash(s string) uint32 {
	var hash uint32
	for i := 0; i < len(s); i++ {
		hash += uint32(s[i])
		hash += hash << 10
		hash ^= hash >> 6
	}
	hash += hash << 3
	hash ^= hash >> 11
	hash += hash << 15
	return hash
}
