package quorum

import (
	"bytes"
	"sort"

	"github.com/zeebo/blake3"
)

// scoredMember pairs a member address with its rendezvous score.
type scoredMember struct {
	addr  string   // addr is the member's replica address
	score [32]byte // score is the computed rendezvous score
}

// RankMembers orders members for key by rendezvous score, highest first.
// The order is stable for a given key and member set, and adding or
// removing one member only shifts the keys that member wins or loses.
func RankMembers(key string, members []string) []string {
	scored := make([]scoredMember, len(members))

	for i, m := range members {
		scored[i] = scoredMember{addr: m, score: score(key, m)}
	}

	sort.Slice(scored, func(i, j int) bool {
		if c := bytes.Compare(scored[i].score[:], scored[j].score[:]); c != 0 {
			return c > 0
		}
		return scored[i].addr < scored[j].addr
	})

	result := make([]string, len(scored))
	for i, s := range scored {
		result[i] = s.addr
	}

	return result
}

// score calculates BLAKE3(len(key) || key || member).
func score(key, member string) [32]byte {
	h := blake3.New()

	var n [4]byte
	n[0] = byte(len(key) >> 24)
	n[1] = byte(len(key) >> 16)
	n[2] = byte(len(key) >> 8)
	n[3] = byte(len(key))

	h.Write(n[:])
	h.Write([]byte(key))
	h.Write([]byte(member))

	var result [32]byte
	h.Sum(result[:0])

	return result
}
