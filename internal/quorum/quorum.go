// Package quorum sizes replica quorums and resolves consistency levels
// into concrete target sets.
package quorum

// RequiredAcks returns how many acknowledgments out of clusterSize members
// satisfy a majority, raised by additional and floored by minCapacity.
// The result never exceeds clusterSize.
func RequiredAcks(minCapacity, clusterSize, additional int) int {
	if clusterSize <= 0 {
		return 0
	}

	majority := clusterSize/2 + 1

	withAdditional := min(majority+additional, clusterSize)

	return max(withAdditional, min(minCapacity, clusterSize))
}
