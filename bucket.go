package pennant

import "github.com/cespare/xxhash/v2"

// Bucket assigns a subject to a percentile slot in [0,100). The assignment
// is a pure hash of the subject id salted with the flag key, so the same
// pair always lands in the same bucket across restarts and across
// horizontally scaled instances. Salting with the flag key keeps buckets
// uncorrelated between unrelated flags for the same subject.
//
// The hash function is fixed by contract: changing it for a live flag would
// reshuffle every cohort mid-rollout.
func Bucket(subjectID, salt string) int {
	return int(xxhash.Sum64String(subjectID+":"+salt) % 100)
}

// IsInRollout reports whether the subject falls inside the given rollout
// percentage for the salted bucket space. Percentage 0 always excludes and
// 100 always includes. An empty subject id still hashes deterministically;
// callers should prefer a session id over no id at all.
//
// The check is monotonic in percentage: once a subject is included at p, it
// stays included for every p' > p.
func IsInRollout(subjectID, salt string, percentage int) bool {
	if percentage <= 0 {
		return false
	}
	if percentage >= 100 {
		return true
	}
	return Bucket(subjectID, salt) < percentage
}
