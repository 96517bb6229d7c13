package mirror

type Decision string

const (
	DecisionInsert Decision = "insert"
	DecisionPatch  Decision = "patch"
	DecisionSkip   Decision = "skip"
)

// Decide compares a candidate version against the stored record. Only
// remoteUpdatedAt participates; local-owned fields are not inspected.
func Decide(candidate NormalizedRecord, stored *LocalRecord, force bool) Decision {
	if stored == nil {
		return DecisionInsert
	}
	if force {
		return DecisionPatch
	}
	if candidate.UpdatedAt.After(stored.RemoteUpdatedAt) {
		return DecisionPatch
	}
	return DecisionSkip
}
