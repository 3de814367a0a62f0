package runner

// DefaultCeiling is the default maximum number of outstanding leases.
const DefaultCeiling = 5

// Admission is the outcome of the concurrency guard.
type Admission int

const (
	// Proceed means the outstanding lease count is below the ceiling.
	Proceed Admission = iota
	// ProceedForced means the ceiling was reached but the caller forced the run.
	ProceedForced
	// Block means the ceiling was reached and the run must not start.
	Block
)

// String returns the metric label for the admission.
func (a Admission) String() string {
	switch a {
	case Proceed:
		return "proceed"
	case ProceedForced:
		return "forced"
	case Block:
		return "blocked"
	default:
		return "unknown"
	}
}

// Allowed reports whether a batch may be staked.
func (a Admission) Allowed() bool {
	return a != Block
}

// Admit decides whether a new batch may start given the number of leases
// currently outstanding across all runners. A ceiling below 1 disables the
// check.
func Admit(outstanding, ceiling int, force bool) Admission {
	if ceiling < 1 || outstanding < ceiling {
		return Proceed
	}
	if force {
		return ProceedForced
	}
	return Block
}
