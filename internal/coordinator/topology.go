// Package coordinator runs the two-party exchange between the Master, which
// owns the serial sensor and decides the actuator command, and the Worker,
// which evaluates the GY axis on the Master's behalf.
package coordinator

import "fmt"

// Role is the part a process plays in the group, derived from its rank.
type Role int

const (
	// RoleMaster is rank 0.
	RoleMaster Role = iota
	// RoleWorker is rank 1.
	RoleWorker
	// RoleIdle covers ranks 2 and above, which take no part in the exchange.
	RoleIdle
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleWorker:
		return "worker"
	case RoleIdle:
		return "idle"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

const (
	MasterRank = 0
	WorkerRank = 1
)

// GroupTopology describes the process group as seen from one member.
type GroupTopology struct {
	Size int
	Rank int
	// Addrs maps ranks to network addresses. The Worker listens on its
	// address and the Master dials it.
	Addrs map[int]string
}

// Validate checks that the group can run the exchange.
func (g GroupTopology) Validate() error {
	if g.Size < 2 {
		return fmt.Errorf("group size %d: at least 2 processes are required", g.Size)
	}
	if g.Rank < 0 || g.Rank >= g.Size {
		return fmt.Errorf("rank %d outside group of size %d", g.Rank, g.Size)
	}
	if g.Addrs[WorkerRank] == "" {
		return fmt.Errorf("no address configured for worker rank %d", WorkerRank)
	}
	for rank := range g.Addrs {
		if rank < 0 || rank >= g.Size {
			return fmt.Errorf("address configured for rank %d outside group of size %d", rank, g.Size)
		}
	}
	return nil
}

// Role returns the role of this member.
func (g GroupTopology) Role() Role {
	switch g.Rank {
	case MasterRank:
		return RoleMaster
	case WorkerRank:
		return RoleWorker
	default:
		return RoleIdle
	}
}

// WorkerAddr is the address the Worker listens on.
func (g GroupTopology) WorkerAddr() string {
	return g.Addrs[WorkerRank]
}
