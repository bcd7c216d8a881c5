package diode

// TopologyNode is a role of the topology with the roles that must be
// running before it starts.
type TopologyNode struct {
	Role      Role
	DependsOn []Role
	// Optional roles are only started when the scenario needs them.
	Optional bool
}

// Topology is an ordered list of roles, started in order.
type Topology []TopologyNode

// DefaultTopology returns the diode topology: the relay (only with a fault
// schedule) and diode-receive-file come up before diode-receive, which
// comes up before diode-send since diode-send opens a session toward it.
// The directory watcher is started on demand once diode-send runs.
func DefaultTopology() Topology {
	return Topology{
		{Role: RoleRelay, Optional: true},
		{Role: RoleReceiveFile},
		{Role: RoleReceive, DependsOn: []Role{RoleRelay, RoleReceiveFile}},
		{Role: RoleSend, DependsOn: []Role{RoleReceive}},
		{Role: RoleSendDir, DependsOn: []Role{RoleSend}, Optional: true},
	}
}

// Lookup returns the node of role.
func (t Topology) Lookup(role Role) (TopologyNode, bool) {
	for _, n := range t {
		if n.Role == role {
			return n, true
		}
	}
	return TopologyNode{}, false
}

// Validate checks that roles are unique and that every dependency comes
// before its dependant.
func (t Topology) Validate() error {
	seen := make(map[Role]bool)
	for _, n := range t {
		if seen[n.Role] {
			return usageErrorf("topology: duplicate role %s", n.Role)
		}
		for _, dep := range n.DependsOn {
			if dep == n.Role {
				return usageErrorf("topology: %s depends on itself", n.Role)
			}
			if !seen[dep] {
				return usageErrorf("topology: %s depends on %s which is not started before it", n.Role, dep)
			}
		}
		seen[n.Role] = true
	}
	return nil
}
