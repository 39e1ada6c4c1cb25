package proc

import (
	"sort"

	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// ListeningPorts returns the TCP ports pid and its direct children listen on.
// Dev servers commonly fork the process that actually binds the socket, so the
// children are included.
func ListeningPorts(pid int) ([]int, error) {
	pids := []int32{int32(pid)}
	if p, err := process.NewProcess(int32(pid)); err == nil {
		if children, err := p.Children(); err == nil {
			for _, c := range children {
				pids = append(pids, c.Pid)
			}
		}
	}

	seen := make(map[int]bool)
	var firstErr error
	for _, id := range pids {
		conns, err := psnet.ConnectionsPid("tcp", id)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, c := range conns {
			if c.Status == "LISTEN" {
				seen[int(c.Laddr.Port)] = true
			}
		}
	}

	if len(seen) == 0 && firstErr != nil {
		return nil, firstErr
	}

	ports := make([]int, 0, len(seen))
	for port := range seen {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports, nil
}
