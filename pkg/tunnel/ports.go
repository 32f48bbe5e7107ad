package tunnel

import (
	"gorm.io/gorm"

	"github.com/opnfleet/controller/pkg/store"
)

// Default forward-port range. Pairs step by two so forward and edge
// (forward-1) ports never overlap between sessions.
const (
	DefaultPortRangeStart = 8100
	DefaultPortRangeEnd   = 8198
)

// PortAllocator hands out forward/edge port pairs from a fixed range.
// Availability is recomputed from the active sessions in the store on every
// call; there is no free-list to drift from reality. Release is implicit:
// closing a session makes its pair eligible again.
type PortAllocator struct {
	db    *gorm.DB
	start int
	end   int
}

func NewPortAllocator(db *gorm.DB, start, end int) *PortAllocator {
	if start <= 0 || end < start {
		start = DefaultPortRangeStart
		end = DefaultPortRangeEnd
	}
	return &PortAllocator{db: db, start: start, end: end}
}

// Allocate returns the first forward/edge pair not held by any active
// session, or ErrPortsExhausted when the range is full.
func (a *PortAllocator) Allocate() (forwardPort, edgePort int, err error) {
	var active []store.TunnelSession
	if err := a.db.Where("status = ?", store.SessionActive).Find(&active).Error; err != nil {
		return 0, 0, err
	}

	used := make(map[int]bool, len(active)*2)
	for _, s := range active {
		used[s.ForwardPort] = true
		used[s.EdgePort] = true
	}

	for p := a.start; p <= a.end; p += 2 {
		if used[p] || used[p-1] {
			continue
		}
		return p, p - 1, nil
	}
	return 0, 0, ErrPortsExhausted
}
