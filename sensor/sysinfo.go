// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

package sensor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/ribbit-network/frog-agent/version"
)

// SysInfo reports the device identity and host health: the board name,
// agent version, memory usage, and load average.
type SysInfo struct {
	mutex sync.Mutex
	id    string
	board string

	lastUpdate time.Time
	memUsed    uint64
	memFree    uint64
	load1      float64
}

func NewSysInfo(id, boardName string) *SysInfo {
	return &SysInfo{id: id, board: boardName}
}

func (s *SysInfo) ID() string   { return s.id }
func (s *SysInfo) Kind() string { return "board" }

func (s *SysInfo) ReadOnce(ctx context.Context) error {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return err
	}
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.memUsed = vm.Used
	s.memFree = vm.Available
	s.load1 = avg.Load1
	s.lastUpdate = time.Now().UTC()
	return nil
}

func (s *SysInfo) Export() map[string]any {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return map[string]any{
		"t":         s.lastUpdate,
		"board":     s.board,
		"version":   version.Version,
		"allocated": s.memUsed,
		"free":      s.memFree,
		"load":      s.load1,
	}
}

func (s *SysInfo) Metadata() map[string]FieldMeta {
	return map[string]FieldMeta{
		"board":   {Label: "Board", Diagnostic: true},
		"version": {Label: "Version", Diagnostic: true},
		"allocated": {
			Label: "Allocated memory", Class: "data_size", Unit: "B",
			Diagnostic: true,
		},
		"free": {
			Label: "Free memory", Class: "data_size", Unit: "B",
			Diagnostic: true,
		},
		"load": {Label: "Load average", Diagnostic: true},
	}
}
