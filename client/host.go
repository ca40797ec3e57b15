package main

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"rigstatus/client/model"
)

// GetHost collects the static facts of the machine. Facts gopsutil cannot
// read on this platform are left empty.
func GetHost() *model.Host {
	h := &model.Host{Arch: runtime.GOARCH}

	if info, err := host.Info(); err == nil {
		h.Name = info.Hostname
		h.Platform = info.Platform
		h.PlatformVersion = info.PlatformVersion
		h.Virtualization = info.VirtualizationSystem
		h.BootTime = info.BootTime
		if info.KernelArch != "" {
			h.Arch = info.KernelArch
		}
	}

	if cpus, err := cpu.Info(); err == nil {
		seen := make(map[string]bool)
		for _, c := range cpus {
			if c.ModelName != "" && !seen[c.ModelName] {
				seen[c.ModelName] = true
				h.CPU = append(h.CPU, c.ModelName)
			}
		}
	}
	if cores, err := cpu.Counts(true); err == nil {
		h.Cores = cores
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		h.MemTotal = vm.Total
	}
	if swap, err := mem.SwapMemory(); err == nil {
		h.SwapTotal = swap.Total
	}
	return h
}
