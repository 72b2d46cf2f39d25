package main

import (
	"runtime"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/host"
	"github.com/shirou/gopsutil/mem"
)

// SysInfo captures the host the run executed on; it is embedded into every
// RunReport so results can be compared across machines.
type SysInfo struct {
	Arch     string  `json:"arch"`
	Hostname string  `json:"hostname"`
	Platform string  `json:"platform"`
	CPUCount int     `json:"cpu_count"`
	CPUFreq  float64 `json:"cpu_freq"`
	RAM      float64 `json:"ram_gb"`
}

func HostStat() SysInfo {
	hostStat, _ := host.Info()
	cpuStat, _ := cpu.Info()
	vmStat, _ := mem.VirtualMemory()
	totalFreq := 0.0
	for _, cpu := range cpuStat {
		totalFreq += cpu.Mhz
	}
	freq := 0.0
	if len(cpuStat) > 0 {
		freq = totalFreq / float64(len(cpuStat)) * 1000
	}
	ram := 0.0
	if vmStat != nil {
		ram = float64(vmStat.Total) / 1024 / 1024 / 1024
	}
	hostname, platform := "", ""
	if hostStat != nil {
		hostname, platform = hostStat.Hostname, hostStat.Platform
	}
	return SysInfo{
		Arch:     runtime.GOARCH,
		Hostname: hostname,
		Platform: platform,
		CPUCount: len(cpuStat),
		CPUFreq:  freq,
		RAM:      ram,
	}
}
