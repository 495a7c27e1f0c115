package flag

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CLI is the command line of mcheck.
type CLI struct {
	Config    string `short:"f" help:"Path of the YAML configuration file." type:"path"`
	Verbosity string `short:"v" help:"Override the verbosity: quiet, info or verbose." enum:",quiet,info,verbose" default:""`

	Probe    ProbeCMD    `cmd:"" help:"Print the machine-check capabilities of a processor."`
	Classify ClassifyCMD `cmd:"" help:"Classify an MCi_STATUS value."`
	Simulate SimulateCMD `cmd:"" help:"Run a machine-check scenario on a simulated platform."`
	Daemon   DaemonCMD   `cmd:"" help:"Bring up machine-check handling and poll the banks."`
	Reports  ReportsCMD  `cmd:"" help:"Inspect stored machine-check reports."`
}

// ProbeCMD prints CPUID and MCG_CAP of one processor.
type ProbeCMD struct {
	CPU            int  `help:"Processor to probe." default:"0"`
	ForceBroadcast bool `help:"Treat machine checks as broadcast."`
}

// ClassifyCMD runs a status value through the classifier.
type ClassifyCMD struct {
	Status string `arg:"" help:"MCi_STATUS value, any base."`
	SER    bool   `help:"Assume software error recovery support." default:"true" negatable:""`
	Source string `help:"Scan source for the clear decision." enum:"poll,cmci,reset,mce" default:"mce"`
}

// SimulateCMD injects a scenario into a simulated platform.
type SimulateCMD struct {
	Scenario string `arg:"" help:"corrected, srao, srar-guest, fatal or hotplug." enum:"corrected,srao,srar-guest,fatal,hotplug"`
	CPU      int    `help:"Processor the error is raised on." default:"0"`
	Bank     int    `help:"Bank the error is injected into." default:"1"`
	Memory   string `short:"m" help:"Simulated memory size: number[gGmMkK], defaults to G." default:""`
	SER      bool   `help:"Turn on software error recovery regardless of the configuration."`
	CMCI     bool   `help:"Turn on CMCI regardless of the configuration."`
}

// DaemonCMD runs machine-check handling on the local processors.
type DaemonCMD struct {
	Metrics string `help:"Listen address of the prometheus endpoint, empty for the configured one."`
	Profile string `help:"Write a profile of the given kind to the working directory." enum:",cpu,mem,mutex,block,trace" default:""`
	DevRoot string `help:"Directory holding the per-processor msr and cpuid devices." default:"/dev/cpu" type:"path"`
}

// ReportsCMD reads the report store.
type ReportsCMD struct {
	List ReportsListCMD `cmd:"" default:"1" help:"List the newest reports."`
	Get  ReportsGetCMD  `cmd:"" help:"Print one report."`
}

// ReportsListCMD lists reports.
type ReportsListCMD struct {
	Limit int `short:"n" help:"Number of reports." default:"20"`
}

// ReportsGetCMD prints a report.
type ReportsGetCMD struct {
	ID string `arg:"" help:"Report id."`
}

var sizeShift = map[byte]uint{'k': 10, 'm': 20, 'g': 30}

// ParseSize parses a memory size as number[kKmMgG], in gigabytes when the
// suffix is left out. The number can be in any base.
func ParseSize(s string) (uint64, error) {
	num, shift := s, sizeShift['g']

	if n := len(s); n > 0 {
		if sh, ok := sizeShift[s[n-1]|0x20]; ok {
			num, shift = s[:n-1], sh
		}
	}

	v, err := strconv.ParseUint(num, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("size %q: %w", s, err)
	}

	if v > math.MaxUint64>>shift {
		return 0, fmt.Errorf("size %q: %w", s, strconv.ErrRange)
	}

	return v << shift, nil
}

// ParseStatus parses an MCi_STATUS value in any base.
func ParseStatus(s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.ReplaceAll(s, "_", ""), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("status %q: %w", s, err)
	}

	return v, nil
}
