package installer

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfOrder = errors.New("stage out of order")
	ErrCancelled  = errors.New("installation cancelled")
)

// Stage is where the run stands. It only moves forward, one transition per
// successful stage call, and ends in Finalized or Aborted.
type Stage int

const (
	StageInit Stage = iota
	StageDiskSelected
	StagePartitioned
	StagePoolCreated
	StageDatasetsCreated
	StageMounted
	StageBaseInstalled
	StageSystemConfigured
	StageBootloaderInstalled
	StageFinalized
	StageAborted
)

var stageNames = [...]string{
	StageInit:                "init",
	StageDiskSelected:        "disk-selected",
	StagePartitioned:         "partitioned",
	StagePoolCreated:         "pool-created",
	StageDatasetsCreated:     "datasets-created",
	StageMounted:             "mounted",
	StageBaseInstalled:       "base-installed",
	StageSystemConfigured:    "system-configured",
	StageBootloaderInstalled: "bootloader-installed",
	StageFinalized:           "finalized",
	StageAborted:             "aborted",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Terminal reports whether no further stage may run.
func (s Stage) Terminal() bool {
	return s == StageFinalized || s == StageAborted
}

// transition is one stage call: it may only run from `from` and leaves the
// run at `to`. Stages that only check choices keep the stage unchanged.
type transition struct {
	name string
	from Stage
	to   Stage
}

// Stage calls in run order.
var (
	stepSelectDisk        = transition{"select_disk", StageInit, StageDiskSelected}
	stepPartition         = transition{"partition", StageDiskSelected, StagePartitioned}
	stepConfigurePool     = transition{"configure_pool", StagePartitioned, StagePartitioned}
	stepCreatePool        = transition{"create_pool", StagePartitioned, StagePoolCreated}
	stepCreateDatasets    = transition{"create_datasets", StagePoolCreated, StageDatasetsCreated}
	stepConfigureBoot     = transition{"configure_boot", StageDatasetsCreated, StageDatasetsCreated}
	stepMount             = transition{"mount", StageDatasetsCreated, StageMounted}
	stepInstallBase       = transition{"install_base", StageMounted, StageBaseInstalled}
	stepConfigureSystem   = transition{"configure_system", StageBaseInstalled, StageSystemConfigured}
	stepInstallBootloader = transition{"install_bootloader", StageSystemConfigured, StageBootloaderInstalled}
	stepFinalize          = transition{"finalize", StageBootloaderInstalled, StageFinalized}
)

var runOrder = []transition{
	stepSelectDisk,
	stepPartition,
	stepConfigurePool,
	stepCreatePool,
	stepCreateDatasets,
	stepConfigureBoot,
	stepMount,
	stepInstallBase,
	stepConfigureSystem,
	stepInstallBootloader,
	stepFinalize,
}

// StageNames lists the stage calls in run order.
func StageNames() []string {
	out := make([]string, len(runOrder))
	for i, t := range runOrder {
		out[i] = t.name
	}
	return out
}

// needsCleanup is true for every stage from pool creation on; before that
// nothing reversible exists on disk.
func (t transition) needsCleanup() bool {
	return t.to >= StagePoolCreated
}

func (t transition) index() int {
	for i, r := range runOrder {
		if r == t {
			return i
		}
	}
	return -1
}
