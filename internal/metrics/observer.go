package metrics

import "time"

// LedgerObserver records what happens to commands.
type LedgerObserver interface {
	RecordTransition(commandType, from, to string)
	RecordClaimConflict()
	RecordReporterDrop(commandType string)
	ObserveExecution(commandType, outcome string, d time.Duration)
	RecordBulk(rule, outcome string, n int)
}

type Noop struct{}

func (Noop) RecordTransition(string, string, string)        {}
func (Noop) RecordClaimConflict()                           {}
func (Noop) RecordReporterDrop(string)                      {}
func (Noop) ObserveExecution(string, string, time.Duration) {}
func (Noop) RecordBulk(string, string, int)                 {}
