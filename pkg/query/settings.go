package query

import "runtime"

// Settings are the per-query knobs the engine reads.
type Settings struct {
	// Workers is the number of scheduler workers.
	Workers int
	// MaxAsync bounds the number of async steps in flight.
	MaxAsync int
	// MaxThreads is the pipeline width used for scans and transforms.
	MaxThreads int
	// BatchRows is the number of rows a scan reads per block.
	BatchRows int
	// EnableDistributedCopy allows COPY to fan out over the cluster.
	EnableDistributedCopy bool
}

// DefaultSettings sizes the worker pool to the machine.
func DefaultSettings() Settings {
	n := runtime.GOMAXPROCS(0)
	return Settings{
		Workers:               n,
		MaxAsync:              4 * n,
		MaxThreads:            n,
		BatchRows:             8192,
		EnableDistributedCopy: true,
	}
}
