package scanner

import "time"

// Options tunes a single scan job.
type Options struct {
	Concurrency     int           // workers per page, defaults to 5
	BatchSize       int           // candidates per page, defaults to 50
	InterBatchDelay time.Duration // pause between pages
	// StalenessThreshold: vehicles checked more recently than this are skipped.
	StalenessThreshold time.Duration
	ErrorBufferSize    int // defaults to 50

	// Resume continues from the cursor of the last run that was stopped.
	Resume bool
	// Limit caps the number of vehicles processed. 0 means no cap.
	Limit int
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Concurrency:        5,
		BatchSize:          50,
		InterBatchDelay:    time.Second,
		StalenessThreshold: 7 * 24 * time.Hour,
		ErrorBufferSize:    50,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Concurrency <= 0 {
		o.Concurrency = def.Concurrency
	}
	if o.BatchSize <= 0 {
		o.BatchSize = def.BatchSize
	}
	if o.ErrorBufferSize <= 0 {
		o.ErrorBufferSize = def.ErrorBufferSize
	}
	if o.InterBatchDelay < 0 {
		o.InterBatchDelay = 0
	}
	if o.StalenessThreshold < 0 {
		o.StalenessThreshold = 0
	}
	if o.Limit < 0 {
		o.Limit = 0
	}
	return o
}
