package pkg

import (
	"github.com/nbroyles/inkdb/internal/index"
	log "github.com/sirupsen/logrus"
)

// Options tune how a database is opened. The zero value is usable
type Options struct {
	// InitialIndexCapacity is the number of slots the hash index starts with.
	// Default: 1024
	InitialIndexCapacity int

	// SnapshotOnClose persists the index on Close so the next Open can skip a full
	// replay of the log.
	// Default: false
	SnapshotOnClose bool

	// CompactOnOpen rewrites the log right after the index is loaded.
	// Default: false
	CompactOnOpen bool

	// Logger receives the database's log output.
	// Default: the logrus standard logger
	Logger log.FieldLogger
}

func (o *Options) norm() *Options {
	var oo Options
	if o != nil {
		oo = *o
	}

	if oo.InitialIndexCapacity < 1 {
		oo.InitialIndexCapacity = index.DefaultCapacity
	}
	if oo.Logger == nil {
		oo.Logger = log.StandardLogger()
	}

	return &oo
}
