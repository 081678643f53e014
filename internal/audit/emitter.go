package audit

import (
	"context"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/catalog"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/logging"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/txlog"
)

// Config selects the audit emitter.
type Config struct {
	Enabled bool `yaml:"enabled"`
	// Endpoint, when set, receives every event by HTTP POST.
	Endpoint string `yaml:"endpoint"`
	// Dir holds the local event files and chain heads.
	Dir string `yaml:"dir"`
}

// Emitter records audit events.
type Emitter interface {
	Emit(ctx context.Context, evt *Event) error
	Close() error
}

// NewEmitter creates an emitter based on configuration. Construction
// failures fall back to a weaker emitter and are logged.
func NewEmitter(cfg Config) Emitter {
	log := logging.Component("audit")
	if !cfg.Enabled {
		log.Debug("audit disabled, using no-op emitter")
		return noopEmitter{}
	}

	if cfg.Endpoint != "" {
		emitter, err := NewHTTPEmitter(cfg)
		if err == nil {
			log.Info("using HTTP audit emitter", "endpoint", cfg.Endpoint, "dir", cfg.Dir)
			return emitter
		}
		log.Warn("failed to create HTTP audit emitter, falling back to files", "error", err)
	}

	emitter, err := NewFileEmitter(cfg.Dir)
	if err != nil {
		log.Warn("failed to create file audit emitter, using no-op", "error", err)
		return noopEmitter{}
	}
	log.Info("using file audit emitter", "dir", cfg.Dir)
	return emitter
}

// Hook returns a commit hook that emits one event per transaction. Emit
// failures are logged; they never fail the commit.
func Hook(e Emitter, database string, producer ProducerInfo) catalog.CommitHook {
	log := logging.Component("audit").With("database", database)
	return func(ctx context.Context, txn *txlog.Transaction) {
		if err := e.Emit(ctx, NewEvent(database, txn, producer)); err != nil {
			log.Warn("audit emit failed", "revision", txn.RevisionCounter, "error", err)
		}
	}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *Event) error { return nil }
func (noopEmitter) Close() error                        { return nil }
