// Package plugin defines the extractor and loader capabilities and the
// registry that maps a variant name from the job file to a factory.
package plugin

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/mkpipe/internal/config"
	"github.com/withObsrvr/mkpipe/pkg/manifest"
)

// Extractor reads one table. A nil or empty batch means there was nothing new.
type Extractor interface {
	Extract(ctx context.Context) (*Batch, error)
}

// Loader writes a batch produced by an Extractor.
type Loader interface {
	Load(ctx context.Context, data *Batch, startTime time.Time) error
}

// Deps are handed to every factory.
type Deps struct {
	Manifest manifest.Store
	Settings config.Settings
	Log      *logrus.Entry
}

// Logger returns d.Log, or a default entry tagged with component.
func (d Deps) Logger(component string) *logrus.Entry {
	if d.Log != nil {
		return d.Log.WithField("component", component)
	}
	return logrus.WithField("component", component)
}

// ExtractorFactory builds an Extractor for one table.
type ExtractorFactory func(cfg config.ExtractorConfig, deps Deps) (Extractor, error)

// LoaderFactory builds a Loader.
type LoaderFactory func(cfg config.LoaderConfig, deps Deps) (Loader, error)
