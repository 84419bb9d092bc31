package share

import (
	"errors"
	"io"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// Resources is everything the session holds that must be released exactly
// once when the process ends, whichever path ends it.
type Resources struct {
	Loop    *Loop
	Session io.Closer // PTY master and owning terminal mode
	Server  io.Closer // listening socket and its path
	Logger  *logrus.Logger

	once sync.Once
	err  error
}

// Close tears the session down: clients, PTY master and terminal mode, then
// the listening socket and its filesystem path. Only the first call does
// anything; later calls return the first result.
func (r *Resources) Close() error {
	r.once.Do(func() {
		logger := r.Logger
		if logger == nil {
			logger = noopLogger
		}

		var errs []error
		if r.Loop != nil {
			st := r.Loop.Stats()
			logger.WithFields(logrus.Fields{
				"clients":   st.Accepted,
				"bytes_in":  humanize.Bytes(st.BytesIn),
				"bytes_out": humanize.Bytes(st.BytesOut),
			}).Info("Session relayed")
			errs = append(errs, r.Loop.Close())
		}
		if r.Session != nil {
			errs = append(errs, r.Session.Close())
		}
		if r.Server != nil {
			errs = append(errs, r.Server.Close())
		}
		r.err = errors.Join(errs...)
		if r.err != nil {
			logger.WithError(r.err).Warn("Teardown finished with errors")
		}
	})
	return r.err
}
