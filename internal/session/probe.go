package session

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ProbeResult reports a background adapter probe back to the poll
// goroutine.
type ProbeResult struct {
	Target  string
	Elapsed time.Duration
	Err     error
}

// Probe checks whether an adapter answers at target without disturbing
// the live session. The work runs on its own goroutine against a
// throwaway transport and never touches shared state; the result is
// queued back to the poll loop, which invokes OnProbe. Results are
// dropped if the queue is full.
func (p *Poller) Probe(target string) error {
	if p.probeTransport == nil {
		return errors.New("session: no probe transport configured")
	}
	tr := p.probeTransport()
	go func() {
		start := time.Now()
		err := tr.Open(target)
		if err == nil {
			_, err = tr.SupportedPIDs()
			if cerr := tr.Close(); err == nil && cerr != nil {
				err = cerr
			}
		}
		res := ProbeResult{Target: target, Elapsed: time.Since(start), Err: err}
		select {
		case p.probeCh <- res:
		default:
		}
	}()
	return nil
}

func (p *Poller) handleProbe(res ProbeResult) {
	entry := log.WithFields(log.Fields{"target": res.Target, "elapsed": res.Elapsed})
	if res.Err != nil {
		entry.WithError(res.Err).Warn("probe: device not responding")
	} else {
		entry.Info("probe: device ok")
	}
	if p.OnProbe != nil {
		p.OnProbe(res)
	}
}
