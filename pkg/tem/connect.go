package tem

import (
	"github.com/sirupsen/logrus"
)

// Connect selects and opens the instrument once at process start.
//
// With an empty gatewayAddr, or when the gateway cannot be reached and
// requireOnline is false, it falls back to the simulated instrument and
// reports online=false.
func Connect(gatewayAddr string, requireOnline bool) (inst Instrument, online bool, err error) {
	if gatewayAddr != "" {
		r := NewRemote(gatewayAddr)
		err := r.Open()
		if err == nil {
			logrus.WithField("gateway", r.Name()).Info("connected to instrument gateway")
			return r, true, nil
		}
		if requireOnline {
			return nil, false, err
		}
		logrus.WithError(err).WithField("gateway", r.Name()).Warn("instrument gateway unreachable, falling back to offline simulation")
	}

	sim := NewSim()
	if err := sim.Open(); err != nil {
		return nil, false, err
	}
	logrus.Info("running offline with a simulated instrument")
	return sim, false, nil
}
