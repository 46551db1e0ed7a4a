package tem

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Remote talks to an instrument gateway over HTTP.
type Remote struct {
	baseURL    string
	httpClient *http.Client

	// ConnectWindow bounds how long Open keeps probing the gateway.
	ConnectWindow time.Duration
	connected     bool
}

var _ Instrument = &Remote{}

// NewRemote returns a gateway client for addr ("host:port" or a full URL).
func NewRemote(addr string) *Remote {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Remote{
		baseURL:       strings.TrimRight(addr, "/"),
		httpClient:    &http.Client{Timeout: 5 * time.Second},
		ConnectWindow: 3 * time.Second,
	}
}

func (r *Remote) Name() string { return r.baseURL }

// Open probes the gateway. The microscope PC may still be booting its
// control server, so the probe is retried with a bounded exponential
// backoff before giving up.
func (r *Remote) Open() error {
	attempts := 0
	op := func() error {
		attempts++
		var name string
		return r.do(http.MethodGet, "/ping", nil, &name)
	}

	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     50 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      r.ConnectWindow,
		Clock:               backoff.SystemClock})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"gateway":  r.baseURL,
			"attempts": attempts,
		}).WithError(err).Debug("gateway probe failed")
		return callErr("Open", err)
	}

	r.connected = true
	return nil
}

func (r *Remote) Close() error {
	r.connected = false
	r.httpClient.CloseIdleConnections()
	return nil
}

func (r *Remote) do(method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return pkgerrors.Wrap(err, "failed to encode request")
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, r.baseURL+path, body)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	logrus.WithFields(logrus.Fields{
		"method": method,
		"path":   path,
		"data":   in,
	}).Trace("sending gateway request")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logrus.Errorf("failed to close response body: %v", err)
		}
	}()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to read response body")
	}

	if resp.StatusCode == http.StatusNotFound && strings.HasPrefix(path, "/detectors/") {
		return ErrUnknownDetector
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return pkgerrors.Wrapf(err, "failed to decode response of %s", path)
	}
	return nil
}

func (r *Remote) call(op, method, path string, in, out any) error {
	if !r.connected {
		return callErr(op, ErrNotConnected)
	}
	return callErr(op, r.do(method, path, in, out))
}

func (r *Remote) FLCAbs(ch LensChannel) (int, error) {
	var v int
	err := r.call(OpFLCAbs, http.MethodGet, fmt.Sprintf("/lens/flc/%d", ch), nil, &v)
	return v, err
}

func (r *Remote) SetFLCAbs(ch LensChannel, value int) error {
	return r.call(OpSetFLCAbs, http.MethodPut, fmt.Sprintf("/lens/flc/%d", ch), value, nil)
}

func (r *Remote) SetBeamBlank(blank bool) error {
	return r.call(OpSetBeamBlank, http.MethodPut, "/deflector/beam-blank", blank, nil)
}

func (r *Remote) SpotSize() (int, error) {
	var v int
	err := r.call(OpSpotSize, http.MethodGet, "/eos/spot-size", nil, &v)
	return v, err
}

func (r *Remote) SelectSpotSize(size int) error {
	return r.call(OpSelectSpotSize, http.MethodPut, "/eos/spot-size", size, nil)
}

func (r *Remote) AttachedDetectors() ([]DetectorID, error) {
	var ids []DetectorID
	err := r.call(OpAttachedDetectors, http.MethodGet, "/detectors", nil, &ids)
	return ids, err
}

func (r *Remote) DetectorPosition(id DetectorID) (DetectorPosition, error) {
	var pos DetectorPosition
	err := r.call(OpDetectorPosition, http.MethodGet, "/detectors/"+url.PathEscape(string(id))+"/position", nil, &pos)
	return pos, err
}

func (r *Remote) SetDetectorPosition(id DetectorID, pos DetectorPosition) error {
	return r.call(OpSetDetectorPosition, http.MethodPut, "/detectors/"+url.PathEscape(string(id))+"/position", pos, nil)
}

func (r *Remote) SetScreen(pos ScreenPosition) error {
	return r.call(OpSetScreen, http.MethodPut, "/screen", pos, nil)
}
