package client

import (
	"encoding/json"
	"strconv"

	pkgerrors "github.com/pkg/errors"

	"github.com/temlab/beamshower/pkg/config"
	"github.com/temlab/beamshower/pkg/journal"
	"github.com/temlab/beamshower/pkg/shower"
)

func (c *Client) GetStatus() (*shower.Status, error) {
	ret, err := c.Get("/status")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get shower status")
	}

	var st shower.Status
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal shower status")
	}
	return &st, nil
}

// StartShower starts a run. A nil request uses the daemon configuration.
// It returns the run id.
func (c *Client) StartShower(req *shower.Request) (string, error) {
	payload := ""
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return "", err
		}
		payload = string(b)
	}

	ret, err := c.Post("/shower/start", payload)
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to start beam shower")
	}

	var resp struct {
		RunID string `json:"runId"`
	}
	if err := json.Unmarshal([]byte(ret), &resp); err != nil {
		return "", pkgerrors.Wrapf(err, "failed to unmarshal start response")
	}
	return resp.RunID, nil
}

func (c *Client) CancelShower() (string, error) {
	ret, err := c.Post("/shower/cancel", "")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to cancel beam shower")
	}
	return unquote(ret), nil
}

func (c *Client) SetDuration(minutes int) (string, error) {
	ret, err := c.Put("/config/duration", strconv.Itoa(minutes))
	return unquote(ret), err
}

// SetLens sets the configured lens values. Empty values are left unchanged.
func (c *Client) SetLens(cl1, cl2, cl3 string) (string, error) {
	payload, err := json.Marshal(map[string]string{"cl1": cl1, "cl2": cl2, "cl3": cl3})
	if err != nil {
		return "", err
	}
	ret, err := c.Put("/config/lens", string(payload))
	return unquote(ret), err
}

func (c *Client) SetSpotSize(size int) (string, error) {
	ret, err := c.Put("/config/spot-size", strconv.Itoa(size))
	return unquote(ret), err
}

func (c *Client) GetConfig() (*config.RawFileConfig, error) {
	ret, err := c.Get("/config")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get config")
	}

	var conf config.RawFileConfig
	if err := json.Unmarshal([]byte(ret), &conf); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal config")
	}

	return &conf, nil
}

// GetBackup returns the lens values saved by the last run.
func (c *Client) GetBackup() (*shower.Backup, error) {
	ret, err := c.Get("/backup")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get lens backup")
	}

	var b shower.Backup
	if err := json.Unmarshal([]byte(ret), &b); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal lens backup")
	}
	return &b, nil
}

func (c *Client) GetHistory(limit int) ([]journal.Run, error) {
	ret, err := c.Get("/history?limit=" + strconv.Itoa(limit))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get run history")
	}

	var runs []journal.Run
	if err := json.Unmarshal([]byte(ret), &runs); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal run history")
	}
	return runs, nil
}

func (c *Client) GetVersion() (string, error) {
	ret, err := c.Get("/version")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get version")
	}
	return unquote(ret), nil
}
