package daemon

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/temlab/beamshower/pkg/config"
	"github.com/temlab/beamshower/pkg/events"
	"github.com/temlab/beamshower/pkg/journal"
	"github.com/temlab/beamshower/pkg/shower"
	"github.com/temlab/beamshower/pkg/version"
)

const defaultHistoryLimit = 20

type server struct {
	ctrl    *Controller
	conf    config.Config
	hub     *events.EventHub
	journal *journal.Journal
}

func abort(c *gin.Context, code int, err error) {
	c.IndentedJSON(code, err.Error())
	_ = c.AbortWithError(code, err)
}

func (s *server) getStatus(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.ctrl.Status())
}

// StartResponse is the reply to POST /shower/start.
type StartResponse struct {
	RunID string `json:"runId"`
}

func (s *server) startShower(c *gin.Context) {
	var req shower.Request
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		abort(c, http.StatusBadRequest, err)
		return
	}

	id, err := s.ctrl.Start(&req)
	switch {
	case errors.Is(err, shower.ErrInvalidParams):
		abort(c, http.StatusBadRequest, err)
		return
	case errors.Is(err, ErrShowerInProgress), errors.Is(err, ErrShowerNeedsRestore):
		abort(c, http.StatusConflict, err)
		return
	case err != nil:
		abort(c, http.StatusInternalServerError, err)
		return
	}

	c.IndentedJSON(http.StatusAccepted, StartResponse{RunID: id})
}

func (s *server) cancelShower(c *gin.Context) {
	err := s.ctrl.Cancel()
	switch {
	case errors.Is(err, ErrShowerNotRunning), errors.Is(err, ErrShowerRestoring):
		abort(c, http.StatusConflict, err)
		return
	case err != nil:
		abort(c, http.StatusInternalServerError, err)
		return
	}

	c.IndentedJSON(http.StatusAccepted, "ok")
}

func (s *server) getConfig(c *gin.Context) {
	fc, err := config.NewRawFileConfigFromConfig(s.conf)
	if err != nil {
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, fc)
}

func (s *server) save(c *gin.Context) bool {
	if err := s.conf.Save(); err != nil {
		logrus.Errorf("saveConfig failed: %v", err)
		abort(c, http.StatusInternalServerError, err)
		return false
	}
	return true
}

func (s *server) setDuration(c *gin.Context) {
	var d int
	if err := c.BindJSON(&d); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if d < shower.MinDurationMinutes || d > shower.MaxDurationMinutes {
		err := fmt.Errorf("%w: duration must be between %d and %d minutes, got %d",
			shower.ErrInvalidParams, shower.MinDurationMinutes, shower.MaxDurationMinutes, d)
		abort(c, http.StatusBadRequest, err)
		return
	}

	s.conf.SetDurationMinutes(d)
	if !s.save(c) {
		return
	}

	logrus.Infof("set shower duration to %d minutes", d)

	c.IndentedJSON(http.StatusCreated, fmt.Sprintf("set shower duration to %d minutes", d))
}

// LensRequest is the body of PUT /config/lens. Values are hexadecimal.
type LensRequest struct {
	CL1 string `json:"cl1"`
	CL2 string `json:"cl2"`
	CL3 string `json:"cl3"`
}

func (s *server) setLens(c *gin.Context) {
	var req LensRequest
	if err := c.BindJSON(&req); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	cur1, cur2, cur3 := s.conf.LensValues()
	vals := [3]string{}
	for i, in := range []struct{ s, cur string }{{req.CL1, cur1}, {req.CL2, cur2}, {req.CL3, cur3}} {
		if in.s == "" {
			vals[i] = in.cur
			continue
		}
		v, err := shower.ParseLensValue(in.s)
		if err != nil {
			abort(c, http.StatusBadRequest, fmt.Errorf("%w: CL%d: %v", shower.ErrInvalidParams, i+1, err))
			return
		}
		vals[i] = shower.FormatLensValue(v)
	}

	s.conf.SetLensValues(vals[0], vals[1], vals[2])
	if !s.save(c) {
		return
	}

	logrus.WithFields(logrus.Fields{
		"cl1": vals[0],
		"cl2": vals[1],
		"cl3": vals[2],
	}).Info("set shower lens values")

	c.IndentedJSON(http.StatusCreated, fmt.Sprintf("set lens values to CL1=%s CL2=%s CL3=%s", vals[0], vals[1], vals[2]))
}

func (s *server) setSpotSize(c *gin.Context) {
	var size int
	if err := c.BindJSON(&size); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if size < shower.MinSpotSize || size > shower.MaxSpotSize {
		err := fmt.Errorf("%w: spot size must be between %d and %d, got %d",
			shower.ErrInvalidParams, shower.MinSpotSize, shower.MaxSpotSize, size)
		abort(c, http.StatusBadRequest, err)
		return
	}

	s.conf.SetSpotSize(size)
	if !s.save(c) {
		return
	}

	logrus.Infof("set shower spot size to %d", size)

	c.IndentedJSON(http.StatusCreated, fmt.Sprintf("set shower spot size to %d", size))
}

func (s *server) getBackup(c *gin.Context) {
	b, err := shower.ReadBackupFile(s.conf.BackupPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			abort(c, http.StatusNotFound, fmt.Errorf("no backup at %s yet", s.conf.BackupPath()))
			return
		}
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, b)
}

func (s *server) getHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if q := c.Query("limit"); q != "" {
		l, err := strconv.Atoi(q)
		if err != nil || l < 0 {
			abort(c, http.StatusBadRequest, fmt.Errorf("invalid limit %q", q))
			return
		}
		limit = l
	}

	if s.journal == nil {
		c.IndentedJSON(http.StatusOK, []journal.Run{})
		return
	}

	runs, err := s.journal.List(limit)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, runs)
}

func (s *server) getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}

// streamEvents forwards hub events as server-sent events until the client
// goes away or the hub closes.
func (s *server) streamEvents(c *gin.Context) {
	ch := s.hub.Subscribe()
	defer s.hub.Unsubscribe(ch)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	// Flush headers so the client knows the stream is up.
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(_ io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, string(ev.Data))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
