package tem

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// NewGateway serves an Instrument over the JSON routes that Remote speaks.
// It lets the online path run against a simulated column, and is the seam
// a vendor SDK bridge implements on the microscope PC.
func NewGateway(inst Instrument) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	g := &gateway{inst: inst}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/ping", g.ping)
	router.GET("/lens/flc/:ch", g.getFLC)
	router.PUT("/lens/flc/:ch", g.setFLC)
	router.PUT("/deflector/beam-blank", g.setBeamBlank)
	router.GET("/eos/spot-size", g.getSpotSize)
	router.PUT("/eos/spot-size", g.setSpotSize)
	router.GET("/detectors", g.listDetectors)
	router.PUT("/screen", g.setScreen)
	router.GET("/detectors/:id/position", g.getDetectorPosition)
	router.PUT("/detectors/:id/position", g.setDetectorPosition)

	return router
}

type gateway struct {
	inst Instrument
}

func (g *gateway) fail(c *gin.Context, err error) {
	status := http.StatusBadGateway
	if errors.Is(err, ErrUnknownDetector) {
		status = http.StatusNotFound
	}
	logrus.WithError(err).WithField("path", c.Request.URL.Path).Warn("gateway call failed")
	c.IndentedJSON(status, err.Error())
	_ = c.AbortWithError(status, err)
}

func (g *gateway) badRequest(c *gin.Context, err error) {
	c.IndentedJSON(http.StatusBadRequest, err.Error())
	_ = c.AbortWithError(http.StatusBadRequest, err)
}

func (g *gateway) channel(c *gin.Context) (LensChannel, bool) {
	ch, err := strconv.Atoi(c.Param("ch"))
	if err != nil || ch < 0 {
		g.badRequest(c, errors.New("invalid lens channel"))
		return 0, false
	}
	return LensChannel(ch), true
}

func (g *gateway) ping(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, g.inst.Name())
}

func (g *gateway) getFLC(c *gin.Context) {
	ch, ok := g.channel(c)
	if !ok {
		return
	}
	v, err := g.inst.FLCAbs(ch)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, v)
}

func (g *gateway) setFLC(c *gin.Context) {
	ch, ok := g.channel(c)
	if !ok {
		return
	}
	var v int
	if err := c.BindJSON(&v); err != nil {
		g.badRequest(c, err)
		return
	}
	if err := g.inst.SetFLCAbs(ch, v); err != nil {
		g.fail(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, "ok")
}

func (g *gateway) setBeamBlank(c *gin.Context) {
	var b bool
	if err := c.BindJSON(&b); err != nil {
		g.badRequest(c, err)
		return
	}
	if err := g.inst.SetBeamBlank(b); err != nil {
		g.fail(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, "ok")
}

func (g *gateway) getSpotSize(c *gin.Context) {
	v, err := g.inst.SpotSize()
	if err != nil {
		g.fail(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, v)
}

func (g *gateway) setSpotSize(c *gin.Context) {
	var v int
	if err := c.BindJSON(&v); err != nil {
		g.badRequest(c, err)
		return
	}
	if err := g.inst.SelectSpotSize(v); err != nil {
		g.fail(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, "ok")
}

func (g *gateway) listDetectors(c *gin.Context) {
	ids, err := g.inst.AttachedDetectors()
	if err != nil {
		g.fail(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, ids)
}

func (g *gateway) getDetectorPosition(c *gin.Context) {
	pos, err := g.inst.DetectorPosition(DetectorID(c.Param("id")))
	if err != nil {
		g.fail(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, pos)
}

func (g *gateway) setDetectorPosition(c *gin.Context) {
	var pos DetectorPosition
	if err := c.BindJSON(&pos); err != nil {
		g.badRequest(c, err)
		return
	}
	if err := g.inst.SetDetectorPosition(DetectorID(c.Param("id")), pos); err != nil {
		g.fail(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, "ok")
}

func (g *gateway) setScreen(c *gin.Context) {
	var pos ScreenPosition
	if err := c.BindJSON(&pos); err != nil {
		g.badRequest(c, err)
		return
	}
	if err := g.inst.SetScreen(pos); err != nil {
		g.fail(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, "ok")
}
