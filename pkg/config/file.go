package config

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/temlab/beamshower/pkg/shower"
	"github.com/temlab/beamshower/pkg/tem"
	"github.com/temlab/beamshower/pkg/utils/ptr"
)

var (
	defaultFileConfig = &RawFileConfig{
		DurationMinutes:      ptr.To(15),
		CL1:                  ptr.To("03E8"),
		CL2:                  ptr.To("03E8"),
		CL3:                  ptr.To("03E8"),
		SpotSize:             ptr.To(shower.DefaultSpotSize),
		// Settle times used on the instrument the procedure was written
		// for. Detector and screen motors are the slowest.
		BlankSettle:          ptr.To("1s"),
		LensSettle:           ptr.To("2s"),
		DetectorSettle:       ptr.To("10s"),
		Tick:                 ptr.To("1s"),
		// The detector controller on that instrument takes 1 as the move
		// command in both directions.
		DetectorRemovedCode:  ptr.To(1),
		DetectorInsertedCode: ptr.To(1),
		BackupPath:           ptr.To(shower.DefaultBackupPath),
		JournalPath:          ptr.To("/var/lib/beamshower/journal.db"),
		GatewayAddress:       ptr.To(""),
		AllowNonRootAccess:   ptr.To(false),
	}
)

var _ Config = &File{}

type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = &RawFileConfig{}
	}

	f := &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}

	return f
}

type RawFileConfig struct {
	DurationMinutes      *int    `json:"durationMinutes,omitempty"`
	CL1                  *string `json:"cl1,omitempty"`
	CL2                  *string `json:"cl2,omitempty"`
	CL3                  *string `json:"cl3,omitempty"`
	SpotSize             *int    `json:"spotSize,omitempty"`
	BlankSettle          *string `json:"blankSettle,omitempty"`
	LensSettle           *string `json:"lensSettle,omitempty"`
	DetectorSettle       *string `json:"detectorSettle,omitempty"`
	Tick                 *string `json:"tick,omitempty"`
	DetectorRemovedCode  *int    `json:"detectorRemovedCode,omitempty"`
	DetectorInsertedCode *int    `json:"detectorInsertedCode,omitempty"`
	BackupPath           *string `json:"backupPath,omitempty"`
	JournalPath          *string `json:"journalPath,omitempty"`
	GatewayAddress       *string `json:"gatewayAddress,omitempty"`
	AllowNonRootAccess   *bool   `json:"allowNonRootAccess,omitempty"`
}

func NewRawFileConfigFromConfig(c Config) (*RawFileConfig, error) {
	if c == nil {
		return nil, pkgerrors.New("config is nil")
	}

	cl1, cl2, cl3 := c.LensValues()
	rawConfig := &RawFileConfig{
		DurationMinutes:      ptr.To(c.DurationMinutes()),
		CL1:                  ptr.To(cl1),
		CL2:                  ptr.To(cl2),
		CL3:                  ptr.To(cl3),
		SpotSize:             ptr.To(c.SpotSize()),
		BlankSettle:          ptr.To(c.BlankSettle().String()),
		LensSettle:           ptr.To(c.LensSettle().String()),
		DetectorSettle:       ptr.To(c.DetectorSettle().String()),
		Tick:                 ptr.To(c.Tick().String()),
		DetectorRemovedCode:  ptr.To(int(c.DetectorRemovedCode())),
		DetectorInsertedCode: ptr.To(int(c.DetectorInsertedCode())),
		BackupPath:           ptr.To(c.BackupPath()),
		JournalPath:          ptr.To(c.JournalPath()),
		GatewayAddress:       ptr.To(c.GatewayAddress()),
		AllowNonRootAccess:   ptr.To(c.AllowNonRootAccess()),
	}

	return rawConfig, nil
}

// validate rejects values that would only fail later, mid-run.
func (r *RawFileConfig) validate() error {
	for name, s := range map[string]*string{
		"blankSettle":    r.BlankSettle,
		"lensSettle":     r.LensSettle,
		"detectorSettle": r.DetectorSettle,
		"tick":           r.Tick,
	} {
		if s == nil {
			continue
		}
		d, err := time.ParseDuration(*s)
		if err != nil {
			return pkgerrors.Wrapf(err, "invalid %s", name)
		}
		if d < 0 {
			return pkgerrors.Errorf("%s must not be negative, got %s", name, d)
		}
	}
	if r.Tick != nil {
		if d, _ := time.ParseDuration(*r.Tick); d <= 0 {
			return pkgerrors.Errorf("tick must be positive, got %s", *r.Tick)
		}
	}
	for name, code := range map[string]*int{
		"detectorRemovedCode":  r.DetectorRemovedCode,
		"detectorInsertedCode": r.DetectorInsertedCode,
	} {
		if code != nil && *code < 0 {
			return pkgerrors.Errorf("%s must not be negative, got %d", name, *code)
		}
	}
	return nil
}

func pick[T any](v, def *T) T {
	if v != nil {
		return *v
	}
	return *def
}

func (f *File) durationOf(v, def *string) time.Duration {
	d, err := time.ParseDuration(pick(v, def))
	if err != nil {
		// validate() ran on Load, so only a hand-built config gets here.
		d, _ = time.ParseDuration(*def)
	}
	return d
}

func (f *File) DurationMinutes() int {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return pick(f.c.DurationMinutes, defaultFileConfig.DurationMinutes)
}

func (f *File) LensValues() (cl1, cl2, cl3 string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return pick(f.c.CL1, defaultFileConfig.CL1),
		pick(f.c.CL2, defaultFileConfig.CL2),
		pick(f.c.CL3, defaultFileConfig.CL3)
}

func (f *File) SpotSize() int {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return pick(f.c.SpotSize, defaultFileConfig.SpotSize)
}

func (f *File) BlankSettle() time.Duration {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.durationOf(f.c.BlankSettle, defaultFileConfig.BlankSettle)
}

func (f *File) LensSettle() time.Duration {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.durationOf(f.c.LensSettle, defaultFileConfig.LensSettle)
}

func (f *File) DetectorSettle() time.Duration {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.durationOf(f.c.DetectorSettle, defaultFileConfig.DetectorSettle)
}

func (f *File) Tick() time.Duration {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.durationOf(f.c.Tick, defaultFileConfig.Tick)
}

func (f *File) DetectorRemovedCode() tem.DetectorPosition {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return tem.DetectorPosition(pick(f.c.DetectorRemovedCode, defaultFileConfig.DetectorRemovedCode))
}

func (f *File) DetectorInsertedCode() tem.DetectorPosition {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return tem.DetectorPosition(pick(f.c.DetectorInsertedCode, defaultFileConfig.DetectorInsertedCode))
}

func (f *File) BackupPath() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return pick(f.c.BackupPath, defaultFileConfig.BackupPath)
}

func (f *File) JournalPath() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return pick(f.c.JournalPath, defaultFileConfig.JournalPath)
}

func (f *File) GatewayAddress() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return pick(f.c.GatewayAddress, defaultFileConfig.GatewayAddress)
}

func (f *File) AllowNonRootAccess() bool {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return pick(f.c.AllowNonRootAccess, defaultFileConfig.AllowNonRootAccess)
}

func (f *File) ShowerRequest() shower.Request {
	cl1, cl2, cl3 := f.LensValues()
	return shower.Request{
		DurationMinutes: f.DurationMinutes(),
		CL1:             cl1,
		CL2:             cl2,
		CL3:             cl3,
		SpotSize:        f.SpotSize(),
	}
}

func (f *File) SetDurationMinutes(i int) {
	if f.c == nil {
		panic("config is nil")
	}

	if i < shower.MinDurationMinutes || i > shower.MaxDurationMinutes {
		panic("duration out of range")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.DurationMinutes = &i
}

func (f *File) SetLensValues(cl1, cl2, cl3 string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.CL1 = &cl1
	f.c.CL2 = &cl2
	f.c.CL3 = &cl3
}

func (f *File) SetSpotSize(i int) {
	if f.c == nil {
		panic("config is nil")
	}

	if i < shower.MinSpotSize || i > shower.MaxSpotSize {
		panic("spot size out of range")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.SpotSize = &i
}

func (f *File) SetAllowNonRootAccess(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.c.AllowNonRootAccess = &b
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fp, err := os.Open(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// If the file does not exist, return the empty config.
			// Do not make f.c a nil.
			f.c = &RawFileConfig{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	// Since we want to tell if the file is empty, using json.Decoder will
	// not work.
	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}

	if strings.TrimSpace(string(b)) == "" {
		f.c = &RawFileConfig{}
		return nil
	}

	conf := RawFileConfig{}
	err = json.Unmarshal(b, &conf)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	if err := conf.validate(); err != nil {
		return pkgerrors.Wrapf(err, "invalid config in file %s", f.filepath)
	}
	f.c = &conf

	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	fp, err := os.OpenFile(f.filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	enc := json.NewEncoder(fp)
	enc.SetIndent("", "  ")
	err = enc.Encode(f.c)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config to file %s", f.filepath)
	}

	return nil
}

func (f *File) LogrusFields() logrus.Fields {
	if f.c == nil {
		panic("config is nil")
	}

	cl1, cl2, cl3 := f.LensValues()
	return logrus.Fields{
		"durationMinutes":      f.DurationMinutes(),
		"cl1":                  cl1,
		"cl2":                  cl2,
		"cl3":                  cl3,
		"spotSize":             f.SpotSize(),
		"blankSettle":          f.BlankSettle(),
		"lensSettle":           f.LensSettle(),
		"detectorSettle":       f.DetectorSettle(),
		"tick":                 f.Tick(),
		"detectorRemovedCode":  f.DetectorRemovedCode(),
		"detectorInsertedCode": f.DetectorInsertedCode(),
		"backupPath":           f.BackupPath(),
		"journalPath":          f.JournalPath(),
		"gatewayAddress":       f.GatewayAddress(),
		"allowNonRootAccess":   f.AllowNonRootAccess(),
	}
}
