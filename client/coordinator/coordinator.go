// Package coordinator decides playback corrections relative to the sync master.
package coordinator

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/adwski/roomsync/client/model"
)

const (
	DefaultTolerance      = 2 * time.Second
	DefaultMajorDesync    = 5 * time.Second
	DefaultMinorSpeedStep = 0.05
	DefaultSpeedEpsilon   = 0.01
	DefaultCooldown       = 3 * time.Second
)

var ErrInvalidConfig = errors.New("invalid sync config")

type (
	// Config holds the sync tolerances. Within Tolerance only speed is
	// aligned, beyond it the follower is nudged by MinorSpeedStep and
	// beyond MajorDesync it is seeked. A paused follower is seeked as soon
	// as it is out of Tolerance.
	Config struct {
		Tolerance      time.Duration `yaml:"tolerance"`
		MajorDesync    time.Duration `yaml:"major_desync"`
		MinorSpeedStep float64       `yaml:"minor_speed_step"`
		SpeedEpsilon   float64       `yaml:"speed_epsilon"`
		Cooldown       time.Duration `yaml:"cooldown"`
		SyncPause      bool          `yaml:"sync_pause"`
		SyncTracks     bool          `yaml:"sync_tracks"`
	}

	// Report is a playback state sample of one participant.
	Report struct {
		Speed     float64
		Position  time.Duration
		Paused    bool
		Audio     *int64
		Subtitles *int64
		At        time.Time
	}

	// Tracks selects the audio and subtitle tracks. Nil disables a track.
	Tracks struct {
		Audio     *int64
		Subtitles *int64
	}

	// Correction is a corrective command for Target. Nil fields are left unchanged.
	Correction struct {
		Target model.UserID
		Speed  *float64
		Seek   *time.Duration
		Pause  *bool
		Tracks *Tracks
	}

	Coordinator struct {
		reports        map[model.UserID]Report
		lastCorrection map[model.UserID]time.Time
		latencies      map[model.UserID]time.Duration
		self           model.UserID
		master         model.UserID
		cfg            Config
	}
)

func DefaultConfig() Config {
	return Config{
		Tolerance:      DefaultTolerance,
		MajorDesync:    DefaultMajorDesync,
		MinorSpeedStep: DefaultMinorSpeedStep,
		SpeedEpsilon:   DefaultSpeedEpsilon,
		Cooldown:       DefaultCooldown,
		SyncPause:      true,
	}
}

// Validate checks the ranges accepted for room sync settings.
func (c Config) Validate() error {
	switch {
	case c.Tolerance < time.Second || c.Tolerance > 3*time.Second:
		return fmt.Errorf("%w: tolerance %s not in [1s, 3s]", ErrInvalidConfig, c.Tolerance)
	case c.MajorDesync < 4*time.Second || c.MajorDesync > 10*time.Second:
		return fmt.Errorf("%w: major desync %s not in [4s, 10s]", ErrInvalidConfig, c.MajorDesync)
	case c.MinorSpeedStep < 0.01 || c.MinorSpeedStep > 0.1:
		return fmt.Errorf("%w: minor speed step %.3f not in [0.01, 0.1]", ErrInvalidConfig, c.MinorSpeedStep)
	case c.SpeedEpsilon <= 0 || c.SpeedEpsilon >= c.MinorSpeedStep:
		return fmt.Errorf("%w: speed epsilon %.3f not in (0, step)", ErrInvalidConfig, c.SpeedEpsilon)
	case c.Cooldown <= 0:
		return fmt.Errorf("%w: cooldown must be positive", ErrInvalidConfig)
	}
	return nil
}

// Extrapolate estimates the position at now.
func (r Report) Extrapolate(now time.Time) time.Duration {
	if r.Paused || r.At.IsZero() || now.Before(r.At) {
		return r.Position
	}
	return r.Position + time.Duration(float64(now.Sub(r.At))*r.Speed)
}

func New(self model.UserID, cfg Config) *Coordinator {
	return &Coordinator{
		self:           self,
		cfg:            cfg,
		reports:        make(map[model.UserID]Report),
		lastCorrection: make(map[model.UserID]time.Time),
		latencies:      make(map[model.UserID]time.Duration),
	}
}

func (c *Coordinator) Tune(cfg Config) { c.cfg = cfg }

// Designate makes uid the master. An empty uid clears the designation.
func (c *Coordinator) Designate(uid model.UserID) {
	if c.master != uid {
		clear(c.lastCorrection)
	}
	c.master = uid
}

func (c *Coordinator) Master() (model.UserID, bool) {
	return c.master, c.master != ""
}

func (c *Coordinator) IsMaster() bool {
	return c.master != "" && c.master == c.self
}

func (c *Coordinator) SetLatencies(table map[model.UserID]time.Duration) {
	clear(c.latencies)
	for k, v := range table {
		c.latencies[k] = v
	}
}

// Forget drops everything known about uid. It reports whether uid was the
// master, in which case the designation is cleared.
func (c *Coordinator) Forget(uid model.UserID) bool {
	delete(c.reports, uid)
	delete(c.lastCorrection, uid)
	delete(c.latencies, uid)
	if uid != "" && uid == c.master {
		c.master = ""
		return true
	}
	return false
}

// Reset clears the master and every report.
func (c *Coordinator) Reset() {
	c.master = ""
	clear(c.reports)
	clear(c.lastCorrection)
	clear(c.latencies)
}

// Observe records a report and returns the corrections it triggers. Only
// the master issues corrections: a master report re-checks every follower,
// a follower report checks that follower.
func (c *Coordinator) Observe(uid model.UserID, r Report, now time.Time) []Correction {
	if r.At.IsZero() {
		r.At = now
	}
	c.reports[uid] = r
	if !c.IsMaster() {
		return nil
	}

	var targets []model.UserID
	if uid == c.master {
		for f := range c.reports {
			if f != c.master {
				targets = append(targets, f)
			}
		}
		sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	} else {
		targets = []model.UserID{uid}
	}

	var out []Correction
	for _, f := range targets {
		if corr, ok := c.evaluate(f, now); ok {
			out = append(out, corr)
		}
	}
	return out
}

func (c *Coordinator) evaluate(f model.UserID, now time.Time) (Correction, bool) {
	mr, ok := c.reports[c.master]
	if !ok {
		return Correction{}, false
	}
	fr, ok := c.reports[f]
	if !ok {
		return Correction{}, false
	}
	if last, ok := c.lastCorrection[f]; ok && now.Sub(last) < c.cfg.Cooldown {
		return Correction{}, false
	}

	masterPos := mr.Extrapolate(now) + c.transit(c.master, mr)
	followerPos := fr.Extrapolate(now) + c.transit(f, fr)
	drift := masterPos - followerPos
	abs := drift
	if abs < 0 {
		abs = -abs
	}

	corr := Correction{Target: f}
	if c.cfg.SyncPause && mr.Paused != fr.Paused {
		p := mr.Paused
		corr.Pause = &p
	}
	if c.cfg.SyncTracks && (!sameTrack(mr.Audio, fr.Audio) || !sameTrack(mr.Subtitles, fr.Subtitles)) {
		corr.Tracks = &Tracks{Audio: mr.Audio, Subtitles: mr.Subtitles}
	}

	paused := mr.Paused || fr.Paused
	switch {
	case abs >= c.cfg.MajorDesync, c.cfg.SyncPause && paused && abs > c.cfg.Tolerance:
		corr.Seek = &masterPos
		if c.speedDiffers(fr.Speed, mr.Speed) {
			s := mr.Speed
			corr.Speed = &s
		}
	case abs > c.cfg.Tolerance && !paused:
		s := mr.Speed + c.cfg.MinorSpeedStep
		if drift < 0 {
			s = mr.Speed - c.cfg.MinorSpeedStep
		}
		if c.speedDiffers(fr.Speed, s) {
			corr.Speed = &s
		}
	case c.speedDiffers(fr.Speed, mr.Speed):
		s := mr.Speed
		corr.Speed = &s
	}
	if corr.Speed == nil && corr.Seek == nil && corr.Pause == nil && corr.Tracks == nil {
		return Correction{}, false
	}
	c.lastCorrection[f] = now
	return corr, true
}

// transit is the age of a remote playing report at arrival: half the RTT.
func (c *Coordinator) transit(uid model.UserID, r Report) time.Duration {
	if uid == c.self || r.Paused {
		return 0
	}
	rtt, ok := c.latencies[uid]
	if !ok {
		return 0
	}
	return time.Duration(float64(rtt/2) * r.Speed)
}

func (c *Coordinator) speedDiffers(a, b float64) bool {
	return math.Abs(a-b) > c.cfg.SpeedEpsilon
}

func sameTrack(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
