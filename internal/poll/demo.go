package poll

import (
	"math"
	"math/rand"
	"time"

	"github.com/banshee-data/power.bench/internal/psu"
	"github.com/banshee-data/power.bench/internal/scpi"
	"github.com/banshee-data/power.bench/internal/timeutil"
)

// demoSource generates plausible bench-supply readings with no hardware: CH1
// looks like a 5 V logic rail under a slowly varying load, CH2 like a 12 V
// rail that occasionally dips into current limiting.
type demoSource struct {
	clock timeutil.Clock
	start time.Time
	rng   *rand.Rand
}

func newDemoSource(clock timeutil.Clock) *demoSource {
	return &demoSource{
		clock: clock,
		start: clock.Now(),
		rng:   rand.New(rand.NewSource(clock.Now().UnixNano())),
	}
}

func (d *demoSource) elapsed() float64 {
	return d.clock.Since(d.start).Seconds()
}

func (d *demoSource) noise(scale float64) float64 {
	return (d.rng.Float64() - 0.5) * scale
}

// Reading returns the next synthetic snapshot.
func (d *demoSource) Reading() psu.Reading {
	t := d.elapsed()

	v1 := 5.0 + d.noise(0.01)
	i1 := 0.8 + 0.3*math.Sin(t/7) + d.noise(0.02)
	v2 := 12.0 + d.noise(0.02)
	i2 := 1.5 + 0.5*math.Sin(t/13) + d.noise(0.03)

	// CH2 sags when the load pushes it into current limiting.
	if d.ch2Limiting() {
		v2 = 11.2 + d.noise(0.05)
		i2 = 2.0
	}

	return psu.Reading{
		Timestamp: d.clock.Now(),
		CH1:       psu.ChannelReading{Voltage: &v1, Current: &i1},
		CH2:       psu.ChannelReading{Voltage: &v2, Current: &i2},
	}
}

// Status returns a status snapshot consistent with the synthetic readings.
func (d *demoSource) Status() scpi.Status {
	ch2Mode := scpi.ConstantVoltage
	if d.ch2Limiting() {
		ch2Mode = scpi.ConstantCurrent
	}
	return scpi.Status{
		CH1Mode:   scpi.ConstantVoltage,
		CH2Mode:   ch2Mode,
		Tracking:  scpi.TrackingIndependent,
		CH1Output: true,
		CH2Output: true,
	}
}

func (d *demoSource) ch2Limiting() bool {
	return math.Sin(d.elapsed()/13) > 0.9
}
