package accessory

import (
	"math"

	"github.com/brutella/hc/accessory"
	"github.com/milinda/switchfan/service"
	"github.com/milinda/switchfan/speed"
	"github.com/milinda/switchfan/switchfan"
)

type Fan struct {
	*accessory.Accessory
	Fan *service.Fan

	speeds       int
	speedControl bool
}

// NewFan returns a fan accessory for a fan with the given number of speeds.
// A single speed fan exposes no rotation speed changes.
func NewFan(info accessory.Info, speeds int) *Fan {
	acc := Fan{speeds: speeds, speedControl: speeds > 1}
	acc.Accessory = accessory.New(info, accessory.TypeFan)
	acc.Fan = service.NewFan(speed.Step(speeds))

	acc.Fan.Speed.SetValue(0)

	acc.AddService(acc.Fan.Service)

	return &acc
}

// Update mirrors a switch fan status onto the characteristics. An unknown
// percentage leaves the rotation speed untouched.
func (a *Fan) Update(status switchfan.Status) {
	a.Fan.On.SetValue(status.On)

	if status.PercentageKnown {
		a.Fan.Speed.SetValue(float64(status.Percentage))
	}
}

func (a *Fan) SpeedControl() bool {
	return a.speedControl
}

// Percentage maps a rotation speed set from HomeKit to the percentage of the
// nearest speed. HomeKit sends multiples of the step value, which are not
// integers for most speed counts.
func (a *Fan) Percentage(rotationSpeed float64) int {
	rank := int(math.Round(rotationSpeed / speed.Step(a.speeds)))
	return speed.Percentage(a.speeds, rank)
}
