package service

import (
	"github.com/brutella/hc/characteristic"
	"github.com/brutella/hc/service"
)

type Fan struct {
	*service.Service

	On    *characteristic.On
	Speed *characteristic.RotationSpeed
}

// NewFan returns a fan service whose rotation speed moves in steps of
// step percent.
func NewFan(step float64) *Fan {
	svc := Fan{}
	svc.Service = service.New(service.TypeFan)

	svc.On = characteristic.NewOn()
	svc.AddCharacteristic(svc.On.Characteristic)

	svc.Speed = characteristic.NewRotationSpeed()
	svc.Speed.SetMinValue(0)
	svc.Speed.SetMaxValue(100)
	svc.Speed.SetStepValue(step)
	svc.AddCharacteristic(svc.Speed.Characteristic)

	return &svc
}
