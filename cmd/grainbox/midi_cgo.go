//go:build cgo

package main

import (
	"fmt"

	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/cbegin/grainbox-go"
	"github.com/cbegin/grainbox-go/internal/midiin"
)

// connectMIDI attaches the named input port (or the first one) to pl.
func connectMIDI(pl *grainbox.Player, port string, channel int) (func(), error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("open rtmidi: %w", err)
	}
	ins, err := drv.Ins()
	if err != nil {
		drv.Close()
		return nil, err
	}
	in, err := midiin.FindIn(ins, port)
	if err != nil {
		drv.Close()
		return nil, err
	}
	if err := pl.ListenMIDI(in, channel); err != nil {
		drv.Close()
		return nil, err
	}
	return func() { drv.Close() }, nil
}

func listMIDI() ([]string, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, err
	}
	defer drv.Close()
	ins, err := drv.Ins()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(ins))
	for i, in := range ins {
		names[i] = in.String()
	}
	return names, nil
}
