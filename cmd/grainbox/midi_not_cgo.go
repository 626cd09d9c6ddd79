//go:build !cgo

package main

import (
	"errors"

	"github.com/cbegin/grainbox-go"
)

var errNoMIDI = errors.New("MIDI input needs a cgo build")

func connectMIDI(pl *grainbox.Player, port string, channel int) (func(), error) {
	return nil, errNoMIDI
}

func listMIDI() ([]string, error) {
	return nil, errNoMIDI
}
