package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cbegin/grainbox-go"
	"github.com/cbegin/grainbox-go/internal/audio"
	"github.com/cbegin/grainbox-go/internal/kit"
	"github.com/cbegin/grainbox-go/internal/midiin"
)

func main() {
	var (
		kitPath     = flag.String("kit", "", "path to a kit YAML file")
		sampleRate  = flag.Int("sample-rate", 48000, "output sample rate")
		backendName = flag.String("backend", string(audio.BackendEbiten), "audio backend: ebiten|oto")
		loop        = flag.Bool("loop", true, "loop the pattern; use with -loops to count then stop")
		loops       = flag.Int("loops", 0, "when looping, stop after N loops (0 = loop forever)")
		outPath     = flag.String("out", "", "render to this WAV file instead of playing")
		seconds     = flag.Float64("seconds", 8, "length of the -out render")
		bitDepth    = flag.Int("bit-depth", 16, "WAV bit depth for -out: 16|24")
		bpm         = flag.Float64("bpm", 0, "override the kit tempo")
		volume      = flag.Float64("volume", 1.0, "master volume scalar")
		live        = flag.Bool("live", false, "play no pattern; trigger the kit from MIDI only")
		midiPort    = flag.String("midi", "", "MIDI input port name (substring); empty = first port with -live")
		midiChannel = flag.Int("midi-channel", midiin.Omni, "MIDI channel 0-15, -1 = omni")
		listPorts   = flag.Bool("list-midi", false, "list MIDI input ports and exit")
		debug       = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if *listPorts {
		names, err := listMIDI()
		if err != nil {
			fatal(log, "list midi", err)
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return
	}
	if *kitPath == "" {
		fmt.Fprintln(os.Stderr, "usage: grainbox -kit kit.yaml [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}
	k, err := kit.Load(*kitPath)
	if err != nil {
		fatal(log, "load kit", err)
	}
	if *bpm > 0 {
		k.BPM = *bpm
	}
	if flagSet("loop") {
		k.Loop = *loop
	}

	if *outPath != "" {
		if err := render(k, *outPath, *sampleRate, *seconds, *bitDepth); err != nil {
			fatal(log, "render", err)
		}
		log.Info("rendered", "file", *outPath, "seconds", *seconds)
		return
	}

	backend, err := audio.ParseBackend(*backendName)
	if err != nil {
		fatal(log, "backend", err)
	}
	pl, err := grainbox.NewPlayer(*sampleRate, grainbox.WithBackend(backend), grainbox.WithLogger(log))
	if err != nil {
		fatal(log, "new player", err)
	}
	if err := pl.LoadKit(k); err != nil {
		fatal(log, "load kit", err)
	}
	pl.SetMasterVolume(*volume)

	if *live || *midiPort != "" {
		closeMIDI, err := connectMIDI(pl, *midiPort, *midiChannel)
		if err != nil {
			fatal(log, "midi", err)
		}
		defer closeMIDI()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	if *live {
		if err := pl.Live(); err != nil {
			fatal(log, "play", err)
		}
		go func() {
			<-sigs
			pl.Stop()
		}()
		pl.Wait()
		pl.Close()
		return
	}

	ch := pl.Watch()
	if err := pl.Play(); err != nil {
		fatal(log, "play", err)
	}
	loopCount := 0
	for {
		select {
		case <-sigs:
			pl.Close()
			return
		case event := <-ch:
			switch event.Kind {
			case grainbox.EventPlaybackEnded:
				fmt.Println("playback completed")
				pl.Close()
				return
			case grainbox.EventLoopCompleted:
				loopCount++
				fmt.Printf("loop %d completed\n", loopCount)
				if *loops > 0 && loopCount >= *loops {
					pl.Close()
					return
				}
			case grainbox.EventStep:
				log.Debug("step", "index", event.Step, "active", pl.Stats().ActiveVoices)
			}
		}
	}
}

func render(k *kit.Kit, path string, sampleRate int, seconds float64, bitDepth int) error {
	samples, err := grainbox.RenderKit(k, sampleRate, seconds)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := grainbox.WriteWAV(f, samples, sampleRate, 2, bitDepth); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func flagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func fatal(log *slog.Logger, what string, err error) {
	log.Error(what, "err", err)
	os.Exit(1)
}
