// Package main is the entry point for the rhythmd daemon.
// rhythmd is a headless rhythm analysis daemon: it consumes PCM from a
// file or a capture stream, tracks tempo and beat phase, and exposes
// the results to clients over IPC and the session bus.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/goccmack/godsp"
	"github.com/goccmack/godsp/peaks"

	"github.com/Jdubz/blinky-time-sub003/internal/audio"
	"github.com/Jdubz/blinky-time-sub003/internal/broadcast"
	"github.com/Jdubz/blinky-time-sub003/internal/config"
	"github.com/Jdubz/blinky-time-sub003/internal/engine"
	"github.com/Jdubz/blinky-time-sub003/internal/ipc"
)

// Version is set at build time via ldflags
var Version = "dev"

// Flags holds the daemon command line
type Flags struct {
	Input      string
	InputRate  int
	SocketPath string
	ConfigDir  string
	Profile    string
	Monitor    bool
	Click      string
	DumpDir    string
	IntervalMs int
	DBus       bool
	Realtime   bool
	Verbose    bool
}

func main() {
	flags := parseFlags()

	if flags.Verbose {
		log.Printf("rhythmd version %s starting...", Version)
	}

	// Create context that cancels on interrupt signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	if err := run(ctx, flags); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func parseFlags() *Flags {
	flags := &Flags{}

	flag.StringVar(&flags.Input, "input", "-", "Input: WAV file path, or '-' for raw s16le mono PCM on stdin")
	flag.IntVar(&flags.InputRate, "rate", audio.AnalysisRate, "Sample rate of a raw PCM input stream")
	flag.StringVar(&flags.SocketPath, "socket", "", "IPC socket path (default: from config)")
	flag.StringVar(&flags.ConfigDir, "config", "", "Configuration directory (default: ~/.config/rhythmd)")
	flag.StringVar(&flags.Profile, "profile", "", "Tuning profile to apply on startup (default: from config)")
	flag.BoolVar(&flags.Monitor, "monitor", false, "Play the analysis input back through the default output")
	flag.StringVar(&flags.Click, "click", "", "Write a click track WAV of declared beats at end of input")
	flag.StringVar(&flags.DumpDir, "dump", "", "Write per-frame analysis traces to this directory at end of input")
	flag.IntVar(&flags.IntervalMs, "interval", 0, "Tempo re-estimation interval in ms (0 = keep configured value)")
	flag.BoolVar(&flags.DBus, "dbus", true, "Broadcast beat and tempo signals on the session bus")
	flag.BoolVar(&flags.Realtime, "realtime", true, "Pace a file input at the nominal frame rate instead of analyzing flat out")
	flag.BoolVar(&flags.Verbose, "verbose", false, "Enable verbose logging")
	flag.Parse()

	// Set defaults
	if flags.ConfigDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("Failed to get home directory: %v", err)
		}
		flags.ConfigDir = homeDir + "/.config/rhythmd"
	}

	return flags
}

func run(ctx context.Context, flags *Flags) error {
	// Initialize config manager
	configMgr := config.NewManager(flags.ConfigDir)
	if err := configMgr.Load(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := configMgr.Get()

	socketPath := flags.SocketPath
	if socketPath == "" {
		socketPath = cfg.SocketPath
	}

	// Load tuning profiles
	profiles, err := config.LoadProfiles(configMgr.GetProfilePath())
	if err != nil {
		return fmt.Errorf("failed to load profiles: %w", err)
	}
	if names := profiles.Names(); len(names) > 0 {
		log.Printf("[CONFIG] Loaded %d profiles: %v", len(names), names)
	}

	// Build the engine from config params, then overlay the profile
	params := cfg.Params
	profileName := flags.Profile
	if profileName == "" {
		profileName = cfg.Profile
	}
	if profileName != "" {
		if err := profiles.Apply(profileName, &params); err != nil {
			return fmt.Errorf("failed to apply profile: %w", err)
		}
		log.Printf("[CONFIG] Applied profile %q", profileName)
	}
	if flags.IntervalMs > 0 {
		params.TempoIntervalMs = flags.IntervalMs
	}

	eng := engine.New()
	eng.ApplyParams(params)
	d := newDaemon(eng, profiles)
	d.profile = profileName

	// Open the input source
	source, paced, err := openSource(flags)
	if err != nil {
		return err
	}
	defer source.Close()

	// Optional playback monitor
	var monitor *audio.Monitor
	if flags.Monitor {
		monitor, err = audio.NewMonitor(audio.AnalysisRate)
		if err != nil {
			log.Printf("[AUDIO] Warning: failed to open monitor output: %v", err)
		} else {
			defer monitor.Close()
			log.Printf("[AUDIO] Monitoring input on default output")
		}
	}

	// Session bus broadcast (best effort, not fatal)
	var caster broadcast.Broadcaster = broadcast.NewNoOpBroadcaster()
	if flags.DBus {
		if b, err := broadcast.NewBroadcaster(); err != nil {
			log.Printf("[DBUS] Warning: failed to connect: %v", err)
			log.Printf("[DBUS] Continuing without bus broadcast")
		} else {
			caster = b
			defer b.Close()
			log.Printf("[DBUS] Broadcasting rhythm signals")
		}
	}

	// Start the IPC server
	server := ipc.NewServer(socketPath, d)
	serverDone := make(chan error, 1)
	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	go func() { serverDone <- server.Start(serverCtx) }()
	log.Printf("Starting IPC server on %s", socketPath)

	// Run the analysis loop until the input ends or we are signalled
	frameRate := cfg.FrameRateHz
	if frameRate <= 0 {
		frameRate = 60
	}
	trace := newTraceRecorder(flags.DumpDir != "" || flags.Click != "")
	err = analysisLoop(ctx, d, source, monitor, server, caster, frameRate, paced && flags.Realtime, trace, flags.Verbose)

	// End-of-input diagnostics
	if flags.DumpDir != "" {
		if dumpErr := trace.dump(flags.DumpDir, frameRate); dumpErr != nil {
			log.Printf("[DUMP] Warning: %v", dumpErr)
		}
	}
	if flags.Click != "" {
		durationMs := float64(len(trace.energy)) * 1000 / frameRate
		if clickErr := audio.WriteClickTrack(flags.Click, trace.beats, durationMs); clickErr != nil {
			log.Printf("[CLICK] Warning: %v", clickErr)
		} else {
			log.Printf("[CLICK] Wrote %d beats to %s", len(trace.beats), flags.Click)
		}
	}

	stopServer()
	<-serverDone
	return err
}

// openSource builds the PCM source. The bool reports whether the source
// delivers faster than real time and needs pacing.
func openSource(flags *Flags) (audio.Source, bool, error) {
	if flags.Input == "-" {
		log.Printf("[AUDIO] Reading raw PCM from stdin at %d Hz", flags.InputRate)
		return audio.NewStreamSource(os.Stdin, flags.InputRate), false, nil
	}

	src, err := audio.NewWavSource(flags.Input)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open input: %w", err)
	}
	log.Printf("[AUDIO] Loaded %s: %.1fs at %d Hz",
		filepath.Base(flags.Input),
		float64(src.Duration())/audio.AnalysisRate, audio.AnalysisRate)
	return src, true, nil
}

// analysisLoop drives the engine one frame at a time and fans results
// out to the monitor, the IPC subscribers, and the bus.
func analysisLoop(
	ctx context.Context,
	d *daemon,
	source audio.Source,
	monitor *audio.Monitor,
	server *ipc.Server,
	caster broadcast.Broadcaster,
	frameRate float64,
	paced bool,
	trace *traceRecorder,
	verbose bool,
) error {
	dt := 1.0 / frameRate
	samplesPerFrame := float64(audio.AnalysisRate) / frameRate

	var ticker *time.Ticker
	if paced {
		ticker = time.NewTicker(time.Duration(dt * float64(time.Second)))
		defer ticker.Stop()
	}

	buf := make([]int16, int(samplesPerFrame)+2)
	carry := 0.0
	lastBPM := 0.0
	frames := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		// Fractional samples per frame: 16000/60 is not an integer, so
		// carry the remainder instead of drifting off the audio clock.
		carry += samplesPerFrame
		want := int(carry)
		carry -= float64(want)

		n, readErr := readFull(source, buf[:want])
		if readErr != nil && readErr != io.EOF {
			return fmt.Errorf("input read error: %w", readErr)
		}

		samples := buf[:n]
		control := d.step(samples, dt)
		frames++

		if monitor != nil {
			monitor.Write(samples)
		}
		trace.record(d, control)

		beat, predicted, bpm, phase, strength, nowMs := d.snapshot()
		if beat {
			event := &ipc.BeatEvent{
				BPM:       bpm,
				Phase:     phase,
				Strength:  strength,
				Predicted: predicted,
				Timestamp: nowMs,
			}
			server.PushBeat(event)
			if err := caster.EmitBeat(broadcast.BeatSignal{
				BPM:         bpm,
				Phase:       phase,
				Strength:    strength,
				Predicted:   predicted,
				TimestampMs: nowMs,
			}); err != nil && verbose {
				log.Printf("[DBUS] Beat emit failed: %v", err)
			}
		}
		if bpm > 0 && math.Abs(bpm-lastBPM) > 0.5 {
			lastBPM = bpm
			if err := caster.EmitTempoChanged(bpm, strength); err != nil && verbose {
				log.Printf("[DBUS] Tempo emit failed: %v", err)
			}
			if verbose {
				log.Printf("[TEMPO] %.1f BPM (strength %.2f)", bpm, strength)
			}
		}

		if readErr == io.EOF {
			log.Printf("[AUDIO] Input ended after %d frames", frames)
			return nil
		}

		if paced {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	}
}

// readFull fills dst from the source, returning io.EOF alongside any
// final partial batch.
func readFull(src audio.Source, dst []int16) (int, error) {
	total := 0
	for total < len(dst) {
		n, err := src.Read(dst[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.EOF
		}
	}
	return total, nil
}

// traceRecorder captures per-frame values for end-of-run diagnostics.
type traceRecorder struct {
	enabled bool

	energy   []float64
	pulse    []float64
	strength []float64
	bpm      []float64
	beats    []float64 // beat times in ms
}

func newTraceRecorder(enabled bool) *traceRecorder {
	return &traceRecorder{enabled: enabled}
}

func (tr *traceRecorder) record(d *daemon, control engine.AudioControl) {
	if !tr.enabled {
		return
	}
	beat, _, bpm, _, _, nowMs := d.snapshot()
	tr.energy = append(tr.energy, control.Energy)
	tr.pulse = append(tr.pulse, control.Pulse)
	tr.strength = append(tr.strength, control.RhythmStrength)
	tr.bpm = append(tr.bpm, bpm)
	if beat {
		tr.beats = append(tr.beats, float64(nowMs))
	}
}

// dump writes the traces as plain data files and logs a peak-count
// sanity check against the declared beats.
func (tr *traceRecorder) dump(dir string, frameRate float64) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create dump directory: %w", err)
	}

	files := map[string][]float64{
		"energy":   tr.energy,
		"pulse":    tr.pulse,
		"strength": tr.strength,
		"bpm":      tr.bpm,
	}
	for name, data := range files {
		godsp.WriteDataFile(data, filepath.Join(dir, name))
	}

	// Peaks in the pulse trace should roughly match the declared beats;
	// a large mismatch means the tracker and the transients disagree.
	minSep := int(frameRate * 60 / 200) // one beat at the BPM ceiling
	if minSep < 1 {
		minSep = 1
	}
	pulsePeaks := peaks.Get(tr.pulse, minSep)
	log.Printf("[DUMP] %d frames, %d pulse peaks, %d declared beats -> %s",
		len(tr.pulse), len(pulsePeaks), len(tr.beats), dir)
	return nil
}
