// Command vadscan runs a WAV file through the VAD engine and prints the
// speech segments it finds.
//
//	vadscan [-chunk 512] [-threshold 0.5] [-min-silence 500ms] [-json] file.wav
//	vadscan -info [-json] file.wav
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/skypro1111/vad-service/internal/audio"
	"github.com/skypro1111/vad-service/internal/vad"
	"github.com/skypro1111/vad-service/internal/vad/silero"
)

const scanSession = "vadscan"

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "vadscan: %v\n", err)
		os.Exit(1)
	}
}

type scanReport struct {
	File       string             `json:"file"`
	SampleRate int                `json:"sample_rate"`
	Duration   float64            `json:"duration_seconds"`
	Backend    string             `json:"backend"`
	Chunk      int                `json:"chunk_samples"`
	Segments   []vad.VoiceSegment `json:"segments"`
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("vadscan", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		chunk      = fs.Int("chunk", 512, "samples per chunk fed to the engine")
		threshold  = fs.Float64("threshold", 0.5, "speech probability threshold")
		minSilence = fs.Duration("min-silence", 500*time.Millisecond, "silence that ends a segment")
		accounting = fs.String("accounting", string(vad.SilenceChunks), "silence accounting: chunks or samples")
		backend    = fs.String("backend", "energy", "scorer: energy or silero")
		modelPath  = fs.String("model", "./models/silero_vad.onnx", "silero model path")
		libPath    = fs.String("onnxruntime", "", "onnxruntime shared library path")
		asJSON     = fs.Bool("json", false, "print a JSON report")
		infoOnly   = fs.Bool("info", false, "print the WAV header and exit")
		verbose    = fs.Bool("v", false, "log engine events to stderr")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("expected exactly one WAV file")
	}
	path := fs.Arg(0)

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if *infoOnly {
		return printInfo(stdout, path, data, *asJSON)
	}
	pcm, info, err := audio.ExtractPCM(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	opts := []vad.Option{vad.WithLogger(logger)}
	switch *backend {
	case "energy":
	case "silero":
		s, err := silero.New(silero.Config{
			ModelPath:   *modelPath,
			LibraryPath: *libPath,
			SampleRate:  int(info.SampleRate),
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to load silero: %w", err)
		}
		defer s.Close()
		opts = append(opts, vad.WithScorer(s))
	default:
		return fmt.Errorf("unknown backend %q", *backend)
	}

	engine, err := vad.NewEngine(vad.Config{
		SampleRate:         int(info.SampleRate),
		Threshold:          *threshold,
		MinSilenceDuration: *minSilence,
		SilenceAccounting:  vad.SilenceAccounting(*accounting),
	}, opts...)
	if err != nil {
		return err
	}

	segments, err := vad.Scan(engine, pcm, *chunk, scanSession)
	if err != nil {
		return err
	}

	report := scanReport{
		File:       path,
		SampleRate: int(info.SampleRate),
		Duration:   info.Duration,
		Backend:    engine.Backend(),
		Chunk:      *chunk,
		Segments:   segments,
	}
	if report.Segments == nil {
		report.Segments = []vad.VoiceSegment{}
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	return printReport(stdout, report)
}

func printInfo(w io.Writer, path string, data []byte, asJSON bool) error {
	info, err := audio.GetWAVInfo(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if asJSON {
		return json.NewEncoder(w).Encode(info)
	}
	_, err = fmt.Fprintf(w, "%s: %d Hz, %d channel(s), %d-bit, %d samples, %.3fs\n",
		path, info.SampleRate, info.Channels, info.BitsPerSample, info.NumSamples, info.Duration)
	return err
}

func printReport(w io.Writer, r scanReport) error {
	fmt.Fprintf(w, "%s: %d Hz, %.2fs, backend=%s, chunk=%d samples\n",
		r.File, r.SampleRate, r.Duration, r.Backend, r.Chunk)
	if len(r.Segments) == 0 {
		_, err := fmt.Fprintln(w, "no speech detected")
		return err
	}

	var total time.Duration
	for i, seg := range r.Segments {
		suffix := ""
		if !seg.Closed {
			suffix = " (open)"
		}
		fmt.Fprintf(w, "%3d  %9s - %9s  %8s%s\n", i+1,
			formatOffset(seg.Start), formatOffset(seg.End), formatOffset(seg.Duration()), suffix)
		total += seg.Duration()
	}
	_, err := fmt.Fprintf(w, "%d segments, %s of speech\n", len(r.Segments), formatOffset(total))
	return err
}

func formatOffset(d time.Duration) string {
	return fmt.Sprintf("%.3fs", d.Seconds())
}
