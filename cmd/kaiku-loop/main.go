// kaiku-loop runs the looping engine against the default output device and
// exposes the control surface as a line-oriented REPL: each line is a command
// name from the dispatch table followed by its parameters, e.g.
//
//	create_node clip
//	start_recording_in_node <uuid>
//	get_graph_state
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	"gopkg.in/yaml.v3"

	"github.com/ljketola/kaiku"
	"github.com/ljketola/kaiku/engine"
	kaikuoto "github.com/ljketola/kaiku/oto"
)

type config struct {
	SampleRate    int    `yaml:"samplerate"`
	BlockSize     int    `yaml:"blocksize"`
	InputLatency  int    `yaml:"inputlatency"`
	OutputLatency int    `yaml:"outputlatency"`
	LogFile       string `yaml:"logfile"`
	Verbose       bool   `yaml:"verbose"`
}

func defaultConfig() config {
	return config{SampleRate: 44100, BlockSize: 1024}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("cannot read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("cannot parse config: %w", err)
	}
	return cfg, nil
}

func makeLogger(cfg config) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	handlers := []slog.Handler{
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	}
	closer := func() {}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("cannot open log file: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		closer = func() { f.Close() }
	}
	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	sampleRate := flag.Int("samplerate", 0, "override the sample rate")
	blockSize := flag.Int("blocksize", 0, "override the block size")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *sampleRate > 0 {
		cfg.SampleRate = *sampleRate
	}
	if *blockSize > 0 {
		cfg.BlockSize = *blockSize
	}

	logger, closeLog, err := makeLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeLog()

	eng := engine.New(float64(cfg.SampleRate), logger)

	audio, err := kaikuoto.NewContext(eng, cfg.SampleRate, cfg.BlockSize, cfg.InputLatency, cfg.OutputLatency)
	if err != nil {
		logger.Error("audio device unavailable", "error", err)
		os.Exit(1)
	}
	defer audio.Close()
	audio.Start()

	logger.Info("engine running", "samplerate", cfg.SampleRate, "blocksize", cfg.BlockSize)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		name := fields[0]
		if name == "quit" || name == "exit" {
			break
		}
		params := make([]kaiku.Value, 0, len(fields)-1)
		for _, f := range fields[1:] {
			if num, err := strconv.ParseFloat(f, 64); err == nil {
				params = append(params, kaiku.NumberValue(num))
			} else {
				params = append(params, kaiku.StringValue(f))
			}
		}
		fmt.Println(eng.Dispatch(name, params))
	}
}
