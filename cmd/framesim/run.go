package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/lifecycle/config"
	"github.com/vkngwrapper/lifecycle/internal/sim"
	"github.com/vkngwrapper/lifecycle/pacer"
	"github.com/vkngwrapper/lifecycle/resources"
	"github.com/vkngwrapper/lifecycle/suballoc"
)

type options struct {
	configPath  string
	envFile     string
	frames      int
	models      int
	churnEvery  int
	resizeEvery int
	latency     time.Duration
	seed        int64
	detailed    bool
}

func parseOptions(args []string, stderr io.Writer) (options, error) {
	var opts options

	flags := flag.NewFlagSet("framesim", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&opts.configPath, "config", "", "YAML configuration file; defaults are used if empty")
	flags.StringVar(&opts.envFile, "env", ".env", "optional env file overlaying the configuration")
	flags.IntVar(&opts.frames, "frames", 120, "number of frames to render")
	flags.IntVar(&opts.models, "models", 16, "number of models to load before the first frame")
	flags.IntVar(&opts.churnEvery, "churn-every", 10, "unload one model and load another every n frames, 0 to disable")
	flags.IntVar(&opts.resizeEvery, "resize-every", 50, "resize the surface every n frames, 0 to disable")
	flags.DurationVar(&opts.latency, "latency", 2*time.Millisecond, "simulated GPU time per frame")
	flags.Int64Var(&opts.seed, "seed", 1, "seed for generated model sizes")
	flags.BoolVar(&opts.detailed, "detailed", false, "list every block and free chunk in the output")

	err := flags.Parse(args)
	if err != nil {
		return options{}, err
	}

	if opts.frames < 0 || opts.models < 0 || opts.churnEvery < 0 || opts.resizeEvery < 0 {
		return options{}, errors.New("counts must not be negative")
	}

	return opts, nil
}

func loadConfig(opts options) (config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		cfg, err = config.Load(opts.configPath)
		if err != nil {
			return config.Config{}, err
		}
	}

	return config.ApplyEnv(cfg, opts.envFile)
}

// generator produces model payloads sized relative to the configured buffer classes
type generator struct {
	rng     *rand.Rand
	cfg     config.Config
	counter int
}

func (g *generator) next() resources.ModelData {
	g.counter++
	data := resources.ModelData{
		Name:     fmt.Sprintf("model-%03d", g.counter),
		Payloads: map[string][]byte{},
	}

	for _, class := range g.cfg.Buffers {
		// Up to 1/32 of the class, so a few dozen models fill it
		limit := class.Size / 32
		if limit < 1 {
			limit = 1
		}
		size := 1 + g.rng.Intn(limit)
		data.Payloads[class.Name] = bytes.Repeat([]byte{byte(g.counter)}, size)
	}

	return data
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) (err error) {
	opts, err := parseOptions(args, stderr)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := cfg.Logger(stderr)

	pools, err := resources.NewPools(logger, cfg, resources.HostBufferFactory)
	if err != nil {
		return err
	}

	store, err := resources.NewModelStore(logger, pools, cfg.LoaderWorkers)
	if err != nil {
		return errors.CombineErrors(err, pools.Destroy())
	}

	device := sim.NewDevice()
	surface := sim.NewSurface(pacer.Extent{Width: 1280, Height: 720}, cfg.RingSize+1)
	framePacer, err := pacer.New(logger, device, surface, pacer.CreateOptions{RingSize: cfg.RingSize})
	if err != nil {
		return errors.CombineErrors(err, pools.Destroy())
	}

	framePacer.OnResize(func(extent pacer.Extent) error {
		logger.Info("surface resized", slog.Int("width", extent.Width), slog.Int("height", extent.Height))
		return nil
	})

	gen := &generator{rng: rand.New(rand.NewSource(opts.seed)), cfg: cfg}
	var resident []*resources.Model

	defer func() {
		err = errors.CombineErrors(err, shutdown(framePacer, store, pools, resident))
	}()

	batch := make([]resources.ModelData, opts.models)
	for index := range batch {
		batch[index] = gen.next()
	}

	resident, err = store.LoadAll(ctx, batch)
	if err != nil {
		logger.Warn("some models failed to load", slog.Any("error", err))
	}

	for frameIndex := 0; frameIndex < opts.frames; frameIndex++ {
		if opts.resizeEvery > 0 && frameIndex > 0 && frameIndex%opts.resizeEvery == 0 {
			surface.Resize(pacer.Extent{Width: 1280 + frameIndex, Height: 720 + frameIndex/2})
		}

		frame, err := framePacer.BeginFrame()
		if errors.Is(err, pacer.ErrSurfaceUnavailable) {
			continue
		}
		if err != nil {
			return err
		}

		if opts.churnEvery > 0 && frameIndex%opts.churnEvery == opts.churnEvery-1 && len(resident) > 0 {
			resident, err = churn(store, framePacer, gen, resident)
			if err != nil {
				return err
			}
		}

		err = device.Submit(frame.Fence, opts.latency)
		if err != nil {
			return err
		}

		err = framePacer.Present()
		if err != nil {
			return err
		}

		_, err = store.Collect()
		if err != nil {
			return err
		}
	}

	err = framePacer.WaitIdle()
	if err != nil {
		return err
	}

	_, err = store.Collect()
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(stdout, pools.BuildStatsString(opts.detailed))
	return err
}

// churn unloads the oldest resident model behind the current frame and loads a fresh one in its place
func churn(store *resources.ModelStore, framePacer *pacer.Pacer, gen *generator, resident []*resources.Model) ([]*resources.Model, error) {
	err := store.Unload(resident[0], framePacer.RetirementSignal())
	if err != nil {
		return resident, err
	}
	resident = resident[1:]

	model, err := store.Load(gen.next())
	if errors.Is(err, suballoc.ErrOutOfMemory) {
		// Expected once the pools fill up
		return resident, nil
	}
	if err != nil {
		return resident, err
	}

	return append(resident, model), nil
}

func shutdown(framePacer *pacer.Pacer, store *resources.ModelStore, pools *resources.Pools, resident []*resources.Model) error {
	err := framePacer.Destroy()

	for _, model := range resident {
		err = errors.CombineErrors(err, store.Unload(model, nil))
	}

	return errors.CombineErrors(err, pools.Destroy())
}
