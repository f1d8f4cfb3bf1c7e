package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"fancycam/config"
	"fancycam/serve"
	"fancycam/video/effect"
	"fancycam/video/pipeline"
	"fancycam/video/pool"
	"fancycam/video/relay"
	"fancycam/video/segment"
	"fancycam/video/sink"
	"fancycam/video/source"
)

var (
	port       = flag.Int("port", 8080, "Port for the preview/status frontend.")
	configPath = flag.String("config", "fancycam.json", "Path to JSON configuration file.")
)

func loadAnimation(pipe *pipeline.Pipeline, cfg *config.Config) {
	if cfg.Animation == "" {
		return
	}
	sel, err := effect.ParseAnimation(cfg.Animation)
	if err != nil {
		log.Errorf("Bad animation selection: %v", err)
		return
	}
	lib := &effect.GIFLibrary{Dir: cfg.AnimationDir}
	hi, lo, err := lib.LoadFrames(sel)
	if err != nil {
		// Not fatal: the pipeline falls back to the live camera background
		// until frames are available.
		log.Errorf("Failed to load animation %q: %v", sel, err)
		return
	}
	pipe.Animation().SetFrames(hi, lo)
}

func main() {
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := config.Load(ctx, *configPath); err != nil {
		log.Fatalf("Failed to load config from %v: %v", *configPath, err)
	}
	cfg := config.Get()

	bufs := pool.NewPixelBufferPool(cfg.Size(), pool.DefaultCapacity)
	defer bufs.Close()

	dev := relay.New(bufs, relay.Options{
		Size:          cfg.Size(),
		FrameRate:     cfg.FrameRate,
		QueueCapacity: cfg.SinkQueueCapacity,
		Mirror:        cfg.Mirror,
	})
	defer dev.Close()

	preview := sink.NewMJPEGStream()
	defer preview.Close()
	dev.Attach(preview)

	// Stream registration is structural; without it the device is useless.
	life := dev.Lifecycle()
	client := uuid.New()
	if !life.AuthorizeClient(relay.SinkStream, client) {
		log.Fatalf("Sink client %v refused authorization", client)
	}
	if err := life.StartStream(relay.SourceStream); err != nil {
		log.Fatalf("Failed to start source stream: %v", err)
	}
	if err := life.StartStream(relay.SinkStream); err != nil {
		log.Fatalf("Failed to start sink stream: %v", err)
	}

	seg := segment.NewMOG2Segmenter()
	defer seg.Close()

	pipe := pipeline.New(seg, dev)
	defer pipe.Close()
	loadAnimation(pipe, cfg)

	config.Subscribe(func(c *config.Config) {
		loadAnimation(pipe, c)
	})

	cap := source.NewVideoCapture(cfg.CaptureURI, cfg.Size(), cfg.FrameRate)
	defer cap.Close()
	frames := cap.Get()

	updater := serve.NewStatusUpdater()
	go updater.Run(ctx, dev.Sequenced())

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/mjpeg", preview)
		mux.Handle("/status", &serve.StatusServer{Relay: dev})
		mux.Handle("/statusws", updater)
		mux.Handle("/metrics", promhttp.Handler())
		log.Infof("Hosting frontend on port %d", *port)
		h := handlers.CombinedLoggingHandler(os.Stdout, mux)
		log.Error(http.ListenAndServe(fmt.Sprintf(":%d", *port), h))
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case i := <-frames:
			pipe.Submit(i, config.Get().EffectConfig())
		case sig := <-sigs:
			log.Infof("Caught signal %v, shutting down", sig)
			if err := life.StopStream(relay.SinkStream); err != nil {
				log.Errorf("Stopping sink stream: %v", err)
			}
			if err := life.StopStream(relay.SourceStream); err != nil {
				log.Errorf("Stopping source stream: %v", err)
			}
			return
		}
	}
}
