package config

import (
	"fmt"
	"image"

	"fancycam/video/effect"
	"fancycam/video/source"
)

// Config is loaded from the JSON config file. It is immutable once loaded;
// the watcher swaps in a whole new value on file change.
type Config struct {
	// CaptureURI selects the physical camera (device index or file path).
	CaptureURI string

	// Effect is one of the named effects ("none", "animate", "blur", ...).
	Effect string

	// Animation selects the animated-background preset.
	Animation string

	// AnimationDir holds the preset GIF assets.
	AnimationDir string

	// PreprocessBackground removes the subject from the background before
	// the effect is applied.
	PreprocessBackground bool

	// Mirror flips published frames horizontally.
	Mirror bool

	// Quality selects the resolution tier: "hi" (1920x1080) or "lo"
	// (1280x720).
	Quality string

	// FrameRate is the published frame rate, 30 or 60.
	FrameRate int

	// SinkQueueCapacity bounds the virtual device's sink queue.
	SinkQueueCapacity int
}

func (c *Config) validate() error {
	if _, err := effect.ParseKind(c.Effect); err != nil {
		return err
	}
	if c.Animation != "" {
		if _, err := effect.ParseAnimation(c.Animation); err != nil {
			return err
		}
	}
	switch c.Quality {
	case "hi", "lo":
	default:
		return fmt.Errorf("unknown quality tier %q", c.Quality)
	}
	switch c.FrameRate {
	case 30, 60:
	default:
		return fmt.Errorf("frame rate must be 30 or 60, got %d", c.FrameRate)
	}
	return nil
}

// Size returns the capture/output resolution for the configured tier.
func (c *Config) Size() image.Point {
	if c.Quality == "hi" {
		return source.SizeHi
	}
	return source.SizeLo
}

// EffectConfig converts the live configuration into the immutable snapshot
// a frame task reads at creation.
func (c *Config) EffectConfig() effect.Config {
	kind, _ := effect.ParseKind(c.Effect)
	anim := effect.Island
	if c.Animation != "" {
		anim, _ = effect.ParseAnimation(c.Animation)
	}
	return effect.Config{
		Kind:                 kind,
		Animation:            anim,
		PreprocessBackground: c.PreprocessBackground,
		FPS60:                c.FrameRate == 60,
	}
}
