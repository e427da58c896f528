// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package transforms converts decoded images into model-ready tensors.
//
// A Pipeline is built for either training or evaluation. The evaluation
// pipeline is fully deterministic: resize to the target size with a fixed
// filter and convert to a CHW float32 tensor in [0, 1]. The training
// pipeline additionally applies the configured stochastic augmentations
// (random resized crop, flips, color jitter), driven exclusively by the
// per-sample seed passed to Apply so results never depend on which worker
// goroutine processed the sample.
package transforms

import (
	"image"
	"math"
	"math/rand"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/gomlx/imclassify/tensors"
)

// Mode selects between the stochastic training pipeline and the
// deterministic evaluation pipeline.
type Mode int

const (
	// ModeTrain applies the configured stochastic augmentations.
	ModeTrain Mode = iota
	// ModeEval applies only the deterministic resize and tensor conversion.
	ModeEval
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	if m == ModeTrain {
		return "train"
	}
	return "eval"
}

// Config mirrors the transforms section of the training configuration.
type Config struct {
	// ImgSize is the square output size in pixels. Required, > 0.
	ImgSize int `yaml:"img_size"`

	// Crop selects the train-mode crop strategy: "random" (random resized
	// crop) or "center". Defaults to "random".
	Crop string `yaml:"crop"`

	// Scale is the [min, max] area fraction range for the random resized
	// crop. Defaults to [0.08, 1.0].
	Scale [2]float64 `yaml:"scale"`

	// Ratio is the [min, max] aspect ratio range for the random resized
	// crop. Defaults to [3/4, 4/3].
	Ratio [2]float64 `yaml:"ratio"`

	// HFlip and VFlip are the probabilities of flipping horizontally and
	// vertically in train mode.
	HFlip float64 `yaml:"hflip"`
	VFlip float64 `yaml:"vflip"`

	// ColorJitter is the maximum relative strength of random brightness,
	// contrast and saturation perturbations in train mode. 0 disables it.
	ColorJitter float64 `yaml:"color_jitter"`

	// AutoAugment enables a fixed policy of extra random perturbations
	// (gamma, sigmoid contrast, blur, sharpen) in train mode: two
	// distinct operations are picked per sample.
	AutoAugment bool `yaml:"auto_augment"`

	// Interpolation names the resampling filter: "nearest", "bilinear",
	// "bicubic" or "lanczos". Defaults to "bilinear".
	Interpolation string `yaml:"interpolation"`
}

var filters = map[string]imaging.ResampleFilter{
	"nearest":  imaging.NearestNeighbor,
	"bilinear": imaging.Linear,
	"bicubic":  imaging.CatmullRom,
	"lanczos":  imaging.Lanczos,
}

// Pipeline applies a fixed sequence of image transforms. It is immutable
// after New and safe for concurrent use: all randomness comes from the
// per-sample seed given to Apply.
type Pipeline struct {
	cfg    Config
	mode   Mode
	filter imaging.ResampleFilter
}

// New validates the configuration and builds a pipeline for the given mode.
func New(cfg Config, mode Mode) (*Pipeline, error) {
	if cfg.ImgSize <= 0 {
		return nil, errors.Errorf("transforms: img_size must be positive, got %d", cfg.ImgSize)
	}
	if cfg.Crop == "" {
		cfg.Crop = "random"
	}
	if cfg.Crop != "random" && cfg.Crop != "center" {
		return nil, errors.Errorf("transforms: crop must be \"random\" or \"center\", got %q", cfg.Crop)
	}
	if cfg.Scale == [2]float64{} {
		cfg.Scale = [2]float64{0.08, 1.0}
	}
	if cfg.Ratio == [2]float64{} {
		cfg.Ratio = [2]float64{3.0 / 4.0, 4.0 / 3.0}
	}
	if cfg.Scale[0] <= 0 || cfg.Scale[0] > cfg.Scale[1] || cfg.Scale[1] > 1 {
		return nil, errors.Errorf("transforms: scale must satisfy 0 < min <= max <= 1, got %v", cfg.Scale)
	}
	if cfg.Ratio[0] <= 0 || cfg.Ratio[0] > cfg.Ratio[1] {
		return nil, errors.Errorf("transforms: ratio must satisfy 0 < min <= max, got %v", cfg.Ratio)
	}
	if cfg.HFlip < 0 || cfg.HFlip > 1 || cfg.VFlip < 0 || cfg.VFlip > 1 {
		return nil, errors.Errorf("transforms: flip probabilities must be in [0, 1], got hflip=%v vflip=%v", cfg.HFlip, cfg.VFlip)
	}
	if cfg.ColorJitter < 0 || cfg.ColorJitter > 1 {
		return nil, errors.Errorf("transforms: color_jitter must be in [0, 1], got %v", cfg.ColorJitter)
	}
	if cfg.Interpolation == "" {
		cfg.Interpolation = "bilinear"
	}
	filter, found := filters[cfg.Interpolation]
	if !found {
		return nil, errors.Errorf("transforms: unknown interpolation %q", cfg.Interpolation)
	}
	return &Pipeline{cfg: cfg, mode: mode, filter: filter}, nil
}

// OutputShape returns the CHW shape of tensors produced by Apply.
func (p *Pipeline) OutputShape() []int {
	return []int{3, p.cfg.ImgSize, p.cfg.ImgSize}
}

// Apply transforms one decoded image into a [3, ImgSize, ImgSize] tensor
// with channel values in [0, 1].
//
// sampleSeed fully determines any randomness: equal (image, seed) pairs
// always yield bit-identical tensors. Eval pipelines ignore the seed.
func (p *Pipeline) Apply(img image.Image, sampleSeed int64) (*tensors.Tensor, error) {
	if img == nil {
		return nil, errors.New("transforms: nil image")
	}
	size := p.cfg.ImgSize
	var out *image.NRGBA
	if p.mode == ModeEval {
		out = imaging.Fill(img, size, size, imaging.Center, p.filter)
	} else {
		rng := rand.New(rand.NewSource(sampleSeed))
		if p.cfg.Crop == "random" {
			out = p.randomResizedCrop(img, rng)
		} else {
			out = imaging.Fill(img, size, size, imaging.Center, p.filter)
		}
		if p.cfg.HFlip > 0 && rng.Float64() < p.cfg.HFlip {
			out = imaging.FlipH(out)
		}
		if p.cfg.VFlip > 0 && rng.Float64() < p.cfg.VFlip {
			out = imaging.FlipV(out)
		}
		if p.cfg.ColorJitter > 0 {
			out = p.colorJitter(out, rng)
		}
		if p.cfg.AutoAugment {
			out = autoAugment(out, rng)
		}
	}
	return toTensor(out), nil
}

// randomResizedCrop samples a crop window with area in Scale and aspect
// ratio in Ratio, then resizes it to the target square. After 10 failed
// attempts it falls back to a center crop.
func (p *Pipeline) randomResizedCrop(img image.Image, rng *rand.Rand) *image.NRGBA {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	area := float64(width * height)
	for attempt := 0; attempt < 10; attempt++ {
		targetArea := area * (p.cfg.Scale[0] + rng.Float64()*(p.cfg.Scale[1]-p.cfg.Scale[0]))
		logRatio := math.Log(p.cfg.Ratio[0]) + rng.Float64()*(math.Log(p.cfg.Ratio[1])-math.Log(p.cfg.Ratio[0]))
		aspect := math.Exp(logRatio)
		cropW := int(math.Round(math.Sqrt(targetArea * aspect)))
		cropH := int(math.Round(math.Sqrt(targetArea / aspect)))
		if cropW <= 0 || cropH <= 0 || cropW > width || cropH > height {
			continue
		}
		x0 := bounds.Min.X + rng.Intn(width-cropW+1)
		y0 := bounds.Min.Y + rng.Intn(height-cropH+1)
		cropped := imaging.Crop(img, image.Rect(x0, y0, x0+cropW, y0+cropH))
		return imaging.Resize(cropped, p.cfg.ImgSize, p.cfg.ImgSize, p.filter)
	}
	return imaging.Fill(img, p.cfg.ImgSize, p.cfg.ImgSize, imaging.Center, p.filter)
}

// colorJitter perturbs brightness, contrast and saturation, each by a
// uniform factor in [-ColorJitter, +ColorJitter] scaled to the adjustment
// ranges of the imaging package.
func (p *Pipeline) colorJitter(img *image.NRGBA, rng *rand.Rand) *image.NRGBA {
	jitter := func() float64 {
		return (2*rng.Float64() - 1) * p.cfg.ColorJitter * 100
	}
	img = imaging.AdjustBrightness(img, jitter())
	img = imaging.AdjustContrast(img, jitter())
	img = imaging.AdjustSaturation(img, jitter())
	return img
}

// autoAugmentOps are the size-preserving perturbations the auto-augment
// policy draws from, each parameterized by a random magnitude.
var autoAugmentOps = []func(img *image.NRGBA, rng *rand.Rand) *image.NRGBA{
	func(img *image.NRGBA, rng *rand.Rand) *image.NRGBA {
		return imaging.AdjustGamma(img, 0.6+0.8*rng.Float64())
	},
	func(img *image.NRGBA, rng *rand.Rand) *image.NRGBA {
		return imaging.AdjustSigmoid(img, 0.5, (2*rng.Float64()-1)*4)
	},
	func(img *image.NRGBA, rng *rand.Rand) *image.NRGBA {
		return imaging.Blur(img, 0.3+0.7*rng.Float64())
	},
	func(img *image.NRGBA, rng *rand.Rand) *image.NRGBA {
		return imaging.Sharpen(img, 0.3+1.2*rng.Float64())
	},
}

// autoAugment applies two distinct randomly chosen policy operations.
func autoAugment(img *image.NRGBA, rng *rand.Rand) *image.NRGBA {
	for _, opIdx := range rng.Perm(len(autoAugmentOps))[:2] {
		img = autoAugmentOps[opIdx](img, rng)
	}
	return img
}

// toTensor converts an NRGBA image to a CHW float32 tensor in [0, 1].
// The alpha channel is dropped.
func toTensor(img *image.NRGBA) *tensors.Tensor {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	t := tensors.FromShape(3, height, width)
	flat := t.Flat()
	plane := height * width
	for y := 0; y < height; y++ {
		rowStart := img.PixOffset(bounds.Min.X, bounds.Min.Y+y)
		for x := 0; x < width; x++ {
			pix := img.Pix[rowStart+4*x : rowStart+4*x+4]
			pos := y*width + x
			flat[pos] = float32(pix[0]) / 255
			flat[plane+pos] = float32(pix[1]) / 255
			flat[2*plane+pos] = float32(pix[2]) / 255
		}
	}
	return t
}
