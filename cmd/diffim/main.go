package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gonum.org/v1/gonum/mat"

	"diffim/pkg/diffim"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	Template    string
	Science     string
	Variance    string
	ConfigPath  string
	Basis       string
	KernelSize  int
	StampSize   int
	Grid        int
	Regularize  bool
	RegOrder    int
	Saturation  float64
	Workers     int
	OutDir      string
	MetricsFile string
	LogLevel    string
	Verbosity   int
}

// loadOptions resolves options from flags, then DIFFIM_* environment
// variables, then defaults.
func loadOptions(args []string) (*options, error) {
	fs := pflag.NewFlagSet("diffim", pflag.ContinueOnError)
	fs.String("template", "", "template image (FITS, PNG, TIFF)")
	fs.String("science", "", "science image to match")
	fs.String("variance", "", "science variance plane; estimated from the science image when empty")
	fs.String("config", "", "fitting policy YAML")
	fs.String("basis", "", "kernel basis: delta-function or alard-lupton (default from policy)")
	fs.Int("kernel-size", 11, "kernel width and height in pixels, odd")
	fs.Int("stamp-size", 31, "candidate stamp width and height in pixels")
	fs.Int("grid", 5, "candidate stamps per image axis")
	fs.Bool("regularize", false, "regularize delta-function kernels with a finite-difference penalty")
	fs.Int("regularization-order", 2, "finite-difference order of the penalty (0, 1 or 2)")
	fs.Float64("saturation", 0, "science level at and above which pixels are flagged SAT; 0 disables")
	fs.Int("workers", 0, "parallel stamp fits; 0 means one per stamp")
	fs.String("out", ".", "output directory")
	fs.String("metrics-file", "", "write solver metrics in Prometheus text format to this file")
	fs.String("log-level", "info", "log level: debug, info, warn or error")
	fs.IntP("verbosity", "v", 0, "log verbosity; overrides --log-level when > 0")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("DIFFIM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("binding flags: %w", err)
	}

	opts := &options{
		Template:    v.GetString("template"),
		Science:     v.GetString("science"),
		Variance:    v.GetString("variance"),
		ConfigPath:  v.GetString("config"),
		Basis:       v.GetString("basis"),
		KernelSize:  v.GetInt("kernel-size"),
		StampSize:   v.GetInt("stamp-size"),
		Grid:        v.GetInt("grid"),
		Regularize:  v.GetBool("regularize"),
		RegOrder:    v.GetInt("regularization-order"),
		Saturation:  v.GetFloat64("saturation"),
		Workers:     v.GetInt("workers"),
		OutDir:      v.GetString("out"),
		MetricsFile: v.GetString("metrics-file"),
		LogLevel:    v.GetString("log-level"),
		Verbosity:   v.GetInt("verbosity"),
	}
	if opts.Template == "" || opts.Science == "" {
		return nil, fmt.Errorf("usage: diffim --template <file> --science <file> [flags]")
	}
	if opts.KernelSize < 1 || opts.KernelSize%2 == 0 {
		return nil, fmt.Errorf("kernel-size must be a positive odd number, got %d", opts.KernelSize)
	}
	if opts.StampSize <= opts.KernelSize {
		return nil, fmt.Errorf("stamp-size %d must exceed kernel-size %d", opts.StampSize, opts.KernelSize)
	}
	return opts, nil
}

// loadPolicy reads the fitting policy and applies command-line overrides.
func loadPolicy(opts *options) (diffim.Config, error) {
	cfg := diffim.DefaultConfig()
	if opts.ConfigPath != "" {
		data, err := os.ReadFile(opts.ConfigPath)
		if err != nil {
			return diffim.Config{}, fmt.Errorf("reading policy: %w", err)
		}
		if cfg, err = diffim.ParseConfig(data); err != nil {
			return diffim.Config{}, fmt.Errorf("policy %s: %w", opts.ConfigPath, err)
		}
	}
	if opts.Basis != "" {
		cfg.KernelBasisSet = opts.Basis
	}
	if err := cfg.Validate(); err != nil {
		return diffim.Config{}, err
	}
	return cfg, nil
}

func newLogger(level string, verbosity int) (logr.Logger, func(), error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return logr.Discard(), nil, fmt.Errorf("log-level: %w", err)
	}
	if verbosity > 0 {
		lvl = zapcore.Level(-verbosity)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.Encoding = "console"
	zc.Sampling = nil
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zl, err := zc.Build()
	if err != nil {
		return logr.Discard(), nil, fmt.Errorf("building logger: %w", err)
	}
	return zapr.NewLogger(zl), func() { _ = zl.Sync() }, nil
}

func run(args []string) error {
	opts, err := loadOptions(args)
	if err != nil {
		return err
	}
	log, flush, err := newLogger(opts.LogLevel, opts.Verbosity)
	if err != nil {
		return err
	}
	defer flush()

	cfg, err := loadPolicy(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Printf("Loading: %s, %s\n", opts.Template, opts.Science)
	template, _, err := loadImage(opts.Template)
	if err != nil {
		return fmt.Errorf("template: %w", err)
	}
	science, sciMeta, err := loadImage(opts.Science)
	if err != nil {
		return fmt.Errorf("science: %w", err)
	}
	if template.Bounds() != science.Bounds() {
		return fmt.Errorf("%w: template %v, science %v", diffim.ErrDimensionMismatch, template.Bounds(), science.Bounds())
	}

	var variance *diffim.Image[float32]
	if opts.Variance != "" {
		if variance, _, err = loadImage(opts.Variance); err != nil {
			return fmt.Errorf("variance: %w", err)
		}
	} else {
		gain, _ := sciMeta.Gain()
		variance = diffim.EstimateVariance(science, gain)
		log.Info("Estimated variance plane", "gain", gain)
	}

	mask := buildMask(template, science, opts.Saturation)

	basis, err := buildBasis(cfg.KernelBasisSet, opts.KernelSize)
	if err != nil {
		return err
	}
	var h *mat.SymDense
	if opts.Regularize {
		if cfg.KernelBasisSet != diffim.BasisDeltaFunction {
			return fmt.Errorf("regularization needs the %s basis, policy uses %s", diffim.BasisDeltaFunction, cfg.KernelBasisSet)
		}
		if h, err = diffim.FiniteDifferenceRegularization(opts.KernelSize, opts.KernelSize, opts.RegOrder, cfg.FitForBackground); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	metrics, err := diffim.NewMetrics(reg)
	if err != nil {
		return err
	}
	fitter, err := diffim.NewFitter(cfg, basis, diffim.WithLogger(log.WithName("diffim")), diffim.WithMetrics(metrics))
	if err != nil {
		return err
	}

	cands := diffim.GridCandidates(science.Bounds(), opts.Grid, opts.StampSize)
	kept := diffim.SelectCandidates(cands, mask, diffim.MaskExcludedBits)
	log.Info("Placed candidate stamps", "placed", len(cands), "kept", len(kept))
	if len(kept) == 0 {
		return fmt.Errorf("%w: no usable candidate stamps", diffim.ErrUnsolvable)
	}

	startTime := time.Now()
	fits, err := diffim.FitCandidates(ctx, fitter, template, science, variance, mask, h, kept, opts.Workers)
	if err != nil {
		return err
	}
	summary := diffim.Summarize(fits)
	log.Info("Fitted candidate stamps", "summary", summary.String(), "elapsed", time.Since(startTime))

	spatial, err := diffim.BuildSpatialModel(fitter, fits, mask)
	if err != nil {
		return fmt.Errorf("spatial model: %w", err)
	}
	kernel, background, err := spatial.SolutionPair()
	if err != nil {
		return err
	}
	kSum, _ := spatial.KernelSum()

	diff, err := diffim.Difference(template, science, kernel, background)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	diffPath := filepath.Join(opts.OutDir, "diff.fits")
	if err := writeDifference(diffPath, diff, cfg, kSum, spatial); err != nil {
		return err
	}
	kernelPath := filepath.Join(opts.OutDir, "kernel.png")
	if err := diffim.RenderKernelMosaic(kernel, science.Bounds(), diffim.DefaultMosaicOptions(), kernelPath); err != nil {
		return fmt.Errorf("rendering kernel: %w", err)
	}
	if opts.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(opts.MetricsFile, reg); err != nil {
			return fmt.Errorf("writing metrics: %w", err)
		}
	}

	elapsed := time.Since(startTime)
	fmt.Println()
	fmt.Printf("=== Kernel Solution (%.1fs) ===\n", elapsed.Seconds())
	fmt.Printf("  Image size:      %d x %d\n", science.Width, science.Height)
	fmt.Printf("  Basis:           %s (%d kernels, %dx%d)\n", cfg.KernelBasisSet, len(basis), opts.KernelSize, opts.KernelSize)
	fmt.Printf("  Stamps:          %d placed, %d kept\n", len(cands), len(kept))
	fmt.Printf("  Stamps solved:   %d (%d failed)\n", summary.Solved, summary.Failed)
	for by, n := range summary.BySolver {
		fmt.Printf("    %-14s %d\n", by.String()+":", n)
	}
	fmt.Printf("  Spatial solver:  %s (%d unknowns)\n", spatial.SolvedBy(), spatial.NumUnknowns())
	fmt.Printf("  Kernel sum:      %.5f\n", kSum)
	fmt.Printf("  Residual RMS:    %.4g\n", residualRMS(diff, mask))
	fmt.Printf("  Wrote:           %s, %s\n", diffPath, kernelPath)
	fmt.Println("==============================")
	return nil
}

func loadImage(path string) (*diffim.Image[float32], *diffim.FitsMetadata, error) {
	lowerPath := strings.ToLower(path)
	if strings.HasSuffix(lowerPath, ".fits") || strings.HasSuffix(lowerPath, ".fit") {
		fitsData, err := diffim.ReadFits(path)
		if err != nil {
			return nil, nil, fmt.Errorf("reading FITS: %w", err)
		}
		fmt.Printf("FITS loaded: %dx%d, BITPIX %d\n", fitsData.Image.Width, fitsData.Image.Height, fitsData.Bitpix)
		return fitsData.Image, fitsData.Metadata, nil
	}
	img, err := loadNonFitsImage(path)
	if err != nil {
		return nil, nil, err
	}
	return img, diffim.NewFitsMetadata(), nil
}

// buildMask flags non-finite pixels of either image as BAD and, when
// saturation > 0, bright science pixels as SAT.
func buildMask(template, science *diffim.Image[float32], saturation float64) *diffim.Mask {
	mask := diffim.NewMask(science.Width, science.Height)
	mask.X0, mask.Y0 = science.X0, science.Y0
	for i := range science.Pix {
		t, s := float64(template.Pix[i]), float64(science.Pix[i])
		if math.IsNaN(t) || math.IsInf(t, 0) || math.IsNaN(s) || math.IsInf(s, 0) {
			mask.Pix[i] |= diffim.MaskBad
		}
		if saturation > 0 && s >= saturation {
			mask.Pix[i] |= diffim.MaskSat
		}
	}
	return mask
}

func buildBasis(name string, size int) (diffim.BasisSet, error) {
	switch name {
	case diffim.BasisDeltaFunction:
		return diffim.DeltaFunctionBasis(size, size)
	case diffim.BasisAlardLupton:
		return diffim.AlardLuptonBasis(size/2, []float64{0.7, 1.5, 3.0}, []int{4, 2, 2})
	default:
		return nil, fmt.Errorf("%w: kernelBasisSet %q", diffim.ErrUnknownPolicyOption, name)
	}
}

func writeDifference(path string, diff *diffim.Image[float32], cfg diffim.Config, kSum float64, spatial *diffim.SpatialFit) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	return diffim.WriteFits(f, diff,
		diffim.StringCard("KERNBAS", cfg.KernelBasisSet),
		diffim.FitsCard{Key: "KERNSUM", Value: strconv.FormatFloat(kSum, 'G', 10, 64)},
		diffim.FitsCard{Key: "SPKORD", Value: strconv.Itoa(cfg.SpatialKernelOrder)},
		diffim.FitsCard{Key: "SPBGORD", Value: strconv.Itoa(cfg.SpatialBgOrder)},
		diffim.StringCard("KSOLVER", spatial.SolvedBy().String()),
	)
}

// residualRMS is the RMS of diff over pixels not flagged BAD, SAT or EDGE.
func residualRMS(diff *diffim.Image[float32], mask *diffim.Mask) float64 {
	var sum float64
	var n int
	for y := 0; y < diff.Height; y++ {
		for x := 0; x < diff.Width; x++ {
			if mask.At(x, y)&diffim.MaskExcludedBits != 0 {
				continue
			}
			v := float64(diff.At(x, y))
			if math.IsNaN(v) {
				continue
			}
			sum += v * v
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return math.Sqrt(sum / float64(n))
}
