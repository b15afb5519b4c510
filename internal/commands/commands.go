// Package commands implements the gifmark command-line tool.
package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/aliskhannn/gifmark/internal/gifcodec"
	"github.com/aliskhannn/gifmark/internal/model"
	"github.com/aliskhannn/gifmark/internal/pipeline"
	"github.com/aliskhannn/gifmark/internal/preview"
	"github.com/aliskhannn/gifmark/internal/task"
	"github.com/aliskhannn/gifmark/internal/watermark"
)

// OutputPrefix is prepended to the base name of every written file.
const OutputPrefix = "watermarked_"

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "out-dir",
			Usage:   "Directory for output files (default: next to each input)",
			Aliases: []string{"o"},
		},
		&cli.IntFlag{
			Name:    "jobs",
			Usage:   "Number of files processed at once",
			Aliases: []string{"j"},
			Value:   2,
		},
		&cli.IntFlag{
			Name:  "workers",
			Usage: "Goroutines compositing frames of one file",
			Value: 4,
		},
		&cli.IntFlag{
			Name:  "max-frames",
			Usage: "Keep at most this many frames, spreading delays over the kept ones (0 keeps all)",
		},
		&cli.IntFlag{
			Name:  "quality",
			Usage: "Encoder quality, 1 (best) to 30 (fastest)",
			Value: gifcodec.DefaultQuality,
		},
		&cli.IntFlag{
			Name:  "loop",
			Usage: "Loop count: 0 forever, -1 once, n repeats (default: keep the source value)",
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Usage:   "Log pipeline events",
			Aliases: []string{"v"},
		},
		&cli.BoolFlag{
			Name:  "preview",
			Usage: "Also save the first watermarked frame as PNG",
		},
		&cli.FloatFlag{
			Name:  "opacity",
			Usage: "Watermark opacity, 0..1",
			Value: 0.5,
		},
		&cli.FloatFlag{
			Name:  "rotation",
			Usage: "Rotation in degrees",
		},
		&cli.FloatFlag{
			Name:  "scale",
			Usage: "Size factor",
			Value: 1,
		},
	}
}

func positionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.FloatFlag{
			Name:  "x",
			Usage: "Horizontal centre in percent of the width",
			Value: 50,
		},
		&cli.FloatFlag{
			Name:  "y",
			Usage: "Vertical centre in percent of the height",
			Value: 50,
		},
	}
}

func textFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "text",
			Usage:   "Watermark text",
			Aliases: []string{"t"},
		},
		&cli.FloatFlag{
			Name:  "font-size",
			Usage: "Font size in pixels",
			Value: model.DefaultFontSize,
		},
		&cli.StringFlag{
			Name:  "color",
			Usage: "Text colour as #RRGGBB or #RRGGBBAA",
			Value: "#ffffff",
		},
		&cli.StringFlag{
			Name:  "font",
			Usage: "TrueType font file (default: built-in Go Regular)",
		},
	}
}

func markFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "mark",
			Usage:   "Watermark image file",
			Aliases: []string{"m"},
		},
	}
}

func tileFlags() []cli.Flag {
	return []cli.Flag{
		&cli.FloatFlag{
			Name:  "spacing",
			Usage: "Distance between tile centres in pixels",
			Value: 120,
		},
	}
}

func flags(groups ...[]cli.Flag) []cli.Flag {
	var out []cli.Flag
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// New returns the root command. Flags keep parsed state, so every run
// needs its own command tree.
func New() *cli.Command {
	return &cli.Command{
		Name:  "gifmark",
		Usage: "Watermark animated GIFs",
		Commands: []*cli.Command{
			{
				Name:      "text",
				Usage:     "Draw a text watermark",
				ArgsUsage: "<file.gif>...",
				Flags:     flags(commonFlags(), positionFlags(), textFlags()),
				Action:    run(model.KindText),
			},
			{
				Name:      "image",
				Usage:     "Draw an image watermark",
				ArgsUsage: "<file.gif>...",
				Flags:     flags(commonFlags(), positionFlags(), markFlags()),
				Action:    run(model.KindImage),
			},
			{
				Name:      "tiled",
				Usage:     "Repeat a text or image watermark across the canvas",
				ArgsUsage: "<file.gif>...",
				Flags:     flags(commonFlags(), textFlags(), markFlags(), tileFlags()),
				Action:    run(model.KindTiled),
			},
		},
	}
}

// specFromFlags builds the watermark spec of kind from c's flags.
func specFromFlags(c *cli.Command, kind model.WatermarkKind) (model.WatermarkSpec, error) {
	spec := model.WatermarkSpec{
		Kind:     kind,
		Opacity:  c.Float("opacity"),
		Rotation: c.Float("rotation"),
		Scale:    c.Float("scale"),
	}
	if kind != model.KindTiled {
		spec.Position = model.Position{X: c.Float("x"), Y: c.Float("y")}
	}

	if kind == model.KindTiled {
		spec.Spacing = c.Float("spacing")
	}

	if kind != model.KindImage {
		spec.Text = c.String("text")
		spec.FontSize = c.Float("font-size")
		if err := spec.Color.UnmarshalText([]byte(c.String("color"))); err != nil {
			return model.WatermarkSpec{}, err
		}
	}

	if kind != model.KindText && c.String("mark") != "" {
		img, err := imaging.Open(c.String("mark"))
		if err != nil {
			return model.WatermarkSpec{}, fmt.Errorf("failed to open mark: %w", err)
		}
		spec.Image = img
	}

	switch {
	case kind == model.KindText && spec.Text == "":
		return model.WatermarkSpec{}, errors.New("--text is required")
	case kind == model.KindImage && spec.Image == nil:
		return model.WatermarkSpec{}, errors.New("--mark is required")
	case kind == model.KindTiled && spec.Image == nil && spec.Text == "":
		return model.WatermarkSpec{}, errors.New("--text or --mark is required")
	}

	return spec, spec.Validate()
}

func optionsFromFlags(c *cli.Command) pipeline.Options {
	opts := pipeline.Options{
		MaxFrames: int(c.Int("max-frames")),
		Quality:   int(c.Int("quality")),
		Workers:   int(c.Int("workers")),
	}
	if c.IsSet("loop") {
		loop := int(c.Int("loop"))
		opts.LoopCount = &loop
	}
	return opts
}

// OutputPath returns where the watermarked copy of input is written.
func OutputPath(input, outDir string) string {
	dir := filepath.Dir(input)
	if outDir != "" {
		dir = outDir
	}
	return filepath.Join(dir, OutputPrefix+filepath.Base(input))
}

type job struct {
	id    uuid.UUID
	input string
}

func run(kind model.WatermarkKind) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		if !c.Bool("verbose") {
			zerolog.SetGlobalLevel(zerolog.WarnLevel)
		}

		inputs := c.Args().Slice()
		if len(inputs) == 0 {
			return errors.New("no input files")
		}

		spec, err := specFromFlags(c, kind)
		if err != nil {
			return err
		}

		renderer, err := watermark.NewRenderer(c.String("font"))
		if err != nil {
			return err
		}

		outDir := c.String("out-dir")
		if outDir != "" {
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}
		}

		p := pipeline.New(renderer, optionsFromFlags(c))
		m := task.NewManager(p, int(c.Int("jobs")))

		type pending struct {
			job
			data []byte
		}

		failed := 0
		queue := make([]pending, 0, len(inputs))
		names := make(map[uuid.UUID]string, len(inputs))
		for _, input := range inputs {
			data, err := os.ReadFile(input)
			if err != nil {
				fmt.Printf("❌ Failed reading '%s': %s\n", input, err)
				failed++
				continue
			}
			j := job{id: uuid.New(), input: input}
			names[j.id] = filepath.Base(input)
			queue = append(queue, pending{job: j, data: data})
		}

		// names is read-only from here on
		m.OnUpdate(func(info task.Info) {
			if !info.Status.Terminal() {
				fmt.Printf("⏳ %s: %s (%.0f%%)\n", names[info.ID], info.Status, info.Progress*100)
			}
		})

		jobs := make([]job, 0, len(queue))
		for _, q := range queue {
			if err := m.Submit(ctx, q.id, q.data, spec); err != nil {
				return err
			}
			jobs = append(jobs, q.job)
		}

		for _, j := range jobs {
			info, err := m.Wait(ctx, j.id)
			if err != nil {
				return err
			}
			if err := finish(j, info, outDir, c.Bool("preview")); err != nil {
				fmt.Printf("❌ Failed '%s': %s\n", j.input, err)
				failed++
			}
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d files failed", failed, len(inputs))
		}
		return nil
	}
}

// finish writes the outcome of one job.
func finish(j job, info task.Info, outDir string, withPreview bool) error {
	switch info.Status {
	case model.StatusDone:
	case model.StatusCancelled:
		return errors.New("cancelled")
	default:
		return info.Err
	}

	out := OutputPath(j.input, outDir)
	if err := os.WriteFile(out, info.Result, 0o644); err != nil {
		return fmt.Errorf("failed saving: %w", err)
	}
	fmt.Printf("🟢 Saved '%s'\n", out)

	if !withPreview {
		return nil
	}

	frame, err := preview.FirstFrame(info.Result)
	if err != nil {
		return fmt.Errorf("failed reading result for preview: %w", err)
	}
	previewPath := strings.TrimSuffix(out, filepath.Ext(out)) + ".png"
	if err := imaging.Save(frame, previewPath); err != nil {
		return fmt.Errorf("failed saving preview: %w", err)
	}
	fmt.Printf("🖼  Saved preview '%s'\n", previewPath)

	return nil
}
