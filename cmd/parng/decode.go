package main

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/octohelm/x/logr"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/svanichkin/parng"
)

type decodeFlags struct {
	chunk  string
	format string
	out    string
	jobs   int
	noCRC  bool
}

func newDecodeCommand() *cobra.Command {
	f := &decodeFlags{}

	cmd := &cobra.Command{
		Use:   "decode <input.png>...",
		Short: "Decode PNG files, feeding them in chunks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chunk, err := humanize.ParseBytes(f.chunk)
			if err != nil {
				return errors.Wrapf(err, "invalid --chunk %q", f.chunk)
			}
			if chunk == 0 {
				return errors.New("--chunk must be positive")
			}
			switch f.format {
			case "png", "zst", "none":
			default:
				return errors.Errorf("unknown --format %q", f.format)
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(max(f.jobs, 1))
			for _, path := range args {
				g.Go(func() error {
					return decodeFile(ctx, path, int(chunk), f)
				})
			}
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&f.chunk, "chunk", "16KiB", "bytes made available to the decoder per step")
	cmd.Flags().StringVar(&f.format, "format", "png", "output format: png, zst or none")
	cmd.Flags().StringVar(&f.out, "out", "", "output directory (default: next to the input)")
	cmd.Flags().IntVarP(&f.jobs, "jobs", "j", runtime.NumCPU(), "files decoded in parallel")
	cmd.Flags().BoolVar(&f.noCRC, "no-crc", false, "skip chunk CRC verification")
	return cmd
}

func decodeFile(ctx context.Context, path string, chunk int, f *decodeFlags) (finalErr error) {
	ctx, l := logr.FromContext(ctx).Start(ctx, "decode", slog.String("file", path))
	defer l.End()
	defer func() {
		if finalErr != nil {
			l.Error(finalErr)
		}
	}()

	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}

	loader := parng.NewImageLoader(
		parng.WithLogger(l),
		parng.WithCRCCheck(!f.noCRC),
	)
	defer loader.Close()

	s := &arrivingStream{data: data}
	var provider *parng.MemoryDataProvider

	start := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.arrive(chunk)

		progress, err := loader.AddData(s)
		if err != nil {
			return errors.Wrapf(err, "decode %s", path)
		}
		if progress == parng.LoadProgressFinished {
			break
		}
		if progress == parng.LoadProgressNeedDataProviderAndMoreData && provider == nil {
			m, _ := loader.Metadata()
			provider = parng.NewMemoryDataProvider(m)
			loader.SetDataProvider(provider)
			continue
		}
		if s.complete() && s.off == len(s.data) {
			return errors.Errorf("decode %s: truncated PNG", path)
		}
	}
	fed := time.Since(start)

	if err := loader.WaitUntilFinished(); err != nil {
		return errors.Wrapf(err, "decode %s", path)
	}
	total := time.Since(start)

	m, _ := loader.Metadata()
	fmt.Printf("%s: %dx%d %s/%d %s, %s, fed in %s, decoded in %s\n",
		path, m.Width, m.Height, m.ColorType, m.BitDepth, m.InterlaceMethod,
		humanize.Bytes(uint64(len(data))), fed, total)

	if f.format == "none" {
		return nil
	}
	return writeOutput(outputPath(path, f), provider.Image(), f.format)
}

func outputPath(path string, f *decodeFlags) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	dir := filepath.Dir(path)
	if f.out != "" {
		dir = f.out
	}
	ext := ".decoded.png"
	if f.format == "zst" {
		ext = ".rgba.zst"
	}
	return filepath.Join(dir, base+ext)
}

func writeOutput(outPath string, img *image.NRGBA, format string) error {
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	if format == "zst" {
		err = EncodeRGBAZ(out, img)
	} else {
		err = png.Encode(out, img)
	}
	if err != nil {
		return errors.Wrapf(err, "write %s", outPath)
	}
	return out.Close()
}
