package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/svanichkin/parng"
)

func newInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info <input.png>...",
		Short: "Print the IHDR metadata of PNG files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				m, err := readMetadata(path)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %dx%d %s, %d bit, interlace %s\n",
					path, m.Width, m.Height, m.ColorType, m.BitDepth, m.InterlaceMethod)
			}
			return nil
		},
	}
}

func readMetadata(path string) (parng.Metadata, error) {
	in, err := os.Open(path)
	if err != nil {
		return parng.Metadata{}, err
	}
	defer in.Close()

	loader := parng.NewImageLoader()
	defer loader.Close()

	if _, err := loader.AddData(in); err != nil {
		return parng.Metadata{}, errors.Wrapf(err, "read %s", path)
	}
	m, ok := loader.Metadata()
	if !ok {
		return parng.Metadata{}, errors.Errorf("%s: no IHDR chunk", path)
	}
	return m, nil
}

func newUnpackCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unpack <input.rgba.zst>...",
		Short: "Convert .rgba.zst output back to PNG",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				outPath := strings.TrimSuffix(path, ".rgba.zst") + ".png"
				if err := unpackFile(path, outPath); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Unpacked %s → %s\n", path, filepath.Base(outPath))
			}
			return nil
		},
	}
}

func unpackFile(inPath, outPath string) error {
	in, err := os.Open(inPath)
	if err != nil {
		return err
	}
	defer in.Close()

	img, err := DecodeRGBAZ(in)
	if err != nil {
		return errors.Wrapf(err, "unpack %s", inPath)
	}
	return writeOutput(outPath, img, "png")
}
