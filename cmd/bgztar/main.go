package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/flaneur2020/bgz-tar/bgztar"
	"github.com/flaneur2020/bgz-tar/bgztar/bgzf"
	"github.com/flaneur2020/bgz-tar/bgztar/logger"
	"github.com/flaneur2020/bgz-tar/bgztar/storage"
	"github.com/flaneur2020/bgz-tar/bgztar/tarwalk"
)

var (
	verbose    bool
	noProgress bool
	authToken  string
	blockSize  int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bgztar",
		Short: "Index and extract tar archives compressed as block-gzip",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logger.SetLogLevel(logger.LogLevelDebug)
			}
		},
	}

	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&noProgress, "no-progress", false, "Disable progress bar")

	compressCmd := &cobra.Command{
		Use:   "compress <TAR> [OUTPUT]",
		Short: "Recompress a tar archive into a seekable block-gzip container",
		Args:  cobra.RangeArgs(1, 2),
		Run:   runCompress,
	}
	compressCmd.Flags().IntVar(&blockSize, "block-size", bgzf.DefaultBlockSize, "Uncompressed bytes per gzip member")

	indexCmd := &cobra.Command{
		Use:   "index <ARCHIVE> [INDEX]",
		Short: "Build the side-index for a block-gzip tar archive",
		Args:  cobra.RangeArgs(1, 2),
		Run:   runIndex,
	}

	lsCmd := &cobra.Command{
		Use:   "ls <INDEX> [PATH]",
		Short: "List indexed entries, optionally below a path",
		Args:  cobra.RangeArgs(1, 2),
		Run:   runLs,
	}

	blocksCmd := &cobra.Command{
		Use:   "blocks <INDEX>",
		Short: "Dump the compressed block map of an index",
		Args:  cobra.ExactArgs(1),
		Run:   runBlocks,
	}

	extractCmd := &cobra.Command{
		Use:   "extract <INDEX> <ARCHIVE|URL> <PATH> [OUTPUT]",
		Short: "Extract a file or directory using only ranged reads of the archive",
		Args:  cobra.RangeArgs(3, 4),
		Run:   runExtract,
	}
	extractCmd.Flags().StringVar(&authToken, "token", "", "Bearer token for HTTP archives")

	rootCmd.AddCommand(compressCmd, indexCmd, lsCmd, blocksCmd, extractCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func runCompress(cmd *cobra.Command, args []string) {
	inputPath := args[0]
	outputPath := inputPath + ".gz"
	if len(args) > 1 {
		outputPath = args[1]
	}

	in, err := os.Open(inputPath)
	if err != nil {
		fatal("%v", err)
	}
	defer in.Close()

	out, err := os.Create(outputPath)
	if err != nil {
		fatal("%v", err)
	}
	defer out.Close()

	bw, err := bgzf.NewWriterSize(out, blockSize)
	if err != nil {
		fatal("%v", err)
	}

	var src io.Reader = in
	if !noProgress {
		if info, err := in.Stat(); err == nil {
			bar := progressbar.DefaultBytes(info.Size(), "Compressing")
			src = io.TeeReader(in, bar)
		}
	}

	if _, err := io.Copy(bw, src); err != nil {
		fatal("%v", err)
	}
	if err := bw.Close(); err != nil {
		fatal("%v", err)
	}
	fmt.Printf("Wrote %s\n", outputPath)
}

func runIndex(cmd *cobra.Command, args []string) {
	archivePath := args[0]
	indexPath := archivePath + ".index"
	if len(args) > 1 {
		indexPath = args[1]
	}

	var opts []bgztar.BuildOption
	if !noProgress {
		var bar *progressbar.ProgressBar
		opts = append(opts, bgztar.WithProgress(func(current, total int64) {
			if bar == nil && total > 0 {
				bar = progressbar.DefaultBytes(total, "Indexing")
			}
			if bar != nil {
				bar.Set64(current)
			}
		}))
	}

	idx, err := bgztar.BuildFile(context.Background(), archivePath, indexPath, opts...)
	if err != nil {
		fatal("%v", err)
	}

	fmt.Printf("\nIndexed %d entries across %d blocks\n", len(idx.Entries), len(idx.Blocks))
	fmt.Printf("Archive digest: %s\n", idx.ArchiveDigest)
	fmt.Printf("Index saved to %s\n", indexPath)
}

func runLs(cmd *cobra.Command, args []string) {
	idx, err := bgztar.LoadFile(args[0])
	if err != nil {
		fatal("%v", err)
	}

	pattern := ""
	if len(args) > 1 {
		pattern = args[1]
	}

	entries := idx.FilterEntries(pattern)
	if len(entries) == 0 {
		fatal("no entries match %q", pattern)
	}

	for _, entry := range entries {
		name := entry.Name
		if entry.Type == tarwalk.TypeSymlink {
			name = fmt.Sprintf("%s -> %s", name, entry.Linkname)
		}
		fmt.Printf("%-8s %10d  %s\n", entry.Type, entry.Size, name)
	}
}

func runBlocks(cmd *cobra.Command, args []string) {
	idx, err := bgztar.LoadFile(args[0])
	if err != nil {
		fatal("%v", err)
	}

	fmt.Printf("%d blocks, %d compressed bytes, %d uncompressed bytes\n",
		len(idx.Blocks), idx.CompressedSize(), idx.UncompressedSize())
	for i, block := range idx.Blocks {
		fmt.Printf("%6d: compressed [%d, %d) uncompressed [%d, %d)\n",
			i,
			block.CompressedOffset, block.CompressedEnd(),
			block.UncompressedOffset, block.UncompressedEnd())
	}
}

func runExtract(cmd *cobra.Command, args []string) {
	indexPath := args[0]
	object := args[1]
	path := args[2]

	outputArg := "."
	if len(args) > 3 {
		outputArg = args[3]
	}

	idx, err := bgztar.LoadFile(indexPath)
	if err != nil {
		fatal("%v", err)
	}

	var store storage.Storage
	if strings.HasPrefix(object, "http://") || strings.HasPrefix(object, "https://") {
		httpStore := storage.NewHTTPStorage(http.DefaultClient)
		if authToken != "" {
			httpStore = httpStore.WithToken(authToken)
		}
		store = httpStore
	} else {
		store = storage.NewFileStorage("")
	}

	extractor := bgztar.NewExtractor(idx, store)
	ctx := context.Background()

	// A single file goes to the named output (or stdout with "-"); anything
	// else is treated as a directory extraction.
	matches := idx.FilterEntries(path)
	if len(matches) == 1 && matches[0].Type == tarwalk.TypeFile {
		var out io.Writer
		if outputArg == "-" {
			out = os.Stdout
		} else {
			f, err := os.Create(outputArg)
			if err != nil {
				fatal("%v", err)
			}
			defer f.Close()
			out = f
		}

		var progress bgztar.ProgressCallback
		if !noProgress && outputArg != "-" {
			bar := progressbar.DefaultBytes(int64(matches[0].Size), fmt.Sprintf("Extracting %s", path))
			progress = func(current, total int64) { bar.Set64(current) }
		}

		if err := extractor.ExtractFile(ctx, object, matches[0].Name, out, progress); err != nil {
			fatal("%v", err)
		}
		return
	}

	var progress bgztar.ProgressCallback
	var bar *progressbar.ProgressBar
	if !noProgress {
		progress = func(current, total int64) {
			if bar == nil && total > 0 {
				bar = progressbar.DefaultBytes(total, "Extracting")
			}
			if bar != nil {
				bar.Set64(current)
			}
		}
	}

	stats, err := extractor.ExtractDir(ctx, object, path, outputArg, progress)
	if err != nil {
		fatal("%v", err)
	}

	fmt.Printf("\nExtracted %d/%d files (%d bytes total)", stats.ExtractedFiles, stats.TotalFiles, stats.ExtractedBytes)
	if stats.FailedFiles > 0 {
		fmt.Printf(" (%d failed)", stats.FailedFiles)
	}
	fmt.Println()
}
