package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/qrv0/arblora/internal/bucket"
)

func cmdBuild(args []string, stdout io.Writer) error {
	fs := newFlagSet("build")
	conf := fs.String("config", "", "TOML file with a [bucket] table")
	progress := fs.Bool("progress", false, "show a progress bar while reading image headers")
	c := defaultBuildConfig()
	apply := bindBuildFlags(fs, &c)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *conf != "" {
		if err := loadBuildConfig(*conf, &c); err != nil {
			return err
		}
	}
	apply()
	if c.Bucket.Root == "" {
		return errors.New("-root (or bucket.root in the config) is required")
	}

	cfg := c.bucketConfig()
	cfg.Probe.Progress = *progress
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var (
		b   *bucket.RatioBucket
		err error
	)
	switch c.Bucket.Mode {
	case "ratios":
		b, err = bucket.FromRatios(ctx, cfg)
	case "images":
		b, err = bucket.FromImages(ctx, cfg)
	default:
		return errors.Errorf("unknown mode %q (want ratios or images)", c.Bucket.Mode)
	}
	if err != nil {
		return err
	}
	if err := b.Finalize(c.Bucket.BatchSize); err != nil {
		return err
	}
	if b.FromCache() {
		klog.Infof("loaded %s", cfg.CachePath)
	}
	fmt.Fprintf(stdout, "%s files in %d buckets, %s items at batch size %d\n",
		humanize.Comma(int64(len(b.FileNames()))), b.NumBuckets(), humanize.Comma(int64(b.Len())), c.Bucket.BatchSize)
	fmt.Fprintln(stdout, b.Summary())
	return nil
}
