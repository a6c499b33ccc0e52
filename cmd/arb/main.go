// Command arb builds and inspects aspect-ratio bucket caches and merges low-rank adapters into
// base weights.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"k8s.io/klog/v2"
)

type command struct {
	name  string
	usage string
	run   func(args []string, stdout io.Writer) error
}

var commands = []command{
	{"build", "build   -root DIR [-config arb.toml] [-cache FILE] [-bs N] [-mode ratios|images]", cmdBuild},
	{"inspect", "inspect FILE                        print cache metadata and bucket table", cmdInspect},
	{"verify", "verify  FILE                        verify cache section checksums", cmdVerify},
	{"epoch", "epoch   -cache FILE -root DIR -bs N -epoch E [-limit N]", cmdEpoch},
	{"merge", "merge   -base FILE -adapter FILE -out FILE [-alpha A] [-base-alpha B] [-dtype T]", cmdMerge},
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	for _, c := range commands {
		if c.name != os.Args[1] {
			continue
		}
		err := c.run(os.Args[2:], os.Stdout)
		klog.Flush()
		if err != nil {
			klog.Exitf("%s: %v", c.name, err)
		}
		return
	}
	usage()
	os.Exit(1)
}

func usage() {
	fmt.Println("arb - aspect-ratio buckets and low-rank adapters")
	fmt.Println("usage: arb <command> [args]")
	for _, c := range commands {
		fmt.Println("  " + c.usage)
	}
}

// newFlagSet returns a flag set carrying klog's flags (-v, -logtostderr, ...).
func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	klog.InitFlags(fs)
	return fs
}
