// moesim simulates a distributed Mixture-of-Experts layer: each worker owns one feed-forward expert, and
// all workers route their inputs to the experts of the group, with the all-to-all exchanges of the
// moe package.
//
// By default, all workers run in this process (-transport=local). With -transport=tcp, one process is
// started per worker, each with the same flags but a different -worker, and -peers listing the addresses
// of all workers. The workers are then connected by gRPC streams (see package netgroup):
//
//	moesim -transport=tcp -peers=localhost:7000,localhost:7001 -worker=0 &
//	moesim -transport=tcp -peers=localhost:7000,localhost:7001 -worker=1
//
// Routing parameters are given with -set, e.g. -set="k=1;capacity_factor=2".
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/gomlx/moerouter/pkg/core/distributed"
	"github.com/gomlx/moerouter/pkg/ml/moe"
	"github.com/gomlx/moerouter/ui/commandline"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagWorkers   = flag.Int("workers", 4, "Number of workers (and experts) for -transport=local.")
	flagTransport = flag.String("transport", "local", `Transport connecting the workers: "local" runs all `+
		`workers in this process, "tcp" runs one worker, connected over gRPC to the others listed in -peers.`)
	flagWorker = flag.Int("worker", 0, "Id of this worker, for -transport=tcp.")
	flagPeers  = flag.String("peers", "", "Comma-separated list of the addresses (host:port) of all workers, "+
		"indexed by worker id, for -transport=tcp.")
	flagSession = flag.String("session", "", "UUID identifying the run, for -transport=tcp. "+
		"If empty, it is derived from -peers, -seed and -set.")
	flagWire = flag.String("wire", "float32", fmt.Sprintf("Wire format of the features for -transport=tcp, one of %q.",
		distributed.WireFormatStrings()))
	flagAssignment = flag.String("assignment", "", "Comma-separated list of the worker owning each expert. "+
		"Default is worker i owns expert i.")

	flagPasses      = flag.Int("passes", 10, "Number of forward passes.")
	flagBatch       = flag.Int("batch", 8, "Batch size (number of rows) per worker.")
	flagSeq         = flag.Int("seq", 64, "Sequence length (elements per row).")
	flagWidth       = flag.Int("width", 32, "Width of the elements (feature dimension).")
	flagHidden      = flag.Int("hidden", 128, "Hidden dimension of the feed-forward experts.")
	flagUneven      = flag.Bool("uneven", false, "Make the batch of the last pass smaller on workers other than 0.")
	flagSeed        = flag.Uint64("seed", 42, "Seed for the router, experts and inputs: all workers must use the same.")
	flagTemperature = flag.Float64("temperature", 1.0, "Scale of the router weights: larger values unbalance the routing.")
	flagParallelism = flag.Int("expert_parallelism", -1, "Maximum number of rows processed in parallel by each "+
		"expert: 0 disables parallelism, -1 uses the number of CPUs.")

	flagVerify    = flag.Bool("verify", false, "Compare the outputs with a direct (non-distributed) computation, for the passes without dropped elements.")
	flagTolerance = flag.Float64("tolerance", 0, "Maximum absolute error accepted by -verify. Defaults to 1e-4, or 1e-2 with -wire=float16.")
	flagPlot      = flag.String("plot", "", "If set, save a chart of the drop rate per pass to this file (.png, .svg or .pdf).")
	flagProgress  = flag.Bool("progress", true, "Display a progress bar.")
)

func main() {
	cfg := moe.DefaultConfig()
	settings := commandline.CreateSettingsFlag(cfg, "")
	klog.InitFlags(nil)
	flag.Parse()

	paramsSet := must.M1(commandline.ParseSettings(&cfg, *settings))
	if len(paramsSet) > 0 {
		klog.Infof("Routing settings:\n%s", commandline.SprintModifiedSettings(cfg, paramsSet))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := run(ctx, cfg, *settings); err != nil {
		klog.Errorf("moesim failed: %+v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg moe.Config, settings string) error {
	s := &simulation{
		cfg:               cfg,
		numWorkers:        *flagWorkers,
		passes:            *flagPasses,
		batch:             *flagBatch,
		seqLen:            *flagSeq,
		width:             *flagWidth,
		hidden:            *flagHidden,
		uneven:            *flagUneven,
		seed:              *flagSeed,
		temperature:       *flagTemperature,
		verify:            *flagVerify,
		verifyTolerance:   *flagTolerance,
		expertParallelism: *flagParallelism,
	}
	var err error
	s.expertAssignment, err = parseInts(*flagAssignment)
	if err != nil {
		return errors.WithMessage(err, "invalid -assignment")
	}

	var addresses []string
	var wire distributed.WireFormat
	switch *flagTransport {
	case "local":
	case "tcp":
		addresses = splitList(*flagPeers)
		if len(addresses) == 0 {
			return errors.New("-transport=tcp requires -peers")
		}
		s.numWorkers = len(addresses)
		wire, err = distributed.WireFormatString(*flagWire)
		if err != nil {
			return errors.Wrap(err, "invalid -wire")
		}
	default:
		return errors.Errorf("unknown -transport=%q, valid values are \"local\" and \"tcp\"", *flagTransport)
	}
	if s.verifyTolerance <= 0 {
		s.verifyTolerance = 1e-4
		if wire == distributed.WireFloat16 {
			s.verifyTolerance = 1e-2
		}
	}
	if err = s.validate(); err != nil {
		return err
	}

	numReporters := s.numWorkers
	if addresses != nil {
		numReporters = 1
	}
	var pBar *commandline.ProgressBar
	if *flagProgress {
		pBar = commandline.NewProgressBar(s.passes)
		s.reportStats = newPassAggregator(numReporters, pBar.Update).add
	}

	var results []*workerResult
	var dropped []int
	if addresses == nil {
		results, err = runLocal(ctx, s)
	} else {
		session := sessionFor(addresses, s.seed, settings)
		if *flagSession != "" {
			session, err = uuid.Parse(*flagSession)
			if err != nil {
				return errors.Wrapf(err, "invalid -session=%q", *flagSession)
			}
		}
		results, err = runTCP(ctx, s, addresses, *flagWorker, session, wire)
	}
	if pBar != nil {
		pBar.Done()
	}
	if err != nil {
		return err
	}
	if addresses == nil {
		// All workers are known, so passes without drops in the whole group can be verified.
		dropped = groupDropped(results, s.passes)
	}

	var v *verification
	if s.verify {
		v, err = s.verifyResults(results, s.router(), s.experts(), dropped)
		if err != nil {
			return errors.WithMessage(err, "verification failed")
		}
	}
	totals, traffic := workerTotals(results)
	printReport(totals, traffic, v)
	if *flagPlot != "" {
		if err = plotDropRates(results, *flagPlot); err != nil {
			return err
		}
		klog.Infof("Drop rate plot saved to %q", *flagPlot)
	}
	return nil
}

func splitList(list string) []string {
	var parts []string
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func parseInts(list string) ([]int, error) {
	parts := splitList(list)
	values := make([]int, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse %q", part)
		}
		values = append(values, v)
	}
	return values, nil
}
