// Command lineage maintains parent databases of the images published on the
// public docker hub, and resolves the closest known ancestor of an image
// from its layer sequence.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjl-/sconf"
)

var metricExtract = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "lineage_extract_total",
		Help: "Layer extractions, by result.",
	},
	[]string{
		"result", // ok, retry, skipped, failed
	},
)

var metricHubRequest = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "lineage_hub_request_total",
		Help: "Hub and metadata API requests, by api and result.",
	},
	[]string{
		"api",    // search-v1, search-v2, tags, products, metadata
		"result", // ok, error, or http status code
	},
)

var metricSyncRepo = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "lineage_sync_repo_total",
		Help: "Repositories handled during a sync pass, by class and action.",
	},
	[]string{
		"class",  // official, verified
		"action", // new, refreshed, uptodate, failed
	},
)

var version = "(devel)"

func init() {
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		version = bi.Main.Version
	}
}

var configFile string
var config struct {
	DataDir            string `sconf-doc:"Directory to store the parent databases, in a parent_db subdirectory."`
	DockerHost         string `sconf:"optional" sconf-doc:"Docker engine address driving the pulls. Empty for the environment default."`
	HubURL             string `sconf:"optional" sconf-doc:"Base URL of the hub API. Empty for https://hub.docker.com."`
	MetadataURL        string `sconf:"optional" sconf-doc:"Base URL of the image metadata API that knows per-version creation times. Empty for https://api.microbadger.com."`
	HubUsername        string `sconf:"optional" sconf-doc:"Hub username for pulls. Anonymous when empty."`
	HubPassword        string `sconf:"optional" sconf-doc:"Hub password."`
	PullTimeoutSeconds int    `sconf:"optional" sconf-doc:"Timeout for a single streaming pull. Default 1800."`
	PullAttempts       int    `sconf:"optional" sconf-doc:"Times to attempt a pull before giving up. Default 5."`
	RetryWaitSeconds   int    `sconf:"optional" sconf-doc:"Seconds to wait between failed pull attempts. Default 30."`
	LookbackWindow     int    `sconf:"optional" sconf-doc:"Stored records and upstream tags to examine when deciding whether a repository changed. Changes beyond this window go undetected. Default 30."`
	DiskUsagePercent   int    `sconf:"optional" sconf-doc:"During a whole-repository scan, evict downloaded images once disk use exceeds this percentage. Default 80."`
}

func xparseConfig() {
	if err := sconf.ParseFile(configFile, &config); err != nil {
		log.Fatalf("%v", err)
	}
	if config.HubURL == "" {
		config.HubURL = "https://hub.docker.com"
	}
	if config.MetadataURL == "" {
		config.MetadataURL = "https://api.microbadger.com"
	}
	if config.PullTimeoutSeconds == 0 {
		config.PullTimeoutSeconds = 1800
	}
	if config.PullAttempts == 0 {
		config.PullAttempts = 5
	}
	if config.RetryWaitSeconds == 0 {
		config.RetryWaitSeconds = 30
	}
	if config.LookbackWindow == 0 {
		config.LookbackWindow = 30
	}
	if config.DiskUsagePercent == 0 {
		config.DiskUsagePercent = 80
	}
}

// Prints pull progress events.
var debugFlag bool

func main() {
	log.SetFlags(0)
	flag.Usage = func() {
		log.Println("usage: lineage sync [-adminaddr address] official|verified")
		log.Println("       lineage resolve [-fallback] official|verified repository layers")
		log.Println("       lineage dupes [-remove] official|verified")
		log.Println("       lineage describe >lineage.conf")
		log.Println("       lineage testconfig lineage.conf")
		log.Println("       lineage version")
		flag.PrintDefaults()
		os.Exit(2)
	}
	flag.StringVar(&configFile, "config", "lineage.conf", "path to configuration file")
	flag.BoolVar(&debugFlag, "debug", false, "enable debug logging, e.g. printing pull progress events")
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
	}

	cmd, args := args[0], args[1:]
	switch cmd {
	case "sync":
		xparseConfig()
		cmdSync(args)
	case "resolve":
		xparseConfig()
		cmdResolve(args)
	case "dupes":
		fs := flag.NewFlagSet("dupes", flag.ExitOnError)
		remove := fs.Bool("remove", false, "remove derivative records instead of only reporting them")
		fs.Parse(args)
		args = fs.Args()
		if len(args) != 1 {
			flag.Usage()
		}
		xcheckClass(args[0])
		xparseConfig()
		if err := cmdDupes(args[0], *remove); err != nil {
			log.Fatalf("dupes: %v", err)
		}
	case "describe":
		if len(args) != 0 {
			flag.Usage()
		}
		if err := sconf.Describe(os.Stdout, config); err != nil {
			log.Fatalf("describing config: %v", err)
		}
	case "testconfig":
		if len(args) != 1 {
			flag.Usage()
		}
		configFile = args[0]
		xparseConfig()
	case "version":
		if len(args) != 0 {
			flag.Usage()
		}
		fmt.Println(version)
	default:
		flag.Usage()
	}
}

func cmdSync(args []string) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	var adminAddr string
	fs.StringVar(&adminAddr, "adminaddr", "", "address to serve prometheus metrics on for the duration of the run, empty for none")
	fs.Parse(args)
	args = fs.Args()
	if len(args) != 1 {
		flag.Usage()
	}
	class := args[0]
	xcheckClass(class)

	if adminAddr != "" {
		adminmux := http.NewServeMux()
		adminmux.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Fatalln(http.ListenAndServe(adminAddr, adminmux))
		}()
	}

	// An interrupt ends the pass at the next repository/tag boundary. The
	// in-flight pull is abandoned without writing a partial record.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log.Printf("lineage %s, syncing %s database", version, class)
	if err := syncClass(ctx, class); err != nil {
		log.Fatalf("sync %s: %v", class, err)
	}
}

// cmdResolve answers the analysis pipeline's parent lookup: it prints the
// closest known ancestor of the given image as JSON, or {} when no prefix
// of its layers is known.
func cmdResolve(args []string) {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	fallback := fs.Bool("fallback", false, "consult the other class's database when no ancestor is found")
	fs.Parse(args)
	args = fs.Args()
	if len(args) != 3 {
		flag.Usage()
	}
	class, repo, layerStr := args[0], args[1], args[2]
	xcheckClass(class)
	layers, err := parseLayerSequence(layerStr)
	xcheckf(err, "parsing layers")

	classes := []string{class}
	if *fallback {
		if class == classOfficial {
			classes = append(classes, classVerified)
		} else {
			classes = append(classes, classOfficial)
		}
	}
	for _, c := range classes {
		path, err := currentDBFile(c)
		xcheckf(err, "locating %s database", c)
		if path == "" {
			if c == class {
				log.Fatalf("no %s database found", c)
			}
			continue
		}
		db, err := loadDB(path)
		xcheckf(err, "loading %s database", c)
		if parent, ok := resolveParent(db, repo, layers); ok {
			buf, err := json.Marshal(parent)
			xcheckf(err, "marshal parent")
			fmt.Println(string(buf))
			return
		}
	}
	fmt.Println("{}")
}

func xcheckClass(class string) {
	if class != classOfficial && class != classVerified {
		flag.Usage()
	}
}

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		log.Fatalf("%s: %s", fmt.Sprintf(format, args...), err)
	}
}

func logCheck(err error, format string, args ...any) {
	if err == nil {
		return
	}
	log.Printf("%s: %s", fmt.Sprintf(format, args...), err)
}
