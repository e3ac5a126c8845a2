package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/docdb-incubator/tinydocdb/db/config"
	"github.com/docdb-incubator/tinydocdb/db/observer"
	"github.com/docdb-incubator/tinydocdb/db/oplog"
	"github.com/docdb-incubator/tinydocdb/db/util/engine_util"
	"github.com/ngaut/log"
)

var (
	configPath = flag.String("config", "", "config file path")
	dbPath     = flag.String("path", "", "directory to store the data in")
	format     = flag.String("oplog-format", "", "single-entry or multi-entry")
)

func main() {
	flag.Parse()
	conf := loadConfig()
	log.SetLevelByString(conf.LogLevel)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	log.Infof("conf %+v", conf)

	engines := engine_util.NewEngines(engine_util.CreateDB(conf.DBPath), conf.DBPath)
	defer engines.Close()

	alloc := oplog.NewSlotAllocator(conf.Term)
	obs, err := observer.NewObserver(conf, engines, alloc)
	if err != nil {
		log.Fatal(err)
	}

	entries, err := oplog.ReadAll(engines.DB)
	if err != nil {
		log.Fatal(err)
	}
	if len(entries) > 0 {
		// Resume position allocation after the highest durable entry.
		last := entries[len(entries)-1].OpTime
		alloc.Advance(last.Ts)
		log.Infof("recovered %d oplog entries, last position %s", len(entries), last)
	}
	obs.Table().InvalidateAll()
	log.Infof("write path ready, oplog format %q", conf.OplogFormat)

	waitSignal()
	log.Info("Server stopped.")
}

func loadConfig() *config.Config {
	var conf *config.Config
	if *configPath != "" {
		var err error
		conf, err = config.LoadFromFile(*configPath)
		if err != nil {
			log.Fatal(err)
		}
	} else {
		conf = config.NewDefaultConfig()
	}
	if *dbPath != "" {
		conf.DBPath = *dbPath
	}
	if *format != "" {
		conf.OplogFormat = *format
	}
	if err := conf.Validate(); err != nil {
		log.Fatal(err)
	}
	return conf
}

func waitSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	sig := <-sigCh
	log.Infof("Got signal [%s] to exit.", sig)
}
