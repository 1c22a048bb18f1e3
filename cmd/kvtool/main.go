// kvtool opens a local engine directory and runs one operation against it.
// It is an inspection and repair aid, not a client: it takes the same
// directory lock as a server would.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"kvengine/internal/config"
	"kvengine/internal/engine"
	"kvengine/internal/metrics"
)

var (
	configPath = flag.String("config", "", "Path to YAML config file")
	dataPath   = flag.String("path", "", "Engine directory (overrides config)")
	cfName     = flag.String("cf", "default", "Column family")
	keyHex     = flag.Bool("hex", false, "Print keys and values as hex")
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *dataPath != "" {
		cfg.Storage.DataPath = *dataPath
	}
	cfg.Logging.Level = "warn"

	reg := metrics.NewRegistry()
	defer reg.Close()

	cfs := cfg.Storage.ColumnFamilies
	if !contains(cfs, *cfName) {
		cfs = append(cfs, *cfName)
	}

	eng, err := engine.Open(cfg.Storage.DataPath, cfs, cfg.EngineOptions(nil, nil, reg))
	if err != nil {
		log.Fatalf("Failed to open engine: %v", err)
	}
	defer eng.Close()

	command := args[0]
	switch command {
	case "get":
		handleGet(eng, args[1:])
	case "put":
		handlePut(eng, args[1:])
	case "delete", "del":
		handleDelete(eng, args[1:])
	case "delrange":
		handleDeleteRange(eng, args[1:])
	case "scan":
		handleScan(eng, args[1:])
	case "stats":
		handleStats(eng)
	case "compact":
		handleCompact(eng, args[1:])
	case "ingest":
		handleIngest(eng, args[1:])
	case "cfs":
		for _, name := range eng.ColumnFamilyNames() {
			fmt.Println(name)
		}
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func handleGet(eng *engine.Engine, args []string) {
	if len(args) != 1 {
		log.Fatal("Usage: kvtool get <key>")
	}
	value, err := eng.Get(*cfName, []byte(args[0]))
	if err == engine.ErrKeyNotFound {
		fmt.Println("(not found)")
		return
	}
	if err != nil {
		log.Fatalf("Get failed: %v", err)
	}
	fmt.Println(render(value))
}

func handlePut(eng *engine.Engine, args []string) {
	if len(args) != 2 {
		log.Fatal("Usage: kvtool put <key> <value>")
	}
	if err := eng.Put(*cfName, []byte(args[0]), []byte(args[1])); err != nil {
		log.Fatalf("Put failed: %v", err)
	}
	fmt.Println("OK")
}

func handleDelete(eng *engine.Engine, args []string) {
	if len(args) != 1 {
		log.Fatal("Usage: kvtool delete <key>")
	}
	if err := eng.Delete(*cfName, []byte(args[0])); err != nil {
		log.Fatalf("Delete failed: %v", err)
	}
	fmt.Println("OK")
}

func handleDeleteRange(eng *engine.Engine, args []string) {
	if len(args) != 2 {
		log.Fatal("Usage: kvtool delrange <start> <end>")
	}
	batch := engine.NewWriteBatch()
	batch.DeleteRange(*cfName, []byte(args[0]), []byte(args[1]))
	seq, err := eng.Write(batch)
	if err != nil {
		log.Fatalf("DeleteRange failed: %v", err)
	}
	fmt.Printf("OK (sequence %d)\n", seq)
}

func handleScan(eng *engine.Engine, args []string) {
	var rng engine.KeyRange
	if len(args) >= 1 {
		rng.Start = []byte(args[0])
	}
	if len(args) >= 2 {
		rng.End = []byte(args[1])
	}

	it, err := eng.NewIterator(*cfName, rng, engine.Forward)
	if err != nil {
		log.Fatalf("Iterator failed: %v", err)
	}
	defer it.Close()

	count := 0
	for ok := it.SeekToFirst(); ok; ok = it.Next() {
		fmt.Printf("%s => %s\n", render(it.Key()), render(it.Value()))
		count++
	}
	if err := it.Err(); err != nil {
		log.Fatalf("Scan failed: %v", err)
	}
	fmt.Printf("(%d keys)\n", count)
}

func handleStats(eng *engine.Engine) {
	props := eng.Properties()
	ep := props.Engine()
	fmt.Printf("sequence:        %d\n", ep.Sequence)
	fmt.Printf("column families: %d\n", ep.ColumnFamilies)
	fmt.Printf("live snapshots:  %d\n", ep.LiveSnapshots)
	fmt.Printf("lsm size:        %d bytes\n", ep.LSMSizeBytes)
	fmt.Printf("vlog size:       %d bytes\n", ep.ValueLogSizeBytes)

	for _, name := range eng.ColumnFamilyNames() {
		cp, err := props.ColumnFamily(name)
		if err != nil {
			continue
		}
		fmt.Printf("cf %-16s tables=%d keys=%d disk=%d stale=%.2f%%\n",
			name, cp.TableCount, cp.KeyCount, cp.OnDiskBytes, cp.StaleRatio*100)
	}
}

func handleCompact(eng *engine.Engine, args []string) {
	var rng engine.KeyRange
	if len(args) >= 1 {
		rng.Start = []byte(args[0])
	}
	if len(args) >= 2 {
		rng.End = []byte(args[1])
	}
	if err := eng.CompactRange(*cfName, rng); err != nil {
		log.Fatalf("Compact failed: %v", err)
	}
	fmt.Println("OK")
}

func handleIngest(eng *engine.Engine, args []string) {
	if len(args) != 1 {
		log.Fatal("Usage: kvtool ingest <file>")
	}
	if err := eng.IngestExternalFile(*cfName, args[0]); err != nil {
		log.Fatalf("Ingest failed: %v", err)
	}
	fmt.Println("OK")
}

func render(b []byte) string {
	if *keyHex {
		return fmt.Sprintf("%x", b)
	}
	return string(b)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func printUsage() {
	fmt.Println("kvtool - local engine inspection tool")
	fmt.Println()
	fmt.Println("Usage: kvtool [flags] <command> [args...]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  get <key>               Read a key")
	fmt.Println("  put <key> <value>       Write a key")
	fmt.Println("  delete <key>            Delete a key")
	fmt.Println("  delrange <start> <end>  Delete a key range [start, end)")
	fmt.Println("  scan [start] [end]      List keys in a range")
	fmt.Println("  stats                   Engine and per-CF statistics")
	fmt.Println("  compact [start] [end]   Compact a range")
	fmt.Println("  ingest <file>           Bulk-load an external sorted file")
	fmt.Println("  cfs                     List column families")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println(strings.TrimRight(`
  -config <path>  YAML config file
  -path <dir>     Engine directory
  -cf <name>      Column family (default "default")
  -hex            Print keys and values as hex
`, "\n"))
}
