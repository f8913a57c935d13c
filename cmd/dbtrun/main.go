package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/ascrivener/dbt/pkg/dispatch"
	"github.com/ascrivener/dbt/pkg/guest"
	"github.com/ascrivener/dbt/pkg/jit"
	"github.com/ascrivener/dbt/pkg/ram"
	"github.com/ascrivener/dbt/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v2"
)

// Config represents the configuration loaded from the YAML file
type Config struct {
	RAMSize  int             `yaml:"ram_size"`
	Dispatch dispatch.Config `yaml:"dispatch"`
}

const demoBase = 0x1000

// demo sums 1..1000 into r2, rewrites the instruction at "patched" into an
// increment and runs the sum again, halting with r2 = 500501.
func demo() *guest.Asm {
	a := guest.NewAsm(demoBase)
	a.Li(7, 0)
	a.Label("again").LoadImm32(1, 1000).Li(2, 0)
	a.Label("loop").Add(2, 2, 1).Addi(1, 1, -1).Bnz(1, "loop")
	a.Bnz(7, "patched")
	a.Li(7, 1)
	a.LoadImm32(4, guest.Insn{Op: guest.OpAddi, Rd: 2, Rs: 2, Imm: 1}.Encode())
	patched := a.PC() + 4*guest.InsnSize
	a.LoadImm32(5, uint32(patched))
	a.Stw(4, 5, 0).Jmp("again")
	a.Label("patched").Li(2, 0).Halt()
	return a
}

func parseAddr(s string) types.GuestAddr {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		log.Fatalf("Invalid address %q: %v", s, err)
	}
	return types.GuestAddr(v)
}

func main() {
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	imagePath := flag.String("image", "", "Raw guest image; the built-in demo runs when empty")
	loadAddr := flag.String("load-addr", "0x1000", "Physical address the image is loaded at")
	entry := flag.String("entry", "", "Entry pc (defaults to the load address)")
	cpus := flag.Int("cpus", 0, "Number of CPUs (overrides the config file)")
	maxInsns := flag.Int64("max-insns", 0, "Stop each CPU after this many instructions")
	timeout := flag.Duration("timeout", 0, "Stop after this long")
	disasm := flag.Bool("disasm", false, "Print the entry block as x86-64 and exit")
	dump := flag.Bool("dump", false, "Dump the translation cache after the run")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	verbose := flag.Bool("verbose", false, "Log translations and flushes")

	flag.Parse()

	config := Config{RAMSize: 16 << 20, Dispatch: dispatch.DefaultConfig()}
	if *configPath != "" {
		configData, err := os.ReadFile(*configPath)
		if err != nil {
			log.Fatalf("Failed to read config file: %v", err)
		}
		if err := yaml.Unmarshal(configData, &config); err != nil {
			log.Fatalf("Failed to parse config file: %v", err)
		}
	}
	if *cpus > 0 {
		config.Dispatch.CPUs = *cpus
	}
	if *maxInsns > 0 {
		config.Dispatch.CPU.MaxInsns = *maxInsns
	}
	if *verbose {
		config.Dispatch.Cache.Verbose = true
		config.Dispatch.CPU.Verbose = true
	}

	mem := ram.NewMemory(config.RAMSize)
	base := parseAddr(*loadAddr)
	var image []byte
	var err error
	if *imagePath != "" {
		image, err = os.ReadFile(*imagePath)
		if err != nil {
			log.Fatalf("Failed to read guest image: %v", err)
		}
	} else {
		base = demoBase
		image, err = demo().Bytes()
		if err != nil {
			log.Fatalf("Failed to assemble demo: %v", err)
		}
	}
	if err := mem.WriteBytes(types.PhysAddr(base), image); err != nil {
		log.Fatalf("Failed to load guest image: %v", err)
	}
	pc := base
	if *entry != "" {
		pc = parseAddr(*entry)
	}
	log.Printf("Loaded %d bytes at %s, entry %s", len(image), base, pc)

	front := guest.FrontEnd{}
	guestCtx := guest.MakeContext(guest.ModeKernel, 0)

	if *disasm {
		fetch := func(pc types.GuestAddr) (uint32, error) {
			v, err := mem.Read(types.PhysAddr(pc), guest.InsnSize)
			return uint32(v), err
		}
		block, err := front.Translate(pc, guestCtx, fetch)
		if err != nil {
			log.Fatalf("Failed to translate entry block: %v", err)
		}
		buf := make([]byte, jit.X86{}.MaxSize(block))
		n, _, err := jit.X86{}.Emit(block, buf, 0)
		if err != nil {
			log.Fatalf("Failed to generate code: %v", err)
		}
		fmt.Print(block)
		fmt.Print(jit.FormatX86(buf[:n], 0))
		return
	}

	reg := prometheus.NewRegistry()
	cluster, err := dispatch.NewCluster(config.Dispatch, mem, guest.NewMMU(mem), front, jit.Bytecode{}, reg)
	if err != nil {
		log.Fatalf("Failed to create cluster: %v", err)
	}
	defer cluster.Close()

	if *metricsAddr != "" {
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				log.Printf("Metrics server stopped: %v", err)
			}
		}()
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if *timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, *timeout)
		defer cancelTimeout()
	}

	if err := cluster.Start(pc, guestCtx, guest.ModeKernel); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	start := time.Now()
	log.Printf("Running %d CPU(s)", len(cluster.CPUs))
	runErr := cluster.Run(runCtx)
	elapsed := time.Since(start)

	for _, cpu := range cluster.CPUs {
		log.Printf("cpu%d: pc=%s r2=%d", cpu.ID, cpu.State.PC, cpu.State.Regs[2])
	}
	st := cluster.Stats()
	cs := cluster.Cache().Stats()
	log.Printf("%d insns in %s, %d blocks, %d translations, %d chained, %d jump cache hits",
		st.Insns, elapsed, st.Blocks, st.Translations, st.Chained, st.JmpCacheHits)
	log.Printf("cache: %d live TBs, %d code pages, %d/%d code bytes, %d flushes, %d self-modified exits",
		cs.LiveTBs, cs.CodePages, cs.CodeBytes, cs.CodeCapacity, cs.Flushes, st.SelfModified)

	if *dump {
		if err := cluster.Cache().Dump(os.Stdout); err != nil {
			log.Fatalf("Failed to dump cache: %v", err)
		}
	}
	if runErr != nil {
		log.Fatalf("Run failed: %v", runErr)
	}
}
