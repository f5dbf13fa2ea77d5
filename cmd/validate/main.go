// Command validate checks a deployment's inputs and state: it validates the
// sources file, optionally probes every source once, and optionally audits
// an event store for lifecycle invariants.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -sources sources.yaml \
//	  -probe \
//	  -store data/events.db
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/couchcryptid/discharge-tracker/internal/adapter/arcgis"
	"github.com/couchcryptid/discharge-tracker/internal/adapter/sqlite"
	"github.com/couchcryptid/discharge-tracker/internal/config"
	"github.com/couchcryptid/discharge-tracker/internal/domain"
	"github.com/couchcryptid/discharge-tracker/internal/observability"
	"github.com/couchcryptid/discharge-tracker/internal/parser"
)

// maxListed caps the per-phase error listing.
const maxListed = 20

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	sourcesPath := flag.String("sources", "sources.yaml", "path to the sources file")
	probe := flag.Bool("probe", false, "fetch and parse every source once")
	storePath := flag.String("store", "", "path to an event store to audit")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall probe timeout")
	flag.Parse()

	if code := run(*sourcesPath, *probe, *storePath, *timeout); code != 0 {
		os.Exit(code)
	}
}

func run(sourcesPath string, probe bool, storePath string, timeout time.Duration) int {
	fmt.Println("=== Discharge Tracker Validation ===")
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sources, phases := validateSources(sourcesPath)
	if probe && len(sources) > 0 {
		for _, src := range sources {
			phases = append(phases, probeSource(ctx, src))
		}
	}
	if storePath != "" {
		phases = append(phases, auditStore(ctx, storePath))
	}

	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			if i == maxListed {
				fmt.Printf("  ... %d more\n", len(p.errors)-maxListed)
				break
			}
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

// validateSources loads the sources file and builds every adapter.
func validateSources(path string) ([]config.SourceConfig, []*phase) {
	file := &phase{name: "Sources file"}
	sources, err := config.LoadSources(path)
	if err != nil {
		file.errorf("%v", err)
		return nil, []*phase{file}
	}
	fmt.Printf("Loaded %d sources from %s\n", len(sources), path)

	adapters := &phase{name: "Parser adapters"}
	for _, src := range sources {
		if _, err := parser.NewFromConfig(src); err != nil {
			adapters.errorf("%v", err)
		}
	}
	return sources, []*phase{file, adapters}
}

// probeSource fetches one source and checks that its features parse.
func probeSource(ctx context.Context, src config.SourceConfig) *phase {
	p := &phase{name: "Probe " + src.ID}

	adapter, err := parser.NewFromConfig(src)
	if err != nil {
		p.errorf("%v", err)
		return p
	}
	client := arcgis.NewClient(src, observability.DiscardLogger(), observability.NewMetricsForTesting())

	raws, err := client.FetchAll(ctx)
	if err != nil {
		p.errorf("%v", err)
		return p
	}
	observations, errs := parser.ParseAll(adapter, src.ID, raws)
	for _, err := range errs {
		p.errorf("%v", err)
	}
	if len(raws) == 0 {
		p.errorf("source returned no features")
	}

	discharging, dated := 0, 0
	for _, o := range observations {
		if o.IsDischarging {
			discharging++
			if !o.StatusChangedAt.IsZero() {
				dated++
			}
		}
	}
	fmt.Printf("  %-12s %5d features, %5d parsed, %4d discharging (%d with start time)\n",
		src.ID, len(raws), len(observations), discharging, dated)
	return p
}

// auditStore checks stored records: at most one Active record per site,
// and every completed record carries an end time and a non-negative
// duration.
func auditStore(ctx context.Context, path string) *phase {
	p := &phase{name: "Event store"}

	if _, err := os.Stat(path); err != nil {
		p.errorf("%v", err)
		return p
	}
	store, err := sqlite.Open(path)
	if err != nil {
		p.errorf("%v", err)
		return p
	}
	defer store.Close()

	events, err := store.LoadAll(ctx)
	if err != nil {
		p.errorf("%v", err)
		return p
	}

	active := make(map[domain.EventID]int)
	completed := 0
	for _, e := range events {
		if e.IsActive() {
			active[e.EventID]++
			continue
		}
		completed++
		if e.EndTime == nil {
			p.errorf("%s: completed without end time", e.Key())
			continue
		}
		if e.DurationMinutes == nil || *e.DurationMinutes < 0 {
			p.errorf("%s: missing or negative duration", e.Key())
		}
		if e.EndTime.Before(e.StartTime) && !e.DurationClamped {
			p.errorf("%s: ends before it starts", e.Key())
		}
	}
	for id, n := range active {
		if n > 1 {
			p.errorf("%s: %d active records", id, n)
		}
	}

	fmt.Printf("Store: %d records, %d active sites, %d completed\n", len(events), len(active), completed)
	return p
}
