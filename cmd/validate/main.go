// Command validate checks that the catalog, the durable store and the
// provenance graph agree: every recorded mirror and composite exists with the
// recorded size and checksum, every artifact has the job that produced it,
// and the statement set is closed.
//
// Usage:
//
//	go run ./cmd/validate          # attributes only
//	go run ./cmd/validate -deep    # re-hash every mirror and composite
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/couchcryptid/aorc-composite-service/internal/adapter/blobstore"
	"github.com/couchcryptid/aorc-composite-service/internal/catalog"
	"github.com/couchcryptid/aorc-composite-service/internal/composite"
	"github.com/couchcryptid/aorc-composite-service/internal/config"
	"github.com/couchcryptid/aorc-composite-service/internal/mirror"
	"github.com/couchcryptid/aorc-composite-service/internal/provenance"
)

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
	deep := flag.Bool("deep", false, "download and re-hash every mirror and composite")
	flag.Parse()

	if code := run(*deep); code != 0 {
		os.Exit(code)
	}
}

func run(deep bool) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load config: %v\n", err)
		return 1
	}
	g, err := config.LoadGrid(cfg.GridConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load grid: %v\n", err)
		return 1
	}
	store, err := blobstore.Open(ctx, blobstore.Options{URL: cfg.StoreURL, AWSRegion: cfg.AWSRegion, S3Endpoint: cfg.S3Endpoint})
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: open store: %v\n", err)
		return 1
	}
	defer store.Close()
	cat, err := catalog.Open(cfg.CatalogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: open catalog: %v\n", err)
		return 1
	}
	defer cat.Close()

	fmt.Println("=== AORC Store Integrity Validation ===")
	fmt.Println()

	mapper := provenance.NewMapper(g.Regions, cfg.StoreURL, cfg.SourceBaseURL)
	phases := []*phase{
		validateMirrors(ctx, cat, store, deep),
		validateComposites(ctx, cat, store, deep),
		validateLineage(cat),
		validateProvenance(cat, mapper),
	}

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

func validateMirrors(ctx context.Context, cat *catalog.Catalog, store *blobstore.Store, deep bool) *phase {
	p := &phase{name: "Mirror objects match catalog"}
	mirrors, err := cat.Mirrors()
	if err != nil {
		p.errorf("list mirrors: %v", err)
		return p
	}
	for _, mo := range mirrors {
		if err := mo.Validate(); err != nil {
			p.errorf("%v", err)
		}
		attrs, err := store.Attributes(ctx, mo.StorageKey)
		if err != nil {
			p.errorf("%s: %v", mo.StorageKey, err)
			continue
		}
		if attrs.Size != mo.ByteSize {
			p.errorf("%s: stored size %d, catalog %d", mo.StorageKey, attrs.Size, mo.ByteSize)
		}
		if sum := mirror.StoredChecksum(attrs); sum != mo.Checksum {
			p.errorf("%s: stored sha256 %q, catalog %q", mo.StorageKey, sum, mo.Checksum)
		}
		if !deep {
			continue
		}
		h := sha256.New()
		if _, err := store.Download(ctx, mo.StorageKey, h); err != nil {
			p.errorf("%s: %v", mo.StorageKey, err)
			continue
		}
		if sum := hex.EncodeToString(h.Sum(nil)); sum != mo.Checksum {
			p.errorf("%s: content sha256 %s, catalog %s", mo.StorageKey, sum, mo.Checksum)
		}
	}
	fmt.Printf("Mirrors: %d recorded\n", len(mirrors))
	return p
}

func validateComposites(ctx context.Context, cat *catalog.Catalog, store *blobstore.Store, deep bool) *phase {
	p := &phase{name: "Composite arrays match catalog"}
	composites, err := cat.Composites()
	if err != nil {
		p.errorf("list composites: %v", err)
		return p
	}
	stale := 0
	for _, co := range composites {
		for _, key := range co.Used {
			mo, err := cat.Mirror(key)
			if err != nil {
				p.errorf("%s uses %s: %v", co.StorageKey, key, err)
				continue
			}
			// Superseded inputs are reported, not failed: composites are immutable.
			if mo.Checksum != co.UsedChecksums[key] {
				stale++
				fmt.Printf("  STALE %s built on %s@%s, now %s\n", co.StorageKey, key, co.UsedChecksums[key], mo.Checksum)
			}
		}
		ok, err := store.Exists(ctx, co.StorageKey+"/.zgroup")
		if err != nil || !ok {
			p.errorf("%s: group marker missing", co.StorageKey)
			continue
		}
		if !deep {
			continue
		}
		values, shape, err := composite.ReadArray(ctx, store, co.StorageKey)
		if err != nil {
			p.errorf("%s: %v", co.StorageKey, err)
			continue
		}
		if len(shape) != 2 || shape[0] != co.Shape[0] || shape[1] != co.Shape[1] {
			p.errorf("%s: stored shape %v, catalog %v", co.StorageKey, shape, co.Shape)
		}
		if sum := composite.Checksum(values); sum != co.Checksum {
			p.errorf("%s: content checksum %s, catalog %s", co.StorageKey, sum, co.Checksum)
		}
	}
	fmt.Printf("Composites: %d recorded, %d inputs superseded\n", len(composites), stale)
	return p
}

func validateLineage(cat *catalog.Catalog) *phase {
	p := &phase{name: "Every artifact has its producing job"}
	mirrors, err := cat.Mirrors()
	if err != nil {
		p.errorf("list mirrors: %v", err)
		return p
	}
	composites, err := cat.Composites()
	if err != nil {
		p.errorf("list composites: %v", err)
		return p
	}
	keys := make([]string, 0, len(mirrors)+len(composites))
	for _, mo := range mirrors {
		keys = append(keys, mo.StorageKey)
	}
	for _, co := range composites {
		keys = append(keys, co.StorageKey)
	}
	for _, key := range keys {
		if _, err := cat.JobFor(key); err != nil {
			p.errorf("%s: %v", key, err)
		}
	}
	return p
}

func validateProvenance(cat *catalog.Catalog, mapper *provenance.Mapper) *phase {
	p := &phase{name: "Provenance statements are closed"}
	stmts, err := mapper.Graph(cat)
	if err != nil {
		p.errorf("%v", err)
		return p
	}
	fmt.Printf("Statements: %d\n", len(stmts))
	return p
}
