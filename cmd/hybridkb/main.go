// Command hybridkb wires the Coordinator and its stores against a data
// directory and runs one ingest, search, or job-queue operation,
// demonstrating the engine end to end without a CLI framework (out of
// scope per SPEC_FULL.md's Non-goals).
//
// Usage:
//
//	hybridkb ingest <source-id> <path>
//	hybridkb search <query> [limit]
//	hybridkb stats
//	hybridkb queue <source-id> <path>
//	hybridkb worker
//	hybridkb jobs [status]
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/hybridkb/hybridkb/internal/contentstore"
	"github.com/hybridkb/hybridkb/internal/coordinator"
	"github.com/hybridkb/hybridkb/internal/embed"
	"github.com/hybridkb/hybridkb/internal/ingest"
	"github.com/hybridkb/hybridkb/internal/jobqueue"
	"github.com/hybridkb/hybridkb/internal/kbtypes"
	"github.com/hybridkb/hybridkb/internal/keywordindex"
	"github.com/hybridkb/hybridkb/internal/obslog"
	"github.com/hybridkb/hybridkb/internal/vectorindex"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: hybridkb <ingest|search|stats|queue|worker|jobs> [args]")
	}

	logger, closeLog, err := obslog.Setup(obslog.DefaultConfig())
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer closeLog()

	dataDir := defaultDataDir()
	coord, err := openCoordinator(dataDir, logger)
	if err != nil {
		return fmt.Errorf("open coordinator: %w", err)
	}
	defer coord.Close()

	ctx := context.Background()

	switch args[0] {
	case "ingest":
		if len(args) < 3 {
			return fmt.Errorf("usage: hybridkb ingest <source-id> <path>")
		}
		resp, err := coord.IngestFromPath(ctx, args[1], args[2])
		if err != nil {
			return err
		}
		fmt.Printf("ingested %d documents, %d chunks (%d skipped as duplicates)\n",
			resp.DocumentsCreated, resp.ChunksCreated, resp.ChunksSkipped)

	case "search":
		if len(args) < 2 {
			return fmt.Errorf("usage: hybridkb search <query> [limit]")
		}
		limit := 10
		if len(args) >= 3 {
			if n, err := strconv.Atoi(args[2]); err == nil {
				limit = n
			}
		}
		results, err := coord.Search(ctx, args[1], limit)
		if err != nil {
			return err
		}
		for i, r := range results {
			fmt.Printf("%d. [%s] score=%.3f %s\n", i+1, r.Chunk.ID, r.FusedScore, truncate(r.Chunk.Content, 120))
		}

	case "stats":
		stats, err := coord.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("documents=%d sources=%d vectors=%d keyword_entries=%d\n",
			stats.DocumentCount, stats.SourceCount, stats.VectorCount, stats.KeywordCount)

	case "queue":
		if len(args) < 3 {
			return fmt.Errorf("usage: hybridkb queue <source-id> <path>")
		}
		content, err := os.ReadFile(args[2])
		if err != nil {
			return err
		}
		jobID, err := coord.QueueDocuments(ctx, args[1], []ingest.DocumentInput{
			{Title: filepath.Base(args[2]), FilePath: args[2], Content: string(content)},
		})
		if err != nil {
			return err
		}
		fmt.Printf("queued job %d\n", jobID)

	case "worker":
		runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		fmt.Println("job queue worker running, press ctrl-c to stop")
		return coord.RunWorker(runCtx)

	case "jobs":
		var status kbtypes.JobStatus
		if len(args) >= 2 {
			status = kbtypes.JobStatus(args[1])
		}
		jobs, err := coord.ListJobs(ctx, status)
		if err != nil {
			return err
		}
		for _, j := range jobs {
			fmt.Printf("job %d [%s] source=%s total=%d completed=%d failed=%d\n",
				j.ID, j.Status, j.SourceID, j.TotalDocs, j.CompletedDocs, j.FailedDocs)
		}

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}

	return nil
}

func openCoordinator(dataDir string, logger *slog.Logger) (*coordinator.Coordinator, error) {
	embedder := embed.NewCachedEmbedder(embed.NewStaticEmbedder(), 0)

	content, err := contentstore.Open(filepath.Join(dataDir, "content.db"))
	if err != nil {
		return nil, err
	}

	vectorPath := filepath.Join(dataDir, "vectors", "index.bin")
	vector, err := openOrCreateVectorIndex(vectorPath, embedder.Dimensions())
	if err != nil {
		_ = content.Close()
		return nil, err
	}

	keyword, err := keywordindex.New(filepath.Join(dataDir, "keyword"))
	if err != nil {
		_ = content.Close()
		_ = vector.Close()
		return nil, err
	}

	queue, err := jobqueue.Open(filepath.Join(dataDir, "jobs.db"))
	if err != nil {
		_ = content.Close()
		_ = vector.Close()
		_ = keyword.Close()
		return nil, err
	}

	return coordinator.New(coordinator.Config{
		DataDir:  dataDir,
		Embedder: embedder,
		Content:  content,
		Vector:   vector,
		Keyword:  keyword,
		Queue:    queue,
		Device:   "cpu",
		Logger:   logger,
	})
}

func openOrCreateVectorIndex(path string, dimensions int) (*vectorindex.Index, error) {
	if _, err := os.Stat(path); err == nil {
		return vectorindex.Load(path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return vectorindex.New(vectorindex.Config{Dimensions: dimensions})
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".hybridkb")
	}
	return filepath.Join(home, ".hybridkb")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
